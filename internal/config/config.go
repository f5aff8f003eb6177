package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	StoreSQL    = "sql"
	StoreBadger = "badger"
)

type Config struct {
	Port                   string
	Env                    string
	LogLevel               string
	DatabaseDriver         string
	DatabaseDSN            string
	MessageStore           string
	BadgerPath             string
	JWTSecret              string
	CORSOrigins            []string
	RateLimitRPS           float64
	RateLimitBurst         int
	WSSendBuffer           int
	ShutdownTimeoutSeconds int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析失败或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 从环境变量读取配置；若当前目录存在 .env 文件则先加载它（不覆盖已有变量）。
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                   getenv("APP_PORT", "8080"),
		Env:                    getenv("APP_ENV", "dev"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		DatabaseDriver:         strings.ToLower(getenv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseDSN:            getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatapp port=5432 sslmode=disable TimeZone=UTC"),
		MessageStore:           strings.ToLower(getenv("MESSAGE_STORE", StoreSQL)),
		BadgerPath:             getenv("BADGER_PATH", ""),
		JWTSecret:              getenv("JWT_SECRET", defaultJWTSecret),
		CORSOrigins:            splitList(getenv("CORS_ORIGINS", "*")),
		RateLimitRPS:           getenvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:         getenvInt("RATE_LIMIT_BURST", 40),
		WSSendBuffer:           getenvInt("WS_SEND_BUFFER", 256),
		ShutdownTimeoutSeconds: getenvInt("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}
}

// Validate 在启动前拒绝明显错误的配置组合。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	switch cfg.MessageStore {
	case StoreSQL:
	case StoreBadger:
		if cfg.BadgerPath == "" {
			return errors.New("BADGER_PATH is required when MESSAGE_STORE=badger")
		}
	default:
		return errors.New("MESSAGE_STORE must be sql or badger")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}
