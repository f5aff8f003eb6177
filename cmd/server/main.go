package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiop5155/chat-app/internal/config"
	"github.com/hiop5155/chat-app/internal/db"
	clog "github.com/hiop5155/chat-app/internal/log"
	"github.com/hiop5155/chat-app/internal/mw"
	"github.com/hiop5155/chat-app/internal/server"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/store"
	"github.com/hiop5155/chat-app/internal/ws"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	// main 负责加载配置、初始化日志、连接存储并启动 HTTP 服务，收到信号后优雅停机。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	msgStore, closeStore, err := openMessageStore(cfg, gdb)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.MessageStore).Msg("open message store")
	}

	hub := ws.NewHub()
	msgSvc := service.NewMessageService(msgStore, hub)
	rl := mw.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, hub, msgSvc, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.MessageStore).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// websocket 连接已被 Hijack，http.Server.Shutdown 不会等待它们，需要单独关闭。
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	rl.Stop()
	if err := closeStore(); err != nil {
		log.Error().Err(err).Msg("close message store")
	}
	if err := db.Close(gdb); err != nil {
		log.Error().Err(err).Msg("close db")
	}
	log.Info().Msg("server stopped")
}

func openMessageStore(cfg config.Config, gdb *gorm.DB) (service.MessageStore, func() error, error) {
	if cfg.MessageStore == config.StoreBadger {
		bs, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	}
	return store.NewGormMessageStore(gdb), func() error { return nil }, nil
}
