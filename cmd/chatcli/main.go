package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/hiop5155/chat-app/internal/client"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/ws"
	"github.com/rs/zerolog"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type Config struct {
	ServerURL string `env:"CHAT_SERVER_URL,default=http://localhost:8080"`
	Token     string `env:"CHAT_TOKEN,required=true"`
	Username  string `env:"CHAT_USERNAME,required=true"`
	LogLevel  string `env:"LOG_LEVEL,default=warn"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg.ServerURL, cfg.Token)
	stream, err := c.Connect(ctx, cfg.Username)
	if err != nil {
		return exitRuntime, fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
	}
	defer stream.Close()

	// 先建立连接再拉历史；已经从推送流收到的消息不再重复显示。
	history, err := c.ListMessages(ctx)
	if err != nil {
		return exitRuntime, fmt.Errorf("load history: %w", err)
	}
	for i := range history {
		if stream.Remember(history[i]) {
			printMessage(&history[i])
		}
	}

	go func() {
		typing := newTypingUsers()
		for evt := range stream.Events() {
			switch evt.Name {
			case ws.EventMessage:
				// 对方发完消息即视为停止输入。
				typing.stop(evt.Message.Sender.Username)
				printMessage(evt.Message)
			case ws.EventTyping:
				if typing.start(evt.Identity) {
					fmt.Printf("  %s is typing...\n", evt.Identity)
				}
			case ws.EventStopTyping:
				if typing.stop(evt.Identity) {
					fmt.Printf("  %s stopped typing\n", evt.Identity)
				}
			case ws.EventError:
				fmt.Printf("! %s\n", evt.Err.Error)
			}
		}
		logger.Warn().Msg("stream closed")
		stop()
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			in, quit := parseLine(line)
			if quit {
				return exitOK, nil
			}
			if in == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			msg, err := c.Send(sendCtx, *in)
			cancel()
			var apiErr *client.APIError
			switch {
			case errors.As(err, &apiErr):
				fmt.Printf("! %s\n", apiErr.Message)
			case err != nil:
				logger.Error().Err(err).Msg("send message")
			default:
				// 自己的广播通常先于响应到达，由 id 去重保证只显示一次。
				if stream.Remember(*msg) {
					printMessage(msg)
				}
			}
		}
	}
}

// typingUsers 记录当前正在输入的其他用户，只在状态变化时提示。
type typingUsers map[string]struct{}

func newTypingUsers() typingUsers { return make(typingUsers) }

func (t typingUsers) start(name string) bool {
	if _, ok := t[name]; ok {
		return false
	}
	t[name] = struct{}{}
	return true
}

func (t typingUsers) stop(name string) bool {
	if _, ok := t[name]; !ok {
		return false
	}
	delete(t, name)
	return true
}

// parseLine 识别 /img、/video、/quit 命令，其余内容作为文本消息。
func parseLine(line string) (*service.SubmitInput, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, false
	case line == "/quit":
		return nil, true
	case strings.HasPrefix(line, "/img "):
		return &service.SubmitInput{Type: models.MessageTypeImage, FileURL: strings.TrimSpace(line[5:])}, false
	case strings.HasPrefix(line, "/video "):
		return &service.SubmitInput{Type: models.MessageTypeVideo, FileURL: strings.TrimSpace(line[7:])}, false
	}
	return &service.SubmitInput{Type: models.MessageTypeText, Content: line}, false
}

func printMessage(m *models.Message) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	switch m.Type {
	case models.MessageTypeText:
		fmt.Printf("[%s] %s: %s\n", ts, m.Sender.Username, m.Content)
	default:
		fmt.Printf("[%s] %s sent %s %s\n", ts, m.Sender.Username, m.Type, m.FileURL)
	}
}
