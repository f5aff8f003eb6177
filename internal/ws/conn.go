package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hiop5155/chat-app/internal/auth"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	submitTimeout  = 5 * time.Second
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Submitter 是通过 websocket 提交消息时使用的入口，与 HTTP 共用同一套校验与持久化。
type Submitter interface {
	Submit(ctx context.Context, sender models.User, in service.SubmitInput) (*models.Message, error)
}

// Conn 是一条物理 websocket 连接；同一用户可以同时持有多条。
type Conn struct {
	id        string
	user      models.User
	hub       *Hub
	submitter Submitter
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newConn(hub *Hub, submitter Submitter, ws *websocket.Conn, user models.User, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		id:        uuid.NewString(),
		user:      user,
		hub:       hub,
		submitter: submitter,
		ws:        ws,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Identity 返回连接所属用户名，仅用于输入状态事件。
func (c *Conn) Identity() string { return c.user.Username }

// Push 非阻塞地把事件放入发送缓冲；缓冲满或连接已关闭时直接返回错误。
func (c *Conn) Push(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 通知写协程发送关闭帧并退出，可重复调用。
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve 升级 HTTP 连接并接入广播通道。调用前必须已经通过 auth 中间件解析出用户。
func Serve(hub *Hub, submitter Submitter, sendBuffer int) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := auth.GetUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}
		wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("ws upgrade")
			return
		}
		conn := newConn(hub, submitter, wsConn, user, sendBuffer)
		hub.Registry().Register(conn)
		log.Info().Str("conn_id", conn.id).Str("username", user.Username).Msg("ws connected")

		go conn.writePump()
		conn.readPump()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Registry().Unregister(c.id)
		c.Close()
		_ = c.ws.Close()
		log.Info().Str("conn_id", c.id).Str("username", c.user.Username).Msg("ws disconnected")
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var in inboundEvent
	if err := json.Unmarshal(data, &in); err != nil {
		log.Debug().Err(err).Str("conn_id", c.id).Msg("ws invalid frame")
		return
	}
	switch in.Event {
	case EventTyping:
		c.hub.PublishTyping(c.Identity(), true)
	case EventStopTyping:
		c.hub.PublishTyping(c.Identity(), false)
	case EventMessage:
		c.submit(in.Data)
	default:
		log.Debug().Str("conn_id", c.id).Str("event", in.Event).Msg("ws unknown event")
	}
}

func (c *Conn) submit(raw json.RawMessage) {
	if c.submitter == nil {
		return
	}
	var input service.SubmitInput
	if err := json.Unmarshal(raw, &input); err != nil {
		c.reply(ErrorPayload{Error: "invalid payload"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if _, err := c.submitter.Submit(ctx, c.user, input); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.reply(ErrorPayload{Error: verr.Reason, Field: verr.Field})
			return
		}
		log.Error().Err(err).Uint("user_id", c.user.ID).Str("conn_id", c.id).Msg("ws submit message")
		c.reply(ErrorPayload{Error: "failed to create message"})
	}
}

// reply 只推送给当前连接。
func (c *Conn) reply(p ErrorPayload) {
	b, err := encodeEvent(EventError, p)
	if err != nil {
		return
	}
	if err := c.Push(b); err != nil {
		log.Warn().Err(err).Str("conn_id", c.id).Msg("ws reply dropped")
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
