package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/ws"
)

var ErrStreamClosed = errors.New("stream closed")

// Event 是交给调用方的一条实时更新。
type Event struct {
	Name     string
	Message  *models.Message
	Identity string
	Err      *ws.ErrorPayload
}

// Stream 是一条实时连接：按 id 丢弃已显示过的消息，并过滤掉自己的输入状态。
type Stream struct {
	conn     *websocket.Conn
	identity string
	idle     time.Duration
	events   chan Event
	done     chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	seen   map[uint]struct{}
	typing *time.Timer
	closed bool
}

func streamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect 建立 websocket 连接。identity 必须是服务端认定的用户名，用于隐藏自己的输入提示。
func (c *Client) Connect(ctx context.Context, identity string) (*Stream, error) {
	target, err := streamURL(c.baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}
	idle := c.TypingIdle
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	s := &Stream{
		conn:     conn,
		identity: identity,
		idle:     idle,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		seen:     make(map[uint]struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events 在连接结束时关闭。
func (s *Stream) Events() <-chan Event { return s.events }

// Seed 把历史标记为已显示，避免与之竞争的同一条广播重复出现。
func (s *Stream) Seed(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
}

// Remember 记录一条通过其他途径（如 REST 响应或历史）拿到的消息，
// 返回 true 表示此前未显示过，调用方应当显示它。
func (s *Stream) Remember(m models.Message) bool {
	return s.markSeen(m.ID)
}

// markSeen 返回 id 是否第一次出现。
func (s *Stream) markSeen(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		evt, ok := s.decode(in.Event, in.Data)
		if !ok {
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) decode(name string, data json.RawMessage) (Event, bool) {
	switch name {
	case ws.EventMessage:
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil || !s.markSeen(msg.ID) {
			return Event{}, false
		}
		return Event{Name: name, Message: &msg}, true
	case ws.EventTyping, ws.EventStopTyping:
		var who string
		if err := json.Unmarshal(data, &who); err != nil || who == s.identity {
			return Event{}, false
		}
		return Event{Name: name, Identity: who}, true
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Name: name, Err: &p}, true
	}
	return Event{}, false
}

func (s *Stream) write(name string, data interface{}) error {
	b, err := json.Marshal(ws.Event{Event: name, Data: data})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Keystroke 发送 typing，并重置空闲计时器；超过 idle 没有新按键时自动发送 stop_typing。
func (s *Stream) Keystroke() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.typing == nil {
		s.typing = time.AfterFunc(s.idle, func() { _ = s.write(ws.EventStopTyping, s.identity) })
	} else {
		s.typing.Reset(s.idle)
	}
	s.mu.Unlock()
	return s.write(ws.EventTyping, s.identity)
}

// StopTyping 取消计时器并立即发送 stop_typing。
func (s *Stream) StopTyping() error {
	s.mu.Lock()
	if s.typing != nil {
		s.typing.Stop()
	}
	s.mu.Unlock()
	return s.write(ws.EventStopTyping, s.identity)
}

// SendMessage 通过 websocket 而不是 REST API 提交消息。
func (s *Stream) SendMessage(in service.SubmitInput) error {
	return s.write(ws.EventMessage, in)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.typing != nil {
		s.typing.Stop()
	}
	s.mu.Unlock()
	close(s.done)

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
