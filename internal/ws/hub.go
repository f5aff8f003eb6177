package ws

import (
	"errors"
	"fmt"

	"github.com/hiop5155/chat-app/internal/metrics"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/rs/zerolog/log"
)

// DeliveryError 描述单个连接的推送失败，只记录日志，不会返回给发送者。
type DeliveryError struct {
	ConnID string
	Event  string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Event, e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Hub 是广播通道：把一个事件推送给 Registry 中的每个连接各一次。
// 推送失败的连接直接丢弃该事件，不排队、不重试。
type Hub struct {
	reg *Registry
}

func NewHub() *Hub { return NewHubWithRegistry(NewRegistry()) }

func NewHubWithRegistry(reg *Registry) *Hub { return &Hub{reg: reg} }

func (h *Hub) Registry() *Registry { return h.reg }

// Online 返回当前注册的连接数。
func (h *Hub) Online() int { return h.reg.Len() }

// Publish 广播一条已持久化的消息，发送者自己的连接同样会收到。
func (h *Hub) Publish(msg models.Message) {
	h.emit(EventMessage, msg)
}

// PublishTyping 广播输入状态；服务端不排除发起者，由客户端按身份过滤。
func (h *Hub) PublishTyping(identity string, isTyping bool) {
	name := EventStopTyping
	if isTyping {
		name = EventTyping
	}
	h.emit(name, identity)
}

func (h *Hub) emit(name string, data interface{}) int {
	b, err := encodeEvent(name, data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("encode event")
		return 0
	}
	metrics.EventsPublishedTotal.WithLabelValues(name).Inc()
	delivered := 0
	h.reg.ForEach(func(s Subscriber) {
		if err := s.Push(b); err != nil {
			h.dropped(&DeliveryError{ConnID: s.ID(), Event: name, Err: err})
			return
		}
		delivered++
	})
	log.Debug().Str("event", name).Int("delivered", delivered).Msg("broadcast")
	return delivered
}

func (h *Hub) dropped(derr *DeliveryError) {
	reason := "error"
	switch {
	case errors.Is(derr.Err, ErrSendBufferFull):
		reason = "buffer_full"
	case errors.Is(derr.Err, ErrConnClosed):
		reason = "closed"
	}
	metrics.DeliveryFailuresTotal.WithLabelValues(derr.Event, reason).Inc()
	log.Warn().Err(derr).Str("conn_id", derr.ConnID).Str("event", derr.Event).Msg("delivery dropped")
}

// Shutdown 关闭所有连接，用于优雅停服。
func (h *Hub) Shutdown() {
	h.reg.ForEach(func(s Subscriber) {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	})
}
