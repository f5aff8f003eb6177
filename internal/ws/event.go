package ws

import "encoding/json"

// 推送通道上的事件名。
const (
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventError      = "error"
)

// Event 是服务端推送给客户端的信封。
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// inboundEvent 是客户端发来的信封，data 延迟解析。
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload 只回给提交失败的那条连接。
type ErrorPayload struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func encodeEvent(name string, data interface{}) ([]byte, error) {
	return json.Marshal(Event{Event: name, Data: data})
}
