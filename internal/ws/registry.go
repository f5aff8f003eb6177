package ws

import (
	"sync"

	"github.com/hiop5155/chat-app/internal/metrics"
)

// Subscriber 是广播的接收方，Push 不得阻塞。
type Subscriber interface {
	ID() string
	Push(payload []byte) error
}

// Registry 维护当前在线的连接集合。
// 所有成员变更都与 ForEach 互斥，遍历期间集合不会被修改。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Subscriber)}
}

// Register 加入连接；同一 ID 重复注册是空操作，返回 false。
func (r *Registry) Register(s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[s.ID()]; ok {
		return false
	}
	r.conns[s.ID()] = s
	metrics.WsConnections.Inc()
	return true
}

// Unregister 移除连接；ID 不存在时是空操作，返回 false。
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	metrics.WsConnections.Dec()
	return true
}

// ForEach 对每个已注册连接调用一次 fn，顺序不确定。
// fn 在读锁内执行，不能回调 Register/Unregister。
func (r *Registry) ForEach(fn func(Subscriber)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.conns {
		fn(s)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
