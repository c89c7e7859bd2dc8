package chat

import (
	"sort"
	"sync"

	"roomchat/internal/model"
	"roomchat/internal/websocket"
)

// EventType 事件类型
type EventType int

const (
	EventMessages       EventType = iota + 1 // 某个模式的消息列表变化
	EventState                               // 打开/关闭、模式、身份变化
	EventScrollToLatest                      // 需要滚动到最新消息
	EventError                               // 新的失败
	EventConnection                          // 推送通道状态变化
	EventSessions                            // 会话列表或摘要变化
)

func (t EventType) String() string {
	switch t {
	case EventMessages:
		return "messages"
	case EventState:
		return "state"
	case EventScrollToLatest:
		return "scroll"
	case EventError:
		return "error"
	case EventConnection:
		return "connection"
	case EventSessions:
		return "sessions"
	}
	return "unknown"
}

// Event 通知展示层重绘
type Event struct {
	Type       EventType
	Mode       model.Mode
	Failure    *Failure
	Connection websocket.State
}

// Bus 事件总线
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe 订阅事件，返回取消订阅函数
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish 按顺序通知所有订阅者
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	subs := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.Unlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
}
