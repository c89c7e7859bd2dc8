package devserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"roomchat/internal/model"
	wsproto "roomchat/internal/websocket"
)

// Delivery 一条需要推送的消息及其接收用户
type Delivery struct {
	Message *model.Message `json:"message"`
	UserIDs []int64        `json:"user_ids"`
}

// Hub 是 WebSocket 连接的中心管理器
// 负责：
// 1. 管理所有客户端连接
// 2. 维护会话广播组
// 3. 把消息推送给会话参与者和加入广播组的连接
type Hub struct {
	// 用户 → 连接（同一用户可能多端登录）
	clients map[int64][]*Client

	// 会话 → 加入了广播组的连接
	joined map[int64]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub 创建 Hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64][]*Client),
		joined:     make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run 启动 Hub 主循环，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return
		}
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.userID] = append(h.clients[client.userID], client)
	h.log.Debug().Int64("user_id", client.userID).Msg("ws client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	list := h.clients[client.userID]
	for i, c := range list {
		if c == client {
			h.clients[client.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.clients[client.userID]) == 0 {
		delete(h.clients, client.userID)
	}
	for id, members := range h.joined {
		delete(members, client)
		if len(members) == 0 {
			delete(h.joined, id)
		}
	}
	h.mu.Unlock()

	client.Close()
	h.log.Debug().Int64("user_id", client.userID).Msg("ws client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, list := range h.clients {
		for _, c := range list {
			c.Close()
		}
	}
	h.clients = make(map[int64][]*Client)
	h.joined = make(map[int64]map[*Client]struct{})
}

// Join 加入会话广播组
func (h *Hub) Join(client *Client, sessionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.joined[sessionID]
	if !ok {
		members = make(map[*Client]struct{})
		h.joined[sessionID] = members
	}
	members[client] = struct{}{}
}

// Leave 离开会话广播组
func (h *Hub) Leave(client *Client, sessionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.joined[sessionID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.joined, sessionID)
		}
	}
}

// Joined 会话广播组中的连接数
func (h *Hub) Joined(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.joined[sessionID])
}

// Online 用户当前的连接数
func (h *Hub) Online(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// DropUser 强制断开用户的所有连接（测试重连时使用）
func (h *Hub) DropUser(userID int64) {
	h.mu.RLock()
	list := append([]*Client{}, h.clients[userID]...)
	h.mu.RUnlock()
	for _, c := range list {
		c.conn.Close()
	}
}

// Deliver 推送一条消息，每个连接最多收到一次
func (h *Hub) Deliver(d *Delivery) {
	f, err := wsproto.NewFrame(wsproto.TypeChatMessage, d.Message)
	if err != nil {
		h.log.Error().Err(err).Msg("encode push frame failed")
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error().Err(err).Msg("encode push frame failed")
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, uid := range d.UserIDs {
		for _, c := range h.clients[uid] {
			targets[c] = struct{}{}
		}
	}
	for c := range h.joined[d.Message.SessionID] {
		targets[c] = struct{}{}
	}
	h.mu.RUnlock()

	for c := range targets {
		c.sendRaw(data)
	}
}
