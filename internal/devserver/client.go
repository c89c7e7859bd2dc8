package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	wsproto "roomchat/internal/websocket"
)

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待任何消息的超时时间，客户端心跳间隔必须小于它
	readWait = 90 * time.Second

	// 消息最大大小
	maxMessageSize = 64 * 1024
)

// Client 表示一个 WebSocket 客户端连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  int64
	canJoin func(sessionID int64) bool

	mu     sync.Mutex
	closed bool
}

// NewClient 创建新的客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID int64, canJoin func(int64) bool) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		canJoin: canJoin,
	}
}

// ReadPump 读取客户端帧并处理
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Int64("user_id", c.userID).Msg("ws read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var f wsproto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		c.handleFrame(&f)
	}
}

// WritePump 把 send 通道中的数据写入连接
func (c *Client) WritePump() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) handleFrame(f *wsproto.Frame) {
	switch f.Type {
	case wsproto.TypeHeartbeat:
		c.sendFrame(wsproto.TypePong, nil)

	case wsproto.TypeChatJoin, wsproto.TypeChatLeave:
		var p wsproto.SessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.SessionID <= 0 {
			c.sendFrame(wsproto.TypeError, &wsproto.ErrorPayload{Code: 400, Message: "无效的会话ID"})
			return
		}
		if f.Type == wsproto.TypeChatLeave {
			c.hub.Leave(c, p.SessionID)
			return
		}
		if !c.canJoin(p.SessionID) {
			c.sendFrame(wsproto.TypeError, &wsproto.ErrorPayload{Code: 403, Message: "无权访问此会话"})
			return
		}
		c.hub.Join(c, p.SessionID)

	default:
		c.hub.log.Debug().Str("type", f.Type).Msg("unknown frame type")
	}
}

func (c *Client) sendFrame(frameType string, payload interface{}) {
	f, err := wsproto.NewFrame(frameType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.sendRaw(data)
}

// sendRaw 非阻塞发送，缓冲区满时丢弃
func (c *Client) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn().Int64("user_id", c.userID).Msg("client send buffer full, dropping frame")
	}
}

// Close 关闭发送通道，WritePump 随之退出
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
