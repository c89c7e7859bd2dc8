// Package websocket 实现聊天推送通道
// 客户端与开发服务器共用这里定义的帧格式
package websocket

import (
	"encoding/json"
	"time"
)

// 帧类型常量
const (
	TypeHeartbeat = "heartbeat" // 客户端 → 服务端：心跳
	TypePong      = "pong"      // 服务端 → 客户端：心跳响应

	TypeChatMessage = "chat:message" // 服务端 → 客户端：推送一条完整消息
	TypeChatJoin    = "chat:join"    // 客户端 → 服务端：加入会话广播组
	TypeChatLeave   = "chat:leave"   // 客户端 → 服务端：离开会话广播组

	TypeError = "error" // 错误
)

// Frame WebSocket 帧
// 所有帧都使用这个统一结构，Payload 按 Type 解析
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewFrame 创建新帧
func NewFrame(frameType string, payload interface{}) (*Frame, error) {
	f := &Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return f, nil
}

// SessionPayload 加入/离开会话
type SessionPayload struct {
	SessionID int64 `json:"session_id"`
}

// ErrorPayload 错误帧内容
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
