// Package model 定义聊天客户端各层共享的数据结构
package model

import (
	"strings"
	"time"
)

// DeliveryStatus 消息投递状态
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"   // 本地回显，等待服务端确认
	DeliveryConfirmed DeliveryStatus = "confirmed" // 服务端已确认（已分配 ID 和时间）
	DeliveryFailed    DeliveryStatus = "failed"    // 发送失败，仍保留在列表中
)

// Message 聊天消息
// 本地回显的消息没有 ID 和 SentAt，服务端确认后补齐
type Message struct {
	// ID 服务端分配的消息 ID，本地回显时为 nil
	ID *int64 `json:"id"`

	// SessionID 所属会话 ID
	SessionID int64 `json:"session_id"`

	// SenderID 发送者 ID，nil 表示助手或系统
	SenderID *int64 `json:"sender_id"`

	// SenderName 发送者显示名（可选）
	SenderName string `json:"sender_name,omitempty"`

	// Body 消息内容
	Body string `json:"content"`

	// SentAt 服务端时间戳，本地回显时为 nil
	SentAt *time.Time `json:"sent_at"`

	// IsAutomated 是否由助手/系统生成
	IsAutomated bool `json:"is_automated"`

	// ClientID 客户端生成的消息标识，用于精确匹配本地回显
	ClientID string `json:"client_message_id,omitempty"`

	// 以下字段仅存在于客户端
	Status    DeliveryStatus `json:"-"`
	LocalAt   time.Time      `json:"-"` // 本地发送时间
	Synthetic bool           `json:"-"` // 客户端合成的欢迎/错误消息
}

// HasID 是否已有服务端 ID
func (m *Message) HasID() bool {
	return m.ID != nil
}

// SameSender 判断两条消息的发送者是否相同（nil 与 nil 视为相同）
func (m *Message) SameSender(other *Message) bool {
	if m.SenderID == nil || other.SenderID == nil {
		return m.SenderID == nil && other.SenderID == nil
	}
	return *m.SenderID == *other.SenderID
}

// ReferenceTime 用于去重比较的时间：优先服务端时间，否则本地发送时间
func (m *Message) ReferenceTime() (time.Time, bool) {
	if m.SentAt != nil {
		return *m.SentAt, true
	}
	if !m.LocalAt.IsZero() {
		return m.LocalAt, true
	}
	return time.Time{}, false
}

// Validate 检查推送消息是否完整
func (m *Message) Validate() error {
	switch {
	case m.ID == nil:
		return ErrMissingID
	case m.SessionID <= 0:
		return ErrMissingSession
	case m.SentAt == nil:
		return ErrMissingTimestamp
	case strings.TrimSpace(m.Body) == "":
		return ErrEmptyBody
	}
	return nil
}

// Clone 返回消息的深拷贝
func (m *Message) Clone() *Message {
	c := *m
	if m.ID != nil {
		id := *m.ID
		c.ID = &id
	}
	if m.SenderID != nil {
		sid := *m.SenderID
		c.SenderID = &sid
	}
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}
