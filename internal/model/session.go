package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 推送消息校验错误
var (
	ErrMissingID        = errors.New("message id is missing")
	ErrMissingSession   = errors.New("message session id is missing")
	ErrMissingTimestamp = errors.New("message timestamp is missing")
	ErrEmptyBody        = errors.New("message body is empty")
)

// Mode 会话通道
type Mode int

const (
	ModeAssistant Mode = iota // 智能助手（同步回复）
	ModeStaff                 // 人工客服（通过推送异步回复）
)

// String 返回通道名称
func (m Mode) String() string {
	switch m {
	case ModeAssistant:
		return "assistant"
	case ModeStaff:
		return "staff"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode 解析通道名称
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assistant", "bot":
		return ModeAssistant, nil
	case "staff", "human":
		return ModeStaff, nil
	}
	return ModeAssistant, fmt.Errorf("unknown mode %q", s)
}

// Modes 所有通道
var Modes = []Mode{ModeAssistant, ModeStaff}

// Session 会话
// 对应服务端的一次对话（助手或人工）
type Session struct {
	// ID 会话唯一标识
	ID int64 `json:"id"`

	// Mode 会话通道
	Mode Mode `json:"-"`

	// Kind 服务端返回的会话类型（assistant / staff）
	Kind string `json:"kind"`

	// OwnerID 发起会话的用户 ID（匿名访客为 0）
	OwnerID int64 `json:"owner_id"`

	// AssignedStaffID 接待的工作人员 ID，仅人工会话有值
	AssignedStaffID *int64 `json:"assigned_staff_id,omitempty"`

	// StartedAt 会话开始时间
	StartedAt time.Time `json:"started_at"`

	// EndedAt 会话结束时间，进行中为 nil
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Superseded 是否已被更新的会话取代
	Superseded bool `json:"superseded,omitempty"`

	// 列表摘要字段，收到新消息时刷新
	MessageCount       int        `json:"message_count"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
}

// IsActive 会话是否仍在进行中
func (s *Session) IsActive() bool {
	return s.EndedAt == nil && !s.Superseded
}

// StatusText 兼容旧版界面的状态字符串
func (s *Session) StatusText() string {
	if s.IsActive() {
		return "active"
	}
	return "inactive"
}

// previewLimit 摘要最大字符数
const previewLimit = 80

// Touch 根据新消息刷新摘要字段
func (s *Session) Touch(msg *Message) {
	s.MessageCount++
	preview := []rune(strings.TrimSpace(msg.Body))
	if len(preview) > previewLimit {
		preview = append(preview[:previewLimit], '…')
	}
	s.LastMessagePreview = string(preview)
	if msg.SentAt != nil {
		t := *msg.SentAt
		s.LastMessageAt = &t
	}
}

// ModeFromKind 将服务端会话类型转换为通道
func ModeFromKind(kind string) Mode {
	if strings.EqualFold(kind, "staff") {
		return ModeStaff
	}
	return ModeAssistant
}
