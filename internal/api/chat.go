package api

import (
	"context"
	"fmt"

	"roomchat/internal/model"
)

// --- 认证 ---

// LoginResponse 登录结果
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}

// Login 使用用户名密码登录
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var result LoginResponse
	if err := c.post(ctx, "/api/v1/auth/login", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- 会话 ---

// SessionBacklog 会话及其最新一页消息
type SessionBacklog struct {
	Session      *model.Session   `json:"session"`
	Messages     []*model.Message `json:"messages"`
	IsNewSession bool             `json:"is_new_session"`
	Welcome      string           `json:"welcome,omitempty"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
	HasMore      bool             `json:"has_more"`
}

// MessagePage 分页消息
type MessagePage struct {
	Messages []*model.Message `json:"messages"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	HasMore  bool             `json:"has_more"`
}

// SendRequest 发送消息请求
type SendRequest struct {
	SessionID       int64  `json:"session_id"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// AssistantReply 助手通道的同步回复
type AssistantReply struct {
	UserMessage *model.Message `json:"user_message"`
	BotMessage  *model.Message `json:"bot_message"`
}

// SendAck 人工通道的发送确认，不含回复内容
type SendAck struct {
	Message *model.Message `json:"message"`
}

type sessionList struct {
	Sessions []*model.Session `json:"sessions"`
}

// LatestAssistant 获取当前助手会话及消息，不存在时由服务端创建
func (c *Client) LatestAssistant(ctx context.Context) (*SessionBacklog, error) {
	var out SessionBacklog
	if err := c.get(ctx, "/api/v1/chat/assistant/latest", nil, &out); err != nil {
		return nil, fmt.Errorf("获取助手会话失败: %w", err)
	}
	return normalizeBacklog(&out), nil
}

// CreateAssistantSession 显式创建新的助手会话
func (c *Client) CreateAssistantSession(ctx context.Context) (*SessionBacklog, error) {
	var out SessionBacklog
	if err := c.post(ctx, "/api/v1/chat/assistant/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("创建助手会话失败: %w", err)
	}
	return normalizeBacklog(&out), nil
}

// LatestStaff 获取最近的人工会话及消息，不会自动创建（Session 可能为 nil）
func (c *Client) LatestStaff(ctx context.Context) (*SessionBacklog, error) {
	var out SessionBacklog
	if err := c.get(ctx, "/api/v1/chat/staff/latest", nil, &out); err != nil {
		return nil, fmt.Errorf("获取人工会话失败: %w", err)
	}
	return normalizeBacklog(&out), nil
}

// CreateStaffSession 创建新的人工会话
func (c *Client) CreateStaffSession(ctx context.Context) (*SessionBacklog, error) {
	var out SessionBacklog
	if err := c.post(ctx, "/api/v1/chat/staff/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("创建人工会话失败: %w", err)
	}
	return normalizeBacklog(&out), nil
}

// ListStaffSessions 获取用户的全部人工会话
func (c *Client) ListStaffSessions(ctx context.Context) ([]*model.Session, error) {
	var out sessionList
	if err := c.get(ctx, "/api/v1/chat/staff/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("获取会话列表失败: %w", err)
	}
	for _, s := range out.Sessions {
		normalizeSession(s)
	}
	return out.Sessions, nil
}

// Messages 分页获取会话消息
func (c *Client) Messages(ctx context.Context, sessionID int64, page, pageSize int) (*MessagePage, error) {
	var out MessagePage
	path := fmt.Sprintf("/api/v1/chat/sessions/%d/messages", sessionID)
	if err := c.get(ctx, path, pageQuery(page, pageSize), &out); err != nil {
		return nil, fmt.Errorf("获取消息失败: %w", err)
	}
	if out.Page == 0 {
		out.Page = page
	}
	return &out, nil
}

// SendAssistant 向助手发送消息，返回同步回复
func (c *Client) SendAssistant(ctx context.Context, req SendRequest) (*AssistantReply, error) {
	var out AssistantReply
	if err := c.post(ctx, "/api/v1/chat/assistant/messages", req, &out); err != nil {
		return nil, fmt.Errorf("发送消息失败: %w", err)
	}
	return &out, nil
}

// SendStaff 向人工客服发送消息，只返回确认
func (c *Client) SendStaff(ctx context.Context, req SendRequest) (*SendAck, error) {
	var out SendAck
	if err := c.post(ctx, "/api/v1/chat/staff/messages", req, &out); err != nil {
		return nil, fmt.Errorf("发送消息失败: %w", err)
	}
	return &out, nil
}

func normalizeBacklog(b *SessionBacklog) *SessionBacklog {
	if b.Session != nil {
		normalizeSession(b.Session)
	}
	if b.Page == 0 {
		b.Page = 1
	}
	return b
}

func normalizeSession(s *model.Session) {
	s.Mode = model.ModeFromKind(s.Kind)
}
