package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"roomchat/internal/api"
	"roomchat/internal/model"
)

// Backend 会话后端（请求/响应部分），由 api.Client 实现
type Backend interface {
	LatestAssistant(ctx context.Context) (*api.SessionBacklog, error)
	CreateAssistantSession(ctx context.Context) (*api.SessionBacklog, error)
	LatestStaff(ctx context.Context) (*api.SessionBacklog, error)
	CreateStaffSession(ctx context.Context) (*api.SessionBacklog, error)
	ListStaffSessions(ctx context.Context) ([]*model.Session, error)
	Messages(ctx context.Context, sessionID int64, page, pageSize int) (*api.MessagePage, error)
	SendAssistant(ctx context.Context, req api.SendRequest) (*api.AssistantReply, error)
	SendStaff(ctx context.Context, req api.SendRequest) (*api.SendAck, error)
}

var _ Backend = (*api.Client)(nil)

// Resolution 解析出的会话和第一页消息
type Resolution struct {
	Session  *model.Session
	Messages []*model.Message
	Page     int
	HasMore  bool
	IsNew    bool
	Welcome  string
}

// Directory 会话目录
// 负责查询/创建会话，并记住每个模式的当前会话
type Directory struct {
	backend Backend

	mu      sync.Mutex
	current map[model.Mode]int64
	known   map[int64]*model.Session
}

// NewDirectory 创建会话目录
func NewDirectory(backend Backend) *Directory {
	return &Directory{
		backend: backend,
		current: make(map[model.Mode]int64),
		known:   make(map[int64]*model.Session),
	}
}

// ResolveCurrent 获取某个模式应当展示的会话
// 助手模式由服务端在不存在时创建；人工模式没有进行中的会话时返回 ErrNoActiveSession
func (d *Directory) ResolveCurrent(ctx context.Context, mode model.Mode) (*Resolution, error) {
	switch mode {
	case model.ModeAssistant:
		b, err := d.backend.LatestAssistant(ctx)
		if err != nil {
			return nil, err
		}
		return toResolution(b, model.ModeAssistant)

	case model.ModeStaff:
		b, err := d.backend.LatestStaff(ctx)
		if err != nil {
			return nil, err
		}
		if b.Session == nil || !b.Session.IsActive() {
			return nil, ErrNoActiveSession
		}
		return toResolution(b, model.ModeStaff)
	}
	return nil, fmt.Errorf("unsupported mode %s", mode)
}

// CreateStaffSession 新建人工会话
func (d *Directory) CreateStaffSession(ctx context.Context) (*Resolution, error) {
	b, err := d.backend.CreateStaffSession(ctx)
	if err != nil {
		return nil, err
	}
	res, err := toResolution(b, model.ModeStaff)
	if err != nil {
		return nil, err
	}
	res.IsNew = true
	return res, nil
}

// CreateAssistantSession 新建助手会话（获取失败时的后备路径）
func (d *Directory) CreateAssistantSession(ctx context.Context) (*Resolution, error) {
	b, err := d.backend.CreateAssistantSession(ctx)
	if err != nil {
		return nil, err
	}
	res, err := toResolution(b, model.ModeAssistant)
	if err != nil {
		return nil, err
	}
	res.IsNew = true
	return res, nil
}

// ListStaffSessions 全部人工会话，按开始时间倒序
func (d *Directory) ListStaffSessions(ctx context.Context) ([]*model.Session, error) {
	sessions, err := d.backend.ListStaffSessions(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		s.Mode = model.ModeStaff
		c := *s
		d.known[s.ID] = &c
		out = append(out, s)
	}
	return out, nil
}

// Backlog 获取会话的一页消息
func (d *Directory) Backlog(ctx context.Context, sessionID int64, page, pageSize int) (*api.MessagePage, error) {
	return d.backend.Messages(ctx, sessionID, page, pageSize)
}

// Lookup 按 ID 查找已知会话
func (d *Directory) Lookup(sessionID int64) (*model.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.known[sessionID]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// Current 某个模式的当前会话
func (d *Directory) Current(mode model.Mode) *model.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.current[mode]
	if !ok {
		return nil
	}
	c := *d.known[id]
	return &c
}

// SetCurrent 设置某个模式的当前会话，nil 表示清除
func (d *Directory) SetCurrent(mode model.Mode, s *model.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s == nil {
		delete(d.current, mode)
		return
	}
	c := *s
	c.Mode = mode
	d.known[s.ID] = &c
	d.current[mode] = s.ID
}

// Clear 忘记所有会话（退出登录）
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = make(map[model.Mode]int64)
	d.known = make(map[int64]*model.Session)
}

// Touch 新消息到达时刷新会话摘要
func (d *Directory) Touch(msg *model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.known[msg.SessionID]
	if !ok {
		return false
	}
	s.Touch(msg)
	return true
}

// Sessions 已知的人工会话，按开始时间倒序
func (d *Directory) Sessions() []*model.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*model.Session, 0, len(d.known))
	for _, s := range d.known {
		if s.Mode != model.ModeStaff {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func toResolution(b *api.SessionBacklog, mode model.Mode) (*Resolution, error) {
	if b == nil || b.Session == nil {
		return nil, fmt.Errorf("%s backlog has no session", mode)
	}
	b.Session.Mode = mode
	return &Resolution{
		Session:  b.Session,
		Messages: b.Messages,
		Page:     b.Page,
		HasMore:  b.HasMore,
		IsNew:    b.IsNewSession,
		Welcome:  b.Welcome,
	}, nil
}
