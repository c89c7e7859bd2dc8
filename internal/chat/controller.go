// Package chat 实现聊天会话控制器、消息列表合并与会话目录
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/internal/identity"
	"roomchat/internal/model"
	"roomchat/internal/websocket"
)

// 默认提示文案
const (
	DefaultAssistantWelcome = "您好！我是图书馆预约助手，可以帮您查询研讨室、预约和违约记录。"
	DefaultStaffWelcome     = "您好，已为您接入人工客服，请描述您遇到的问题。"

	sendFailedText  = "消息发送失败，请检查网络后重试。"
	staffRetryText  = "暂时无法创建人工会话，您的消息已保留，请稍后重试。"
	defaultPageSize = 50
)

// Transport 推送通道，由 websocket.Client 实现
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Disconnect()
	State() websocket.State
	JoinSession(sessionID int64)
	LeaveSession(sessionID int64)
	OnMessage(handler func(*model.Message))
	OnStateChange(handler func(websocket.State))
}

var _ Transport = (*websocket.Client)(nil)

// IdentitySource 当前身份，由 identity.Provider 实现
type IdentitySource interface {
	Current() *identity.Identity
}

// Options 控制器参数
type Options struct {
	PageSize         int
	HistoryPageSize  int
	Pinned           bool // 整页聊天视图，退出登录时保持打开
	AssistantWelcome string
	StaffWelcome     string
	Logger           *zerolog.Logger
	Now              func() time.Time
}

// slot 一个模式的当前会话及其消息列表
type slot struct {
	session *model.Session
	store   *Store
	gen     uint64 // 每次更换会话时递增
}

// outgoing 已经显示为回显、等待发送的消息
type outgoing struct {
	mode      model.Mode
	slot      *slot
	sessionID int64
	gen       uint64
	echo      *model.Message
}

// staffCreation 进行中的人工会话创建
type staffCreation struct {
	done chan struct{}
	err  error
}

// Snapshot 控制器状态快照
type Snapshot struct {
	Open        bool
	Pinned      bool
	Mode        model.Mode
	User        *identity.Identity
	Session     *model.Session
	Messages    []*model.Message
	Page        int
	HasMore     bool
	Loading     bool
	Connection  websocket.State
	Draft       string
	LastFailure *Failure
}

// Controller 聊天会话控制器
//
// 所有网络调用都在锁外进行；结果返回后重新加锁，只有当 epoch 和会话仍然一致时才会合并。
type Controller struct {
	backend   Backend
	dir       *Directory
	transport Transport
	ident     IdentitySource
	bus       *Bus
	log       zerolog.Logger
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	open        bool
	pinned      bool
	mode        model.Mode
	user        *identity.Identity
	slots       map[model.Mode]*slot
	epoch       uint64
	draft       string
	creating    *staffCreation
	lastFailure *Failure
	conn        websocket.State
}

// NewController 创建控制器并订阅推送通道
func NewController(backend Backend, transport Transport, ident IdentitySource, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = opts.PageSize
	}
	if opts.AssistantWelcome == "" {
		opts.AssistantWelcome = DefaultAssistantWelcome
	}
	if opts.StaffWelcome == "" {
		opts.StaffWelcome = DefaultStaffWelcome
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "chat").Logger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		backend:   backend,
		dir:       NewDirectory(backend),
		transport: transport,
		ident:     ident,
		bus:       NewBus(),
		log:       log,
		opts:      opts,
		now:       now,
		pinned:    opts.Pinned,
		open:      opts.Pinned,
		mode:      model.ModeAssistant,
		slots:     make(map[model.Mode]*slot),
	}
	for _, m := range model.Modes {
		st := NewStore(log)
		st.now = now
		c.slots[m] = &slot{store: st}
	}

	if transport != nil {
		transport.OnMessage(c.HandlePush)
		transport.OnStateChange(c.handleConnState)
	}
	return c
}

// Subscribe 订阅控制器事件
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.bus.Subscribe(fn)
}

// Directory 会话目录
func (c *Controller) Directory() *Directory {
	return c.dir
}

// Start 连接推送通道并加载当前模式的会话
func (c *Controller) Start(ctx context.Context) error {
	var id *identity.Identity
	if c.ident != nil {
		id = c.ident.Current()
	}

	c.mu.Lock()
	c.user = id
	mode := c.mode
	c.mu.Unlock()

	c.connect(ctx, id)
	return c.reload(ctx, mode, false)
}

// Close 释放推送通道
func (c *Controller) Close() {
	if c.transport != nil {
		c.transport.Disconnect()
	}
}

// IdentityChanged 处理登录（id 非空）和退出登录（id 为空）
func (c *Controller) IdentityChanged(ctx context.Context, id *identity.Identity) error {
	if id == nil {
		c.signOut()
		return nil
	}

	c.mu.Lock()
	c.epoch++
	c.user = id
	c.draft = ""
	c.lastFailure = nil
	mode := c.mode
	for _, m := range model.Modes {
		if m != mode {
			c.unbind(m)
		}
	}
	c.mu.Unlock()
	c.bus.Publish(Event{Type: EventState, Mode: mode})

	c.connect(ctx, id)
	if err := c.reload(ctx, mode, false); err != nil {
		return err
	}

	c.mu.Lock()
	var events []Event
	sl := c.slots[mode]
	if !c.open && c.mode == mode && sl.session != nil && sl.session.IsActive() {
		c.open = true
		events = append(events, Event{Type: EventState, Mode: mode}, Event{Type: EventScrollToLatest, Mode: mode})
	}
	c.mu.Unlock()
	c.bus.Publish(events...)
	return nil
}

func (c *Controller) signOut() {
	c.mu.Lock()
	c.epoch++
	c.user = nil
	for _, m := range model.Modes {
		c.unbind(m)
	}
	c.dir.Clear()
	c.mode = model.ModeAssistant
	c.draft = ""
	c.lastFailure = nil
	if !c.pinned {
		c.open = false
	}
	c.mu.Unlock()

	if c.transport != nil {
		c.transport.Disconnect()
	}
	c.log.Info().Msg("signed out, chat state cleared")
	c.bus.Publish(
		Event{Type: EventState, Mode: model.ModeAssistant},
		Event{Type: EventMessages, Mode: model.ModeAssistant},
		Event{Type: EventMessages, Mode: model.ModeStaff},
	)
}

// ToggleOpen 打开/关闭聊天窗口
// 打开时滚动到最新消息；当前模式还没有会话时顺便加载
func (c *Controller) ToggleOpen(ctx context.Context) error {
	c.mu.Lock()
	c.open = !c.open
	open := c.open
	mode := c.mode
	needLoad := open && c.slots[mode].session == nil && (mode == model.ModeAssistant || c.user != nil)
	c.mu.Unlock()

	events := []Event{{Type: EventState, Mode: mode}}
	if open {
		events = append(events, Event{Type: EventScrollToLatest, Mode: mode})
	}
	c.bus.Publish(events...)

	if needLoad {
		return c.reload(ctx, mode, false)
	}
	return nil
}

// SetPinned 设置整页聊天视图
func (c *Controller) SetPinned(pinned bool) {
	c.mu.Lock()
	c.pinned = pinned
	if pinned {
		c.open = true
	}
	mode := c.mode
	c.mu.Unlock()
	c.bus.Publish(Event{Type: EventState, Mode: mode})
}

// SwitchMode 切换助手/人工模式
// 清空可见列表后重新加载；人工模式没有会话时立即创建
func (c *Controller) SwitchMode(ctx context.Context, mode model.Mode) error {
	c.mu.Lock()
	if mode == c.mode {
		c.mu.Unlock()
		return nil
	}
	if mode == model.ModeStaff && c.user == nil {
		f := c.failure(KindDirectory, mode, ErrLoginRequired)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: mode, Failure: f})
		return f
	}
	c.epoch++
	c.mode = mode
	sl := c.slots[mode]
	sl.store.Reset(sl.store.SessionID())
	hasSession := sl.session != nil
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventState, Mode: mode}, Event{Type: EventMessages, Mode: mode})

	if hasSession {
		return c.resync(ctx, mode)
	}
	return c.reload(ctx, mode, true)
}

// SelectSession 切换到列表中的某个人工会话
func (c *Controller) SelectSession(ctx context.Context, sessionID int64) error {
	s, ok := c.dir.Lookup(sessionID)
	if !ok {
		return &Failure{Kind: KindDirectory, Mode: model.ModeStaff, Err: ErrUnknownSession}
	}

	c.mu.Lock()
	if c.user == nil {
		f := c.failure(KindDirectory, model.ModeStaff, ErrLoginRequired)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: model.ModeStaff, Failure: f})
		return f
	}
	c.epoch++
	c.mode = model.ModeStaff
	c.bind(model.ModeStaff, s)
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventState, Mode: model.ModeStaff}, Event{Type: EventMessages, Mode: model.ModeStaff})
	return c.resync(ctx, model.ModeStaff)
}

// NewStaffConversation 新建人工会话并切换过去
func (c *Controller) NewStaffConversation(ctx context.Context) error {
	c.mu.Lock()
	if c.user == nil {
		f := c.failure(KindDirectory, model.ModeStaff, ErrLoginRequired)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: model.ModeStaff, Failure: f})
		return f
	}
	c.epoch++
	c.mode = model.ModeStaff
	epoch := c.epoch
	c.mu.Unlock()

	res, err := c.dir.CreateStaffSession(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		f := c.failure(KindDirectory, model.ModeStaff, err)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: model.ModeStaff, Failure: f})
		return f
	}
	events := c.applyResolution(model.ModeStaff, res)
	c.mu.Unlock()

	events = append(events, Event{Type: EventState, Mode: model.ModeStaff}, Event{Type: EventSessions, Mode: model.ModeStaff})
	c.bus.Publish(events...)
	return nil
}

// Send 发送消息
// 立即追加本地回显；助手模式合并同步回复，人工模式的回复稍后通过推送到达
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.Lock()
	mode := c.mode
	sl := c.slots[mode]
	if sl.session == nil {
		loggedIn := c.user != nil
		c.mu.Unlock()

		if mode == model.ModeStaff {
			if !loggedIn {
				return &Failure{Kind: KindDirectory, Mode: mode, Err: ErrLoginRequired}
			}
			return c.sendToNewStaffSession(ctx, text)
		}
		if err := c.reload(ctx, mode, false); err != nil {
			c.keepUnsent(mode, text, err)
			return err
		}

		c.mu.Lock()
		if c.mode != mode || sl.session == nil {
			c.draft = text
			c.mu.Unlock()
			return ErrStale
		}
	}

	out := c.appendEcho(mode, text)
	events := c.messagesChanged(mode)
	c.mu.Unlock()
	c.bus.Publish(events...)

	return c.deliver(ctx, out)
}

// deliver 发送已经显示为回显的消息并合并结果
func (c *Controller) deliver(ctx context.Context, out *outgoing) error {
	mode, sl, sid, echo := out.mode, out.slot, out.sessionID, out.echo

	req := api.SendRequest{SessionID: sid, Content: echo.Body, ClientMessageID: echo.ClientID}
	var (
		own    *model.Message
		others []*model.Message
		err    error
	)
	switch mode {
	case model.ModeAssistant:
		var reply *api.AssistantReply
		if reply, err = c.backend.SendAssistant(ctx, req); err == nil {
			own = reply.UserMessage
			others = append(others, reply.BotMessage)
		}
	default:
		var ack *api.SendAck
		if ack, err = c.backend.SendStaff(ctx, req); err == nil {
			own = ack.Message
		}
	}

	c.mu.Lock()
	if sl.gen != out.gen || sl.session == nil || sl.session.ID != sid {
		c.mu.Unlock()
		c.log.Debug().Int64("session_id", sid).Msg("drop send result for replaced session")
		return ErrStale
	}

	if err != nil {
		sl.store.MarkFailed(echo.ClientID)
		sl.store.AppendLocal(c.systemMessage(sid, sendFailedText))
		f := c.failure(KindSend, mode, err)
		events := append(c.messagesChanged(mode), Event{Type: EventError, Mode: mode, Failure: f})
		c.mu.Unlock()
		c.log.Warn().Err(err).Int64("session_id", sid).Msg("send failed")
		c.bus.Publish(events...)
		return f
	}

	if own != nil {
		// 响应就是这次请求的结果，直接用回显的 client id 匹配
		if own.ClientID == "" {
			own.ClientID = echo.ClientID
		}
		if sl.store.MergePushed(own, nil).Changed() {
			c.dir.Touch(own)
		}
	}
	self := c.selfID()
	for _, m := range others {
		if m != nil && sl.store.MergePushed(m, self).Changed() {
			c.dir.Touch(m)
		}
	}
	events := c.messagesChanged(mode)
	c.mu.Unlock()
	c.bus.Publish(events...)
	return nil
}

// sendToNewStaffSession 人工模式还没有会话：先创建，再发送
// 同一时刻只创建一个会话，之后的发送等待它完成；创建失败时保留草稿并追加重试提示
func (c *Controller) sendToNewStaffSession(ctx context.Context, text string) error {
	c.mu.Lock()
	if pending := c.creating; pending != nil {
		c.mu.Unlock()
		select {
		case <-pending.done:
		case <-ctx.Done():
			c.keepDraft(text)
			return ctx.Err()
		}
		if pending.err != nil {
			c.keepDraft(text)
			return pending.err
		}
		return c.Send(ctx, text)
	}
	creation := &staffCreation{done: make(chan struct{})}
	c.creating = creation
	epoch := c.epoch
	c.mu.Unlock()

	res, err := c.dir.CreateStaffSession(ctx)

	c.mu.Lock()
	c.creating = nil
	if c.epoch != epoch || c.mode != model.ModeStaff {
		c.draft = text
		creation.err = ErrStale
		c.mu.Unlock()
		close(creation.done)
		return ErrStale
	}
	if err != nil {
		c.draft = text
		sl := c.slots[model.ModeStaff]
		sl.store.AppendLocal(c.systemMessage(sl.store.SessionID(), staffRetryText))
		f := c.failure(KindDirectory, model.ModeStaff, err)
		creation.err = f
		events := append(c.messagesChanged(model.ModeStaff), Event{Type: EventError, Mode: model.ModeStaff, Failure: f})
		c.mu.Unlock()
		close(creation.done)
		c.bus.Publish(events...)
		return f
	}
	events := c.applyResolution(model.ModeStaff, res)
	// 先放入这条回显再放行等待者，保证显示顺序与发送顺序一致
	out := c.appendEcho(model.ModeStaff, text)
	c.mu.Unlock()
	close(creation.done)

	events = append(events, Event{Type: EventState, Mode: model.ModeStaff}, Event{Type: EventSessions, Mode: model.ModeStaff})
	c.bus.Publish(events...)
	return c.deliver(ctx, out)
}

// keepUnsent 没有可用的会话：回显标记为失败并保留草稿
func (c *Controller) keepUnsent(mode model.Mode, text string, err error) {
	c.mu.Lock()
	c.draft = text
	if errors.Is(err, ErrStale) {
		c.mu.Unlock()
		return
	}
	sl := c.slots[mode]
	sid := sl.store.SessionID()
	echo := c.newEcho(sid, text)
	echo.Status = model.DeliveryFailed
	sl.store.AppendLocal(echo)
	sl.store.AppendLocal(c.systemMessage(sid, sendFailedText))
	events := c.messagesChanged(mode)
	c.mu.Unlock()
	c.bus.Publish(events...)
}

// keepDraft 追加到草稿，不覆盖之前保留的内容
func (c *Controller) keepDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.draft == "":
		c.draft = text
	case c.draft != text:
		c.draft += "\n" + text
	}
}

// PendingDraft 创建会话失败时保留的消息
func (c *Controller) PendingDraft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// LoadOlder 加载更早的一页消息
// 正在加载或没有更多时什么都不做，返回 false
func (c *Controller) LoadOlder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	mode := c.mode
	sl := c.slots[mode]
	if sl.session == nil {
		c.mu.Unlock()
		return false, nil
	}
	next, ok := sl.store.BeginLoadOlder()
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	sid, gen := sl.session.ID, sl.gen
	c.mu.Unlock()

	page, err := c.dir.Backlog(ctx, sid, next, c.opts.PageSize)

	c.mu.Lock()
	// Reset 会清除 loading 标记
	if sl.gen != gen || !sl.store.Loading() {
		c.mu.Unlock()
		return false, ErrStale
	}
	sl.store.EndLoadOlder()
	if err != nil {
		f := c.failure(KindDirectory, mode, err)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: mode, Failure: f})
		return false, f
	}
	sl.store.MergeBacklog(sid, page.Messages, next, page.HasMore)
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventMessages, Mode: mode})
	return true, nil
}

// Refresh 重新获取第一页并逐条合并，推送通道不可用时用于轮询
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	mode := c.mode
	sl := c.slots[mode]
	if sl.session == nil {
		c.mu.Unlock()
		return nil
	}
	sid, gen := sl.session.ID, sl.gen
	c.mu.Unlock()

	page, err := c.dir.Backlog(ctx, sid, 1, c.opts.PageSize)

	c.mu.Lock()
	if sl.gen != gen {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Int64("session_id", sid).Msg("refresh failed")
		return &Failure{Kind: KindDirectory, Mode: mode, Err: err}
	}

	changed := false
	if sl.store.Page() == 0 {
		changed = sl.store.MergeBacklog(sid, page.Messages, 1, page.HasMore)
	} else {
		self := c.selfID()
		for _, m := range page.Messages {
			if sl.store.MergePushed(m, self).Changed() {
				changed = true
			}
		}
	}
	var events []Event
	if changed {
		events = c.messagesChanged(mode)
	}
	c.mu.Unlock()
	c.bus.Publish(events...)
	return nil
}

// ListStaffSessions 获取人工会话列表
func (c *Controller) ListStaffSessions(ctx context.Context) ([]*model.Session, error) {
	c.mu.Lock()
	loggedIn := c.user != nil
	c.mu.Unlock()
	if !loggedIn {
		return nil, &Failure{Kind: KindDirectory, Mode: model.ModeStaff, Err: ErrLoginRequired}
	}

	sessions, err := c.dir.ListStaffSessions(ctx)
	if err != nil {
		c.mu.Lock()
		f := c.failure(KindDirectory, model.ModeStaff, err)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: model.ModeStaff, Failure: f})
		return nil, f
	}
	c.bus.Publish(Event{Type: EventSessions, Mode: model.ModeStaff})
	return sessions, nil
}

// SessionHistory 只读浏览某个会话的历史消息，不影响当前列表
func (c *Controller) SessionHistory(ctx context.Context, sessionID int64, page int) (*api.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	p, err := c.dir.Backlog(ctx, sessionID, page, c.opts.HistoryPageSize)
	if err != nil {
		return nil, &Failure{Kind: KindDirectory, Mode: model.ModeStaff, Err: err}
	}
	return p, nil
}

// HandlePush 合并推送通道收到的消息
// 属于某个模式当前会话的消息进入对应列表，其余只刷新会话摘要
func (c *Controller) HandlePush(msg *model.Message) {
	if msg == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn().Err(err).Int64("session_id", msg.SessionID).Msg("drop partial push")
		return
	}

	c.mu.Lock()
	self := c.selfID()
	var events []Event
	matched := false
	for _, mode := range model.Modes {
		sl := c.slots[mode]
		if sl.session == nil || sl.session.ID != msg.SessionID {
			continue
		}
		matched = true
		r := sl.store.MergePushed(msg, self)
		c.log.Debug().Int64("session_id", msg.SessionID).Stringer("result", r).Msg("push merged")
		if r.Changed() {
			c.dir.Touch(msg)
			events = append(events, c.messagesChanged(mode)...)
		}
	}
	if !matched && c.dir.Touch(msg) {
		events = append(events, Event{Type: EventSessions, Mode: model.ModeStaff})
	}
	c.mu.Unlock()
	c.bus.Publish(events...)
}

func (c *Controller) handleConnState(s websocket.State) {
	c.mu.Lock()
	prev := c.conn
	c.conn = s
	mode := c.mode
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventConnection, Mode: mode, Connection: s})

	// 断线期间可能漏掉推送
	if s == websocket.StateConnected && prev == websocket.StateReconnecting {
		go func() {
			if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrStale) {
				c.log.Debug().Err(err).Msg("refresh after reconnect failed")
			}
		}()
	}
}

// Snapshot 当前模式的状态快照
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	sl := c.slots[c.mode]
	snap := Snapshot{
		Open:        c.open,
		Pinned:      c.pinned,
		Mode:        c.mode,
		Messages:    sl.store.Snapshot(),
		Page:        sl.store.Page(),
		HasMore:     sl.store.HasMore(),
		Loading:     sl.store.Loading(),
		Connection:  c.conn,
		Draft:       c.draft,
		LastFailure: c.lastFailure,
	}
	if c.user != nil {
		u := *c.user
		snap.User = &u
	}
	if sl.session != nil {
		if s := c.dir.Current(c.mode); s != nil {
			snap.Session = s
		} else {
			s := *sl.session
			snap.Session = &s
		}
	}
	return snap
}

// Messages 某个模式的消息列表
func (c *Controller) Messages(mode model.Mode) []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[mode].store.Snapshot()
}

// reload 通过会话目录解析当前会话并替换列表
// create 为 true 时，人工模式没有会话会立即创建
func (c *Controller) reload(ctx context.Context, mode model.Mode, create bool) error {
	c.mu.Lock()
	if mode == model.ModeStaff && c.user == nil {
		f := c.failure(KindDirectory, mode, ErrLoginRequired)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: mode, Failure: f})
		return f
	}
	epoch := c.epoch
	c.mu.Unlock()

	res, err := c.resolve(ctx, mode, epoch, create)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug().Stringer("mode", mode).Msg("drop stale session resolution")
		return ErrStale
	}

	if err != nil {
		c.unbind(mode)
		if errors.Is(err, ErrNoActiveSession) {
			c.mu.Unlock()
			c.bus.Publish(Event{Type: EventMessages, Mode: mode}, Event{Type: EventState, Mode: mode})
			return nil
		}
		f := c.failure(KindDirectory, mode, err)
		c.mu.Unlock()
		c.log.Warn().Err(err).Stringer("mode", mode).Msg("resolve session failed")
		c.bus.Publish(Event{Type: EventMessages, Mode: mode}, Event{Type: EventError, Mode: mode, Failure: f})
		return f
	}

	events := c.applyResolution(mode, res)
	c.mu.Unlock()

	events = append(events, Event{Type: EventState, Mode: mode})
	c.bus.Publish(events...)
	return nil
}

func (c *Controller) resolve(ctx context.Context, mode model.Mode, epoch uint64, create bool) (*Resolution, error) {
	res, err := c.dir.ResolveCurrent(ctx, mode)
	if err == nil {
		return res, nil
	}
	if c.stale(epoch) {
		return nil, ErrStale
	}

	switch {
	case mode == model.ModeAssistant:
		// 助手会话获取失败时重试一次创建
		c.log.Warn().Err(err).Msg("resolve assistant session failed, creating a new one")
		return c.dir.CreateAssistantSession(ctx)
	case create && errors.Is(err, ErrNoActiveSession):
		return c.dir.CreateStaffSession(ctx)
	}
	return nil, err
}

// resync 重新获取当前会话的第一页
func (c *Controller) resync(ctx context.Context, mode model.Mode) error {
	c.mu.Lock()
	sl := c.slots[mode]
	if sl.session == nil {
		c.mu.Unlock()
		return nil
	}
	sid, gen, epoch := sl.session.ID, sl.gen, c.epoch
	c.mu.Unlock()

	page, err := c.dir.Backlog(ctx, sid, 1, c.opts.PageSize)

	c.mu.Lock()
	if c.epoch != epoch || sl.gen != gen {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		f := c.failure(KindDirectory, mode, err)
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventError, Mode: mode, Failure: f})
		return f
	}
	sl.store.MergeBacklog(sid, page.Messages, 1, page.HasMore)
	if sl.store.Len() == 0 {
		sl.store.AppendLocal(c.welcome(mode, &Resolution{Session: sl.session}))
	}
	events := c.messagesChanged(mode)
	c.mu.Unlock()

	c.bus.Publish(events...)
	return nil
}

func (c *Controller) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// connect 推送通道连接失败不影响聊天，只记录日志
func (c *Controller) connect(ctx context.Context, id *identity.Identity) {
	if c.transport == nil {
		return
	}
	token := ""
	if id != nil {
		token = id.Token
	}
	if err := c.transport.Connect(ctx, token); err != nil && !errors.Is(err, websocket.ErrNoCredential) {
		c.log.Warn().Err(err).Msg("push channel unavailable, falling back to requests")
	}
}

// 以下方法需持有 c.mu

func (c *Controller) applyResolution(mode model.Mode, res *Resolution) []Event {
	sl := c.slots[mode]
	if sl.session == nil || sl.session.ID != res.Session.ID {
		c.bind(mode, res.Session)
	} else {
		s := *res.Session
		sl.session = &s
		c.dir.SetCurrent(mode, res.Session)
	}

	page := res.Page
	if page == 0 {
		page = 1
	}
	sl.store.MergeBacklog(res.Session.ID, res.Messages, page, res.HasMore)
	if res.IsNew && sl.store.Len() == 0 {
		sl.store.AppendLocal(c.welcome(mode, res))
	}
	return c.messagesChanged(mode)
}

func (c *Controller) bind(mode model.Mode, s *model.Session) {
	sl := c.slots[mode]
	if sl.session != nil && c.transport != nil {
		c.transport.LeaveSession(sl.session.ID)
	}
	cp := *s
	sl.session = &cp
	sl.gen++
	sl.store.Reset(s.ID)
	c.dir.SetCurrent(mode, s)
	if c.transport != nil {
		c.transport.JoinSession(s.ID)
	}
}

func (c *Controller) unbind(mode model.Mode) {
	sl := c.slots[mode]
	if sl.session != nil && c.transport != nil {
		c.transport.LeaveSession(sl.session.ID)
	}
	sl.session = nil
	sl.gen++
	sl.store.Reset(0)
	c.dir.SetCurrent(mode, nil)
}

func (c *Controller) messagesChanged(mode model.Mode) []Event {
	events := []Event{{Type: EventMessages, Mode: mode}}
	if c.open && mode == c.mode {
		events = append(events, Event{Type: EventScrollToLatest, Mode: mode})
	}
	return events
}

func (c *Controller) failure(kind Kind, mode model.Mode, err error) *Failure {
	f := &Failure{Kind: kind, Mode: mode, Err: err}
	c.lastFailure = f
	return f
}

func (c *Controller) selfID() *int64 {
	if c.user == nil {
		return nil
	}
	id := c.user.UserID
	return &id
}

func (c *Controller) welcome(mode model.Mode, res *Resolution) *model.Message {
	text := res.Welcome
	if text == "" {
		text = c.opts.AssistantWelcome
		if mode == model.ModeStaff {
			text = c.opts.StaffWelcome
		}
	}
	at := res.Session.StartedAt
	if at.IsZero() {
		at = c.now()
	}
	return &model.Message{
		SessionID:   res.Session.ID,
		Body:        text,
		SentAt:      &at,
		IsAutomated: true,
		Synthetic:   true,
		Status:      model.DeliveryConfirmed,
	}
}

func (c *Controller) newEcho(sessionID int64, text string) *model.Message {
	echo := &model.Message{
		SessionID: sessionID,
		SenderID:  c.selfID(),
		Body:      text,
		ClientID:  uuid.NewString(),
		Status:    model.DeliveryPending,
		LocalAt:   c.now(),
	}
	if c.user != nil {
		echo.SenderName = c.user.Username
	}
	return echo
}

// appendEcho 在当前会话末尾追加回显；草稿被发出后清空
func (c *Controller) appendEcho(mode model.Mode, text string) *outgoing {
	sl := c.slots[mode]
	echo := c.newEcho(sl.session.ID, text)
	sl.store.AppendLocal(echo)
	if c.draft == text {
		c.draft = ""
	}
	return &outgoing{mode: mode, slot: sl, sessionID: sl.session.ID, gen: sl.gen, echo: echo}
}

func (c *Controller) systemMessage(sessionID int64, text string) *model.Message {
	return &model.Message{
		SessionID:   sessionID,
		Body:        text,
		IsAutomated: true,
		Synthetic:   true,
		Status:      model.DeliveryConfirmed,
	}
}
