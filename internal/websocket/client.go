package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/config"
	"roomchat/internal/model"
)

// 通道错误
var (
	ErrNoCredential = errors.New("no credential for push channel")
	ErrNotConnected = errors.New("push channel is not connected")
	ErrBufferFull   = errors.New("send buffer is full")
)

// State 连接状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Options 通道参数
type Options struct {
	URL              string // WebSocket 根地址，如 ws://localhost:8080
	Path             string // 默认 /ws/chat
	InitialDelay     time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	MaxAttempts      int
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
}

// OptionsFromConfig 从配置构建通道参数
func OptionsFromConfig(wsURL string, cfg config.TransportConfig) Options {
	return Options{
		URL:              wsURL,
		InitialDelay:     cfg.InitialDelay,
		Multiplier:       cfg.Multiplier,
		MaxDelay:         cfg.MaxDelay,
		MaxAttempts:      cfg.MaxAttempts,
		Heartbeat:        cfg.Heartbeat,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
}

// Client 推送通道客户端
// 独占底层连接；其他组件只能订阅事件、读取状态
type Client struct {
	opts   Options
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu            sync.Mutex
	state         State
	running       bool
	token         string
	conn          *websocket.Conn
	stop          chan struct{}
	sendChan      chan []byte
	joined        map[int64]struct{}
	msgHandlers   []func(*model.Message)
	stateHandlers []func(State)
}

// NewClient 创建推送通道客户端
func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.Path == "" {
		opts.Path = "/ws/chat"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}

	return &Client{
		opts:     opts,
		log:      log.With().Str("component", "push").Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		sendChan: make(chan []byte, 256),
		joined:   make(map[int64]struct{}),
	}
}

// OnMessage 订阅推送消息
func (c *Client) OnMessage(handler func(*model.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, handler)
}

// OnStateChange 订阅连接状态变化
func (c *Client) OnStateChange(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

// State 当前连接状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect 建立连接
// 已连接（或正在连接/重连）时直接返回；没有凭证时记录日志并保持断开
func (c *Client) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		c.log.Warn().Msg("no credential, push channel stays disconnected")
		c.setState(StateDisconnected)
		return ErrNoCredential
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.token = credential
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial(ctx, credential)
	if err != nil {
		c.mu.Lock()
		if c.stop == stop {
			c.running = false
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("connect failed")
		c.setState(StateDisconnected)
		return fmt.Errorf("连接失败: %w", err)
	}

	connDone := c.attach(conn, stop)
	if connDone == nil {
		return nil
	}
	go c.supervise(stop, connDone)
	return nil
}

// Disconnect 断开连接并取消重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}

	c.setState(StateDisconnected)
	c.log.Info().Msg("push channel disconnected")
}

// JoinSession 加入会话广播组，重连后自动重新加入
func (c *Client) JoinSession(sessionID int64) {
	c.mu.Lock()
	c.joined[sessionID] = struct{}{}
	c.mu.Unlock()

	// 未连接时只记录，连接后统一加入
	if err := c.send(TypeChatJoin, &SessionPayload{SessionID: sessionID}); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Int64("session_id", sessionID).Msg("join session failed")
	}
}

// LeaveSession 离开会话广播组
func (c *Client) LeaveSession(sessionID int64) {
	c.mu.Lock()
	delete(c.joined, sessionID)
	c.mu.Unlock()

	// 未连接时只记录，连接后统一加入
	if err := c.send(TypeChatLeave, &SessionPayload{SessionID: sessionID}); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Int64("session_id", sessionID).Msg("leave session failed")
	}
}

// send 非阻塞地写入发送缓冲区
func (c *Client) send(frameType string, payload interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	f, err := NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case c.sendChan <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u := strings.TrimRight(c.opts.URL, "/") + c.opts.Path + "?token=" + url.QueryEscape(token)
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach 启用新连接并启动读写协程
// 返回的 channel 在连接断开时关闭；若已被 Disconnect 则返回 nil
func (c *Client) attach(conn *websocket.Conn, stop chan struct{}) chan struct{} {
	c.mu.Lock()
	select {
	case <-stop:
		c.mu.Unlock()
		conn.Close()
		return nil
	default:
	}
	c.conn = conn
	joined := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	c.mu.Unlock()

	connDone := make(chan struct{})
	go c.readPump(conn, connDone)
	go c.writePump(conn, connDone, stop)

	c.setState(StateConnected)

	// 服务端不会在重连后保留广播组，需要重新加入
	for _, id := range joined {
		if err := c.send(TypeChatJoin, &SessionPayload{SessionID: id}); err != nil {
			c.log.Warn().Err(err).Int64("session_id", id).Msg("rejoin session failed")
		}
	}
	return connDone
}

// supervise 监视连接，断开后按节奏重连
func (c *Client) supervise(stop chan struct{}, connDone chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-connDone:
		}

		select {
		case <-stop:
			return
		default:
		}

		c.log.Warn().Msg("push channel dropped, reconnecting")
		c.setState(StateReconnecting)

		connDone = c.reconnect(stop)
		if connDone == nil {
			c.mu.Lock()
			stopped := c.stop != stop || !c.running
			if !stopped {
				c.running = false
				c.conn = nil
			}
			c.mu.Unlock()
			if !stopped {
				c.log.Error().Int("attempts", c.opts.MaxAttempts).Msg("reconnect attempts exhausted")
				c.setState(StateDisconnected)
			}
			return
		}
	}
}

func (c *Client) reconnect(stop chan struct{}) chan struct{} {
	sched := NewSchedule(c.opts.InitialDelay, c.opts.MaxDelay, c.opts.Multiplier)

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := sched.Next()
		if !wait(stop, delay) {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		conn, err := c.dial(ctx, token)
		cancel()
		if err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
			continue
		}

		connDone := c.attach(conn, stop)
		if connDone == nil {
			return nil
		}
		c.log.Info().Int("attempt", attempt).Msg("push channel reconnected")
		return connDone
	}
	return nil
}

// wait 等待 d，期间被 stop 打断时返回 false
func wait(stop chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// readPump 读取消息
func (c *Client) readPump(conn *websocket.Conn, connDone chan struct{}) {
	defer func() {
		conn.Close()
		close(connDone)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("drop malformed frame")
			continue
		}
		c.dispatch(&f)
	}
}

func (c *Client) dispatch(f *Frame) {
	switch f.Type {
	case TypeChatMessage:
		var msg model.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			c.log.Warn().Err(err).Msg("drop malformed chat message")
			return
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn().Err(err).Int64("session_id", msg.SessionID).Msg("drop partial chat message")
			return
		}
		c.emitMessage(&msg)

	case TypePong:
		// 心跳响应

	case TypeError:
		var p ErrorPayload
		_ = json.Unmarshal(f.Payload, &p)
		c.log.Warn().Int("code", p.Code).Str("message", p.Message).Msg("server error frame")

	default:
		c.log.Debug().Str("type", f.Type).Msg("unknown frame type")
	}
}

func (c *Client) emitMessage(msg *model.Message) {
	c.mu.Lock()
	handlers := append([]func(*model.Message){}, c.msgHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall(func() { h(msg.Clone()) })
	}
}

// safeCall 订阅者 panic 不能中断读取循环
func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("push subscriber panicked")
		}
	}()
	fn()
}

// writePump 写入消息并定时发送心跳
func (c *Client) writePump(conn *websocket.Conn, connDone, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-connDone:
			return

		case data := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				conn.Close()
				return
			}

		case <-ticker.C:
			f, _ := NewFrame(TypeHeartbeat, nil)
			data, _ := json.Marshal(f)
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := append([]func(State){}, c.stateHandlers...)
	c.mu.Unlock()

	c.log.Debug().Stringer("state", s).Msg("state changed")
	for _, h := range handlers {
		c.safeCall(func() { h(s) })
	}
}
