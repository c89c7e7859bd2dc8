package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"roomchat/internal/api"
	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/identity"
	"roomchat/internal/logger"
	"roomchat/internal/model"
	"roomchat/internal/websocket"
)

const chatHelp = `可用命令：
  /open              打开或收起聊天窗口
  /mode <assistant|staff>  切换助手 / 人工客服
  /new               新建人工会话
  /sessions          列出人工会话
  /switch <id>       切换到指定人工会话
  /more              加载更早的消息
  /refresh           重新拉取最新消息
  /history <id> [页码]  查看会话历史
  /login [用户名]     登录
  /logout            退出登录
  /status            当前状态
  /quit              退出
其他输入作为消息发送`

func init() {
	rootCmd.Flags().Bool("pinned", false, "整页模式：退出登录后窗口保持打开")
}

// runChat 交互式聊天
func runChat(cmd *cobra.Command, args []string) {
	log := newLogger()
	provider, err := newProvider(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()
	client := newAPIClient(provider)
	transport := websocket.NewClient(websocket.OptionsFromConfig(cfg.Server.WSURL, cfg.Transport), logger.Component(log, "ws"))
	pinned, _ := cmd.Flags().GetBool("pinned")
	ctrl := chat.NewController(client, transport, provider, chat.Options{
		PageSize:        cfg.Chat.PageSize,
		HistoryPageSize: cfg.Chat.HistoryPageSize,
		Pinned:          pinned,
		Logger:          &log,
	})
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider.OnChange(func(id *identity.Identity) {
		if err := ctrl.IdentityChanged(ctx, id); err != nil {
			log.Debug().Err(err).Msg("identity change")
		}
	})

	r := newREPL(ctrl, client, provider, os.Stdin, os.Stdout, log)
	unsubscribe := ctrl.Subscribe(r.onEvent)
	defer unsubscribe()

	printBanner()
	if err := ctrl.Start(ctx); err != nil {
		r.printf("⚠️  加载会话失败: %v\n", err)
	}
	r.render(true)

	go r.poll(ctx, cfg.Chat.PollInterval)
	r.loop(ctx)
	fmt.Println("再见！")
}

func printBanner() {
	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════╗")
	fmt.Println("║         📚 研讨室预约 在线客服                    ║")
	fmt.Println("║                                                ║")
	fmt.Println("║   输入 /help 查看命令                             ║")
	fmt.Println("╚════════════════════════════════════════════════╝")
	fmt.Println()
}

// repl 把控制器事件渲染到终端，并把输入转成控制器操作
type repl struct {
	ctrl     *chat.Controller
	client   *api.Client
	provider *identity.Provider
	log      zerolog.Logger

	in      *bufio.Reader
	out     io.Writer
	ready   chan struct{}
	lines   chan string
	outMu   sync.Mutex
	printed map[string]model.DeliveryStatus
	session int64
	mode    model.Mode
}

func newREPL(ctrl *chat.Controller, client *api.Client, provider *identity.Provider, in io.Reader, out io.Writer, log zerolog.Logger) *repl {
	return &repl{
		ctrl:     ctrl,
		client:   client,
		provider: provider,
		log:      log,
		in:       bufio.NewReader(in),
		out:      out,
		ready:    make(chan struct{}),
		lines:    make(chan string),
		printed:  make(map[string]model.DeliveryStatus),
	}
}

func (r *repl) printf(format string, args ...interface{}) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// readLines 每次收到 ready 才读取一行，密码输入期间不会抢占标准输入
func (r *repl) readLines(ctx context.Context) {
	defer close(r.lines)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ready:
		}
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		select {
		case r.lines <- strings.TrimRight(line, "\r\n"):
		case <-ctx.Done():
			return
		}
	}
}

func (r *repl) loop(ctx context.Context) {
	go r.readLines(ctx)
	for {
		select {
		case r.ready <- struct{}{}:
		case <-ctx.Done():
			return
		}

		var line string
		select {
		case l, ok := <-r.lines:
			if !ok {
				return
			}
			line = l
		case <-ctx.Done():
			return
		}

		if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
			return
		}
	}
}

// handle 处理一行输入，返回 true 表示退出
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := r.ctrl.Send(ctx, line); err != nil {
			r.reportError(err)
		}
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", chatHelp)
	case "/open":
		err = r.ctrl.ToggleOpen(ctx)
	case "/mode":
		err = r.switchMode(ctx, fields[1:])
	case "/new":
		err = r.ctrl.NewStaffConversation(ctx)
	case "/sessions":
		err = r.listSessions(ctx)
	case "/switch":
		err = r.selectSession(ctx, fields[1:])
	case "/more":
		var more bool
		more, err = r.ctrl.LoadOlder(ctx)
		if err == nil {
			r.render(true)
			if !more {
				r.printf("—— 没有更早的消息了 ——\n")
			}
		}
	case "/refresh":
		err = r.ctrl.Refresh(ctx)
	case "/history":
		err = r.history(ctx, fields[1:])
	case "/login":
		err = r.login(ctx, fields[1:])
	case "/logout":
		err = r.logout()
	case "/status":
		r.status()
	default:
		r.printf("未知命令 %s，输入 /help 查看帮助\n", fields[0])
	}
	if err != nil {
		r.reportError(err)
	}
	return false
}

func (r *repl) switchMode(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("用法: /mode assistant|staff")
	}
	mode, err := model.ParseMode(args[0])
	if err != nil {
		return err
	}
	return r.ctrl.SwitchMode(ctx, mode)
}

func (r *repl) listSessions(ctx context.Context) error {
	sessions, err := r.ctrl.ListStaffSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		r.printf("暂无人工会话\n")
		return nil
	}
	current := r.ctrl.Snapshot().Session
	for _, s := range sessions {
		marker := " "
		if current != nil && current.ID == s.ID {
			marker = "*"
		}
		r.printf("%s #%-5d %s  %-8s %3d 条  %s\n",
			marker, s.ID, s.StartedAt.Local().Format("01-02 15:04"), s.StatusText(), s.MessageCount, s.LastMessagePreview)
	}
	return nil
}

func (r *repl) selectSession(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("用法: /switch <会话ID>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("无效的会话ID: %s", args[0])
	}
	return r.ctrl.SelectSession(ctx, id)
}

func (r *repl) history(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("用法: /history <会话ID> [页码]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("无效的会话ID: %s", args[0])
	}
	page := 1
	if len(args) > 1 {
		if page, err = strconv.Atoi(args[1]); err != nil || page < 1 {
			return fmt.Errorf("无效的页码: %s", args[1])
		}
	}

	p, err := r.ctrl.SessionHistory(ctx, id, page)
	if err != nil {
		return err
	}
	r.printf("—— 会话 #%d 第 %d 页（共 %d 条）——\n", id, p.Page, p.Total)
	for _, m := range p.Messages {
		r.printf("%s\n", r.format(m))
	}
	if p.HasMore {
		r.printf("—— 使用 /history %d %d 查看更早的消息 ——\n", id, page+1)
	}
	return nil
}

func (r *repl) login(ctx context.Context, args []string) error {
	username := ""
	if len(args) > 0 {
		username = args[0]
	} else {
		r.printf("用户名: ")
		line, ok := r.nextLine(ctx)
		if !ok {
			return context.Canceled
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return errors.New("用户名不能为空")
	}

	r.printf("密码: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	r.printf("\n")
	if err != nil {
		return fmt.Errorf("读取密码失败: %w", err)
	}

	resp, err := r.client.Login(ctx, username, strings.TrimSpace(string(password)))
	if err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}
	if err := config.SaveAuth(resp.AccessToken, resp.Username); err != nil {
		r.log.Warn().Err(err).Msg("failed to save credentials")
	}
	if _, err := r.provider.SignIn(resp.AccessToken); err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}
	r.printf("✅ 已登录: %s\n", resp.Username)
	return nil
}

func (r *repl) nextLine(ctx context.Context) (string, bool) {
	select {
	case r.ready <- struct{}{}:
	case <-ctx.Done():
		return "", false
	}
	select {
	case l, ok := <-r.lines:
		return l, ok
	case <-ctx.Done():
		return "", false
	}
}

func (r *repl) logout() error {
	if err := config.ClearToken(); err != nil {
		r.log.Warn().Err(err).Msg("failed to clear credentials")
	}
	r.provider.SignOut()
	r.printf("✓ 已退出登录\n")
	return nil
}

func (r *repl) status() {
	snap := r.ctrl.Snapshot()
	user := "访客"
	if snap.User != nil {
		user = snap.User.Username
	}
	session := "无"
	if snap.Session != nil {
		session = fmt.Sprintf("#%d (%s)", snap.Session.ID, snap.Session.StatusText())
	}
	r.printf("用户: %s  模式: %s  会话: %s  推送: %s  窗口: %v\n",
		user, modeLabel(snap.Mode), session, snap.Connection, snap.Open)
	if snap.Draft != "" {
		r.printf("待发送: %s\n", snap.Draft)
	}
}

// poll 推送不可用时定期刷新人工会话
func (r *repl) poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := r.ctrl.Snapshot()
		if snap.Mode != model.ModeStaff || snap.Session == nil || snap.Connection == websocket.StateConnected {
			continue
		}
		if err := r.ctrl.Refresh(ctx); err != nil && !errors.Is(err, chat.ErrStale) {
			r.log.Debug().Err(err).Msg("poll refresh failed")
		}
	}
}

func (r *repl) onEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventMessages:
		r.render(false)
	case chat.EventState:
		snap := r.ctrl.Snapshot()
		if snap.Open {
			r.printf("—— 聊天窗口已打开（%s）——\n", modeLabel(snap.Mode))
			r.render(true)
		} else {
			r.printf("—— 聊天窗口已收起 ——\n")
		}
	case chat.EventError:
		if ev.Failure != nil {
			r.reportError(ev.Failure)
		}
	case chat.EventConnection:
		r.printf("📡 推送通道: %s\n", ev.Connection)
	case chat.EventSessions:
		r.printf("🔔 其他人工会话有新消息，输入 /sessions 查看\n")
	}
}

// render 输出新消息；full 为 true 或会话变化时重新输出整个列表
func (r *repl) render(full bool) {
	snap := r.ctrl.Snapshot()

	r.outMu.Lock()
	defer r.outMu.Unlock()

	var sessionID int64
	if snap.Session != nil {
		sessionID = snap.Session.ID
	}
	if full || sessionID != r.session || snap.Mode != r.mode {
		r.printed = make(map[string]model.DeliveryStatus)
		r.session = sessionID
		r.mode = snap.Mode
		if snap.Session != nil {
			fmt.Fprintf(r.out, "—— %s 会话 #%d ——\n", modeLabel(snap.Mode), snap.Session.ID)
		}
		if snap.HasMore {
			fmt.Fprintf(r.out, "—— 输入 /more 加载更早的消息 ——\n")
		}
	}

	for _, m := range snap.Messages {
		key := messageKey(m)
		prev, seen := r.printed[key]
		r.printed[key] = m.Status
		switch {
		case !seen:
			fmt.Fprintln(r.out, r.format(m))
		case prev != m.Status && m.Status == model.DeliveryFailed:
			fmt.Fprintf(r.out, "✗ 发送失败: %s\n", m.Body)
		}
	}
}

func (r *repl) format(m *model.Message) string {
	ts := "--:--:--"
	if t, ok := m.ReferenceTime(); ok {
		ts = t.Local().Format(time.TimeOnly)
	}

	name := m.SenderName
	switch {
	case m.IsAutomated:
		name = "助手"
	case m.Synthetic:
		name = "系统"
	case r.isSelf(m):
		name = "我"
	case name == "":
		name = "客服"
	}

	suffix := ""
	switch m.Status {
	case model.DeliveryPending:
		suffix = " …"
	case model.DeliveryFailed:
		suffix = " ✗"
	}
	return fmt.Sprintf("[%s] %s: %s%s", ts, name, m.Body, suffix)
}

func (r *repl) isSelf(m *model.Message) bool {
	uid := r.provider.UserID()
	if m.ClientID != "" {
		return true
	}
	return uid != nil && m.SenderID != nil && *m.SenderID == *uid
}

func (r *repl) reportError(err error) {
	if errors.Is(err, chat.ErrStale) {
		return
	}
	var msg string
	switch {
	case errors.Is(err, chat.ErrLoginRequired):
		msg = "人工客服需要先登录，输入 /login"
	case errors.Is(err, chat.ErrNoActiveSession):
		msg = "当前没有进行中的人工会话，输入 /new 新建"
	case errors.Is(err, chat.ErrUnknownSession):
		msg = "会话不存在，输入 /sessions 查看"
	case errors.Is(err, api.ErrUnauthorized):
		msg = "登录已失效，请重新 /login"
	default:
		msg = err.Error()
	}
	r.printf("⚠️  %s\n", msg)
}

// messageKey 渲染去重用的键
func messageKey(m *model.Message) string {
	switch {
	case m.ClientID != "":
		return "c:" + m.ClientID
	case m.ID != nil:
		return "i:" + strconv.FormatInt(*m.ID, 10)
	}
	t, _ := m.ReferenceTime()
	return fmt.Sprintf("s:%d:%d:%s", m.SessionID, t.UnixNano(), m.Body)
}

func modeLabel(m model.Mode) string {
	if m == model.ModeStaff {
		return "人工客服"
	}
	return "预约助手"
}
