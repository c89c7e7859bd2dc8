package devserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/internal/model"
	"roomchat/pkg/jwt"
	"roomchat/pkg/response"
)

// 欢迎语，随新会话一起返回
const (
	assistantWelcome = "欢迎使用研讨室预约助手，请问有什么可以帮您？"
	staffWelcome     = "已为您创建人工会话，工作人员会尽快回复。"
	botName          = "预约助手"

	defaultPageSize = 50
	maxPageSize     = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 开发服务器允许任何来源
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler 处理 HTTP 与 WebSocket 请求
type Handler struct {
	store       *Store
	jwt         *jwt.JWTService
	hub         *Hub
	broadcaster Broadcaster
	bot         Bot
	log         zerolog.Logger
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sendRequest struct {
	SessionID       int64  `json:"session_id" binding:"required"`
	Content         string `json:"content" binding:"required"`
	ClientMessageID string `json:"client_message_id"`
}

type replyRequest struct {
	Content string `json:"content" binding:"required"`
}

// Login 用户登录
// 路由: POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	user, err := h.store.Authenticate(req.Username, req.Password)
	if err != nil {
		response.PasswordWrong(c)
		return
	}

	token, err := h.jwt.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		response.InternalError(c, "生成 Token 失败")
		return
	}

	response.Success(c, &api.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int64(h.jwt.AccessExpire().Seconds()),
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
	})
}

// AssistantLatest 当前助手会话，不存在或已结束时创建
// 路由: GET /api/v1/chat/assistant/latest
func (h *Handler) AssistantLatest(c *gin.Context) {
	owner := ownerFrom(c)
	sess, ok := h.store.Latest(KindAssistant, owner)
	isNew := false
	if !ok || !sess.IsActive() {
		sess = h.store.CreateSession(KindAssistant, owner)
		isNew = true
	}
	response.Success(c, h.backlog(c, sess, isNew))
}

// AssistantCreate 新建助手会话
// 路由: POST /api/v1/chat/assistant/sessions
func (h *Handler) AssistantCreate(c *gin.Context) {
	sess := h.store.CreateSession(KindAssistant, ownerFrom(c))
	response.Created(c, h.backlog(c, sess, true))
}

// AssistantSend 向助手发送消息，同步返回回复
// 路由: POST /api/v1/chat/assistant/messages
func (h *Handler) AssistantSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.BadRequest(c, "请求参数错误")
		return
	}
	if _, ok := h.accessibleSession(c, req.SessionID, KindAssistant); !ok {
		return
	}

	userMsg, ok := h.addMessage(c, &model.Message{
		SessionID:  req.SessionID,
		SenderID:   senderFrom(c),
		SenderName: c.GetString(ctxUsername),
		Body:       req.Content,
		ClientID:   req.ClientMessageID,
	})
	if !ok {
		return
	}

	botMsg, ok := h.addMessage(c, &model.Message{
		SessionID:   req.SessionID,
		SenderName:  botName,
		Body:        h.bot.Reply(req.Content),
		IsAutomated: true,
	})
	if !ok {
		return
	}

	h.push(c.Request.Context(), userMsg)
	h.push(c.Request.Context(), botMsg)
	response.Success(c, &api.AssistantReply{UserMessage: userMsg, BotMessage: botMsg})
}

// StaffLatest 最近的人工会话，不会自动创建
// 路由: GET /api/v1/chat/staff/latest
func (h *Handler) StaffLatest(c *gin.Context) {
	sess, ok := h.store.Latest(KindStaff, ownerFrom(c))
	if !ok {
		response.Success(c, &api.SessionBacklog{Messages: []*model.Message{}, Page: 1, PageSize: defaultPageSize})
		return
	}
	response.Success(c, h.backlog(c, sess, false))
}

// StaffCreate 新建人工会话
// 路由: POST /api/v1/chat/staff/sessions
func (h *Handler) StaffCreate(c *gin.Context) {
	sess := h.store.CreateSession(KindStaff, ownerFrom(c))
	h.log.Info().Int64("session_id", sess.ID).Int64("user_id", sess.OwnerID).Msg("staff session created")
	response.Created(c, h.backlog(c, sess, true))
}

// StaffList 人工会话列表
// 路由: GET /api/v1/chat/staff/sessions
func (h *Handler) StaffList(c *gin.Context) {
	user := &User{ID: c.GetInt64(ctxUserID), Role: c.GetString(ctxRole)}
	response.Success(c, gin.H{"sessions": h.store.ListStaff(user)})
}

// StaffSend 向人工客服发送消息，只返回确认
// 路由: POST /api/v1/chat/staff/messages
func (h *Handler) StaffSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.BadRequest(c, "请求参数错误")
		return
	}
	if _, ok := h.accessibleSession(c, req.SessionID, KindStaff); !ok {
		return
	}

	msg, ok := h.addMessage(c, &model.Message{
		SessionID:  req.SessionID,
		SenderID:   senderFrom(c),
		SenderName: c.GetString(ctxUsername),
		Body:       req.Content,
		ClientID:   req.ClientMessageID,
	})
	if !ok {
		return
	}

	h.push(c.Request.Context(), msg)
	response.Success(c, &api.SendAck{Message: msg})
}

// StaffReply 工作人员回复
// 路由: POST /api/v1/staff/sessions/:id/messages
func (h *Handler) StaffReply(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		response.BadRequest(c, "请求参数错误")
		return
	}
	if _, ok := h.accessibleSession(c, id, KindStaff); !ok {
		return
	}

	staffID := c.GetInt64(ctxUserID)
	h.store.AssignStaff(id, staffID)
	msg, ok := h.addMessage(c, &model.Message{
		SessionID:  id,
		SenderID:   &staffID,
		SenderName: c.GetString(ctxUsername),
		Body:       req.Content,
	})
	if !ok {
		return
	}

	h.push(c.Request.Context(), msg)
	response.Success(c, &api.SendAck{Message: msg})
}

// StaffEnd 工作人员结束会话
// 路由: POST /api/v1/staff/sessions/:id/end
func (h *Handler) StaffEnd(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.store.EndSession(id); err != nil {
		response.SessionNotFound(c)
		return
	}
	sess, _ := h.store.Session(id)
	response.Success(c, sess)
}

// SessionMessages 分页获取会话消息
// 路由: GET /api/v1/chat/sessions/:id/messages?page=1&page_size=50
func (h *Handler) SessionMessages(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	if _, ok := h.accessibleSession(c, id, ""); !ok {
		return
	}

	page, pageSize := pageParams(c)
	msgs, total, hasMore := h.store.Messages(id, page, pageSize)
	response.Success(c, &api.MessagePage{
		Messages: msgs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	})
}

// ChatWS 推送通道
// 路由: GET /ws/chat?token=
func (h *Handler) ChatWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	owner := Owner{UserID: claims.UserID}
	role := claims.Role
	client := NewClient(h.hub, conn, claims.UserID, func(sessionID int64) bool {
		return h.store.CanAccess(sessionID, owner, role)
	})
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.log.Info().Int64("user_id", claims.UserID).Msg("chat websocket connected")
}

func (h *Handler) backlog(c *gin.Context, sess *model.Session, isNew bool) *api.SessionBacklog {
	_, pageSize := pageParams(c)
	msgs, _, hasMore := h.store.Messages(sess.ID, 1, pageSize)

	out := &api.SessionBacklog{
		Session:      sess,
		Messages:     msgs,
		IsNewSession: isNew,
		Page:         1,
		PageSize:     pageSize,
		HasMore:      hasMore,
	}
	if isNew {
		out.Welcome = assistantWelcome
		if sess.Kind == KindStaff {
			out.Welcome = staffWelcome
		}
	}
	return out
}

// accessibleSession 检查会话存在、类型匹配且有权访问
// kind 为空时不检查类型
func (h *Handler) accessibleSession(c *gin.Context, id int64, kind string) (*model.Session, bool) {
	sess, err := h.store.Session(id)
	if err != nil || (kind != "" && sess.Kind != kind) {
		response.SessionNotFound(c)
		return nil, false
	}
	if !h.store.CanAccess(id, ownerFrom(c), c.GetString(ctxRole)) {
		response.Forbidden(c, "无权访问此会话")
		return nil, false
	}
	return sess, true
}

func (h *Handler) addMessage(c *gin.Context, msg *model.Message) (*model.Message, bool) {
	saved, err := h.store.AddMessage(msg)
	switch {
	case errors.Is(err, ErrSessionEnded):
		response.SessionEnded(c)
		return nil, false
	case errors.Is(err, ErrSessionNotFound):
		response.SessionNotFound(c)
		return nil, false
	case err != nil:
		response.InternalError(c, "保存消息失败")
		return nil, false
	}
	return saved, true
}

func (h *Handler) push(ctx context.Context, msg *model.Message) {
	d := &Delivery{Message: msg, UserIDs: h.store.Participants(msg.SessionID)}
	if err := h.broadcaster.Publish(ctx, d); err != nil {
		h.log.Warn().Err(err).Int64("session_id", msg.SessionID).Msg("publish push failed")
	}
}

func senderFrom(c *gin.Context) *int64 {
	if id := c.GetInt64(ctxUserID); id != 0 {
		return &id
	}
	return nil
}

func sessionParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "无效的会话ID")
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	return page, pageSize
}
