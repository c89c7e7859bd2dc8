// Package devserver 是聊天后端的本地开发实现
// 提供与门户相同的 REST 接口和 WebSocket 推送，用于联调和测试
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"roomchat/internal/config"
	"roomchat/pkg/jwt"
	"roomchat/pkg/response"
)

// 内置账号
var seedUsers = []struct {
	username, password, role string
}{
	{"student", "student123", RoleStudent},
	{"alice", "alice123", RoleStudent},
	{"staff", "staff123", RoleStaff},
}

// Server 开发服务器
type Server struct {
	cfg         config.DevServerConfig
	store       *Store
	hub         *Hub
	jwt         *jwt.JWTService
	broadcaster Broadcaster
	engine      *gin.Engine
	log         zerolog.Logger

	cancel context.CancelFunc
}

// New 创建开发服务器
// 配置了 RedisAddr 时经 Redis 广播推送，否则只在进程内分发
func New(ctx context.Context, cfg config.DevServerConfig, log zerolog.Logger) (*Server, error) {
	store := NewStore()
	for _, u := range seedUsers {
		if _, err := store.AddUser(u.username, u.password, u.role); err != nil {
			return nil, fmt.Errorf("failed to seed user %s: %w", u.username, err)
		}
	}

	hub := NewHub(log)
	var broadcaster Broadcaster = NewLocalBroadcaster(hub)
	if cfg.RedisAddr != "" {
		rb, err := NewRedisBroadcaster(ctx, cfg.RedisAddr, hub, log)
		if err != nil {
			return nil, err
		}
		broadcaster = rb
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		hub:         hub,
		jwt:         jwt.NewJWTService(cfg.JWTSecret, cfg.AccessExpire),
		broadcaster: broadcaster,
		log:         log,
	}
	s.engine = s.routes()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go hub.Run(hubCtx)

	return s, nil
}

func (s *Server) routes() *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &Handler{
		store:       s.store,
		jwt:         s.jwt,
		hub:         s.hub,
		broadcaster: s.broadcaster,
		bot:         CannedBot{},
		log:         s.log,
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(s.log))
	router.Use(LoggerMiddleware(s.log))
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", h.Login)

	// 助手会话：登录用户或访客
	chat := v1.Group("/chat")
	chat.Use(OptionalAuthMiddleware(s.jwt))
	{
		chat.GET("/assistant/latest", h.AssistantLatest)
		chat.POST("/assistant/sessions", h.AssistantCreate)
		chat.POST("/assistant/messages", h.AssistantSend)
		chat.GET("/sessions/:id/messages", h.SessionMessages)
	}

	// 人工会话：需要登录
	staffChat := v1.Group("/chat/staff")
	staffChat.Use(AuthMiddleware(s.jwt))
	{
		staffChat.GET("/latest", h.StaffLatest)
		staffChat.POST("/sessions", h.StaffCreate)
		staffChat.GET("/sessions", h.StaffList)
		staffChat.POST("/messages", h.StaffSend)
	}

	// 工作人员操作
	staff := v1.Group("/staff")
	staff.Use(AuthMiddleware(s.jwt), StaffOnly())
	{
		staff.POST("/sessions/:id/messages", h.StaffReply)
		staff.POST("/sessions/:id/end", h.StaffEnd)
	}

	router.GET("/ws/chat", h.ChatWS)
	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "接口不存在")
	})
	return router
}

// Handler 返回 HTTP 处理器，测试中配合 httptest 使用
func (s *Server) Handler() http.Handler { return s.engine }

// Store 返回内存存储
func (s *Server) Store() *Store { return s.store }

// Hub 返回连接中心
func (s *Server) Hub() *Hub { return s.hub }

// JWT 返回令牌服务
func (s *Server) JWT() *jwt.JWTService { return s.jwt }

// Run 监听端口直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("dev server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dev server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down dev server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dev server forced to shutdown: %w", err)
	}
	return nil
}

// Close 关闭所有连接和广播
func (s *Server) Close() error {
	s.cancel()
	<-s.hub.done
	return s.broadcaster.Close()
}
