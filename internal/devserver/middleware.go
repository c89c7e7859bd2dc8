package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/pkg/jwt"
	"roomchat/pkg/response"
)

// 上下文键
const (
	ctxUserID   = "user_id"
	ctxUsername = "username"
	ctxRole     = "role"
	ctxGuestID  = "guest_id"
)

// AuthMiddleware 验证 Bearer Token，并将用户信息存入上下文
func AuthMiddleware(jwtService *jwt.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Token 无效或已过期")
			c.Abort()
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware 有有效 Token 时记录用户，否则记录访客标识
// 两者都没有时拒绝请求
func OptionalAuthMiddleware(jwtService *jwt.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			claims, err := jwtService.ValidateToken(tokenString)
			if err != nil {
				response.Unauthorized(c, "Token 无效或已过期")
				c.Abort()
				return
			}
			setClaims(c, claims)
			c.Next()
			return
		}

		guestID := strings.TrimSpace(c.GetHeader(api.GuestHeader))
		if guestID == "" {
			response.Unauthorized(c, "缺少访客标识")
			c.Abort()
			return
		}
		c.Set(ctxGuestID, guestID)
		c.Next()
	}
}

// StaffOnly 只允许工作人员访问
func StaffOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != RoleStaff {
			response.Forbidden(c, "仅限工作人员")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setClaims(c *gin.Context, claims *jwt.UserClaims) {
	c.Set(ctxUserID, claims.UserID)
	c.Set(ctxUsername, claims.Username)
	c.Set(ctxRole, claims.Role)
}

// ownerFrom 从上下文获取会话归属
func ownerFrom(c *gin.Context) Owner {
	return Owner{UserID: c.GetInt64(ctxUserID), GuestID: c.GetString(ctxGuestID)}
}

// LoggerMiddleware 请求日志
// 根据状态码选择日志级别
func LoggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" && !strings.Contains(raw, "token=") {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		default:
			ev = log.Info()
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			ev = ev.Str("errors", errs)
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("request")
	}
}

// RecoveryMiddleware 捕获处理器中的 panic
func RecoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("handler panicked")
				response.InternalError(c, "服务器内部错误")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 允许门户网页跨域访问
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPost, http.MethodOptions,
			}, ", "))
			c.Header("Access-Control-Allow-Headers", strings.Join([]string{
				"Origin", "Content-Type", "Accept", "Authorization", api.GuestHeader,
			}, ", "))
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
