// Package identity 提供当前登录身份与请求凭证
package identity

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 已登录的用户
type Identity struct {
	UserID   int64
	Username string
	Role     string
	Token    string
	Expires  time.Time
}

// Claims 服务端签发的访问令牌声明
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ErrInvalidToken 令牌无法解析
var ErrInvalidToken = errors.New("invalid token")

// ParseToken 解析令牌中的身份信息
// 客户端没有签名密钥，只解析不校验签名；服务端会对每个请求重新校验
func ParseToken(token string) (*Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 {
		if sub, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			claims.UserID = sub
		}
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}

	id := &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		Token:    token,
	}
	if claims.ExpiresAt != nil {
		id.Expires = claims.ExpiresAt.Time
	}
	return id, nil
}

// Provider 保存当前身份，并在身份变化时通知订阅者
type Provider struct {
	mu       sync.RWMutex
	current  *Identity
	guestID  string
	now      func() time.Time
	handlers []func(*Identity)
}

// NewProvider 创建身份提供者
// guestID 用于匿名访问助手会话
func NewProvider(guestID string) *Provider {
	return &Provider{guestID: guestID, now: time.Now}
}

// Current 当前身份，匿名或令牌过期时返回 nil
func (p *Provider) Current() *Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	if !p.current.Expires.IsZero() && p.now().After(p.current.Expires) {
		return nil
	}
	c := *p.current
	return &c
}

// Token 实现 api.Credentials
func (p *Provider) Token() string {
	if id := p.Current(); id != nil {
		return id.Token
	}
	return ""
}

// GuestID 实现 api.Credentials
func (p *Provider) GuestID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.guestID
}

// UserID 当前用户 ID，匿名时为 nil
func (p *Provider) UserID() *int64 {
	if id := p.Current(); id != nil {
		uid := id.UserID
		return &uid
	}
	return nil
}

// OnChange 订阅身份变化
func (p *Provider) OnChange(handler func(*Identity)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// SignIn 使用令牌登录
func (p *Provider) SignIn(token string) (*Identity, error) {
	id, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	p.set(id)
	return id, nil
}

// SignOut 退出登录
func (p *Provider) SignOut() {
	p.set(nil)
}

func (p *Provider) set(id *Identity) {
	p.mu.Lock()
	p.current = id
	handlers := append([]func(*Identity){}, p.handlers...)
	p.mu.Unlock()

	for _, h := range handlers {
		h(id)
	}
}
