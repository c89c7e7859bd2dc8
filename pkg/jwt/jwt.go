// Package jwt 提供访问令牌的签发和验证
// REST 请求和 WebSocket 连接共用同一种令牌
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义错误类型
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// UserClaims 用户令牌声明
type UserClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"` // student / staff
	jwt.RegisteredClaims
}

// JWTService 提供令牌相关操作
type JWTService struct {
	secret       []byte
	accessExpire time.Duration
	now          func() time.Time
}

// NewJWTService 创建 JWTService
// secret 至少 32 个字符
func NewJWTService(secret string, accessExpire time.Duration) *JWTService {
	return &JWTService{
		secret:       []byte(secret),
		accessExpire: accessExpire,
		now:          time.Now,
	}
}

// GenerateAccessToken 生成访问令牌
func (s *JWTService) GenerateAccessToken(userID int64, username, role string) (string, error) {
	now := s.now()
	claims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpire)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "roomchat",
			Subject:   "access",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 验证访问令牌
func (s *JWTService) ValidateToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 只接受 HMAC 签名
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AccessExpire 访问令牌有效期
func (s *JWTService) AccessExpire() time.Duration {
	return s.accessExpire
}
