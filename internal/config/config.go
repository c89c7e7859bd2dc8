// Package config 管理聊天客户端和开发服务器的配置
// 使用 viper 读取 ~/.roomchat/config.yaml，支持 ROOMCHAT_ 前缀的环境变量覆盖
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config 根配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

// ServerConfig 服务器地址
type ServerConfig struct {
	URL   string `mapstructure:"url"`    // HTTP API 地址
	WSURL string `mapstructure:"ws_url"` // WebSocket 地址
}

// AuthConfig 登录凭证
type AuthConfig struct {
	AccessToken string `mapstructure:"access_token"` // Bearer Token（REST 与 WS 共用）
	Username    string `mapstructure:"username"`     // 登录用户名
	GuestID     string `mapstructure:"guest_id"`     // 匿名访客标识
}

// ChatConfig 聊天行为配置
type ChatConfig struct {
	PageSize        int           `mapstructure:"page_size"`         // 首次加载条数
	HistoryPageSize int           `mapstructure:"history_page_size"` // 历史记录每页条数
	PollInterval    time.Duration `mapstructure:"poll_interval"`     // 推送不可用时的轮询间隔
}

// TransportConfig 推送通道配置
type TransportConfig struct {
	InitialDelay     time.Duration `mapstructure:"initial_delay"`     // 第二次重连前的等待
	Multiplier       float64       `mapstructure:"multiplier"`        // 退避倍数
	MaxDelay         time.Duration `mapstructure:"max_delay"`         // 退避上限
	MaxAttempts      int           `mapstructure:"max_attempts"`      // 最大重连次数
	Heartbeat        time.Duration `mapstructure:"heartbeat"`         // 心跳间隔
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // 握手超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // console/json
}

// DevServerConfig 本地开发服务器配置
type DevServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug / release
	JWTSecret    string        `mapstructure:"jwt_secret"`
	AccessExpire time.Duration `mapstructure:"access_expire"`
	RedisAddr    string        `mapstructure:"redis_addr"` // 为空时只在进程内广播
}

const envPrefix = "ROOMCHAT"

var (
	cfg        *Config
	configPath string
	configDir  string
)

// Init 初始化配置
// dir 为空时使用 ~/.roomchat
func Init(dir string) error {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("获取用户目录失败: %w", err)
		}
		dir = filepath.Join(home, ".roomchat")
	}

	configDir = dir
	configPath = filepath.Join(configDir, "config.yaml")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	viper.Reset()
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时写入默认配置
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			_ = viper.SafeWriteConfig()
		} else {
			return fmt.Errorf("读取配置失败: %w", err)
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.ws_url", d.Server.WSURL)
	v.SetDefault("auth.access_token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.guest_id", "")
	v.SetDefault("chat.page_size", d.Chat.PageSize)
	v.SetDefault("chat.history_page_size", d.Chat.HistoryPageSize)
	v.SetDefault("chat.poll_interval", d.Chat.PollInterval)
	v.SetDefault("transport.initial_delay", d.Transport.InitialDelay)
	v.SetDefault("transport.multiplier", d.Transport.Multiplier)
	v.SetDefault("transport.max_delay", d.Transport.MaxDelay)
	v.SetDefault("transport.max_attempts", d.Transport.MaxAttempts)
	v.SetDefault("transport.heartbeat", d.Transport.Heartbeat)
	v.SetDefault("transport.handshake_timeout", d.Transport.HandshakeTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("devserver.port", d.DevServer.Port)
	v.SetDefault("devserver.mode", d.DevServer.Mode)
	v.SetDefault("devserver.jwt_secret", d.DevServer.JWTSecret)
	v.SetDefault("devserver.access_expire", d.DevServer.AccessExpire)
	v.SetDefault("devserver.redis_addr", "")
}

// Default 返回默认配置
// 重连节奏为 0s、2s、10s、30s，共 4 次
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:   "http://localhost:8080",
			WSURL: "ws://localhost:8080",
		},
		Chat: ChatConfig{
			PageSize:        50,
			HistoryPageSize: 20,
			PollInterval:    15 * time.Second,
		},
		Transport: TransportConfig{
			InitialDelay:     2 * time.Second,
			Multiplier:       5,
			MaxDelay:         30 * time.Second,
			MaxAttempts:      4,
			Heartbeat:        30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		DevServer: DevServerConfig{
			Port:         8080,
			Mode:         "debug",
			JWTSecret:    "roomchat-dev-secret-change-me-please-32",
			AccessExpire: 24 * time.Hour,
		},
	}
}

// Get 获取配置，未初始化时返回默认配置
func Get() *Config {
	if cfg == nil {
		d := Default()
		return &d
	}
	return cfg
}

// Path 配置文件路径
func Path() string {
	return configPath
}

// SaveAuth 保存登录凭证
func SaveAuth(accessToken, username string) error {
	viper.Set("auth.access_token", accessToken)
	viper.Set("auth.username", username)
	if cfg != nil {
		cfg.Auth.AccessToken = accessToken
		cfg.Auth.Username = username
	}
	return viper.WriteConfig()
}

// ClearToken 清除本地凭证（访客标识保留）
func ClearToken() error {
	viper.Set("auth.access_token", "")
	viper.Set("auth.username", "")
	if cfg != nil {
		cfg.Auth.AccessToken = ""
		cfg.Auth.Username = ""
	}
	return viper.WriteConfig()
}

// GetAccessToken 获取访问 Token
func GetAccessToken() string {
	if cfg == nil {
		return ""
	}
	return cfg.Auth.AccessToken
}

// GetServerURL 获取服务器地址
func GetServerURL() string {
	return Get().Server.URL
}

// GetWSURL 获取 WebSocket 地址
func GetWSURL() string {
	return Get().Server.WSURL
}

// SetServerURL 设置服务器地址，同时推导 WebSocket 地址
func SetServerURL(url string) {
	wsURL := DeriveWSURL(url)
	viper.Set("server.url", url)
	viper.Set("server.ws_url", wsURL)
	if cfg != nil {
		cfg.Server.URL = url
		cfg.Server.WSURL = wsURL
	}
}

// DeriveWSURL http -> ws, https -> wss
func DeriveWSURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// IsLoggedIn 检查是否已登录
func IsLoggedIn() bool {
	return GetAccessToken() != ""
}

// GetGuestID 获取或生成匿名访客标识
// 生成后写入配置文件，匿名会话在重启后仍可恢复
func GetGuestID() (string, error) {
	if cfg != nil && cfg.Auth.GuestID != "" {
		return cfg.Auth.GuestID, nil
	}

	guestID := uuid.New().String()
	viper.Set("auth.guest_id", guestID)
	if cfg != nil {
		cfg.Auth.GuestID = guestID
	}
	if configPath == "" {
		return guestID, nil
	}
	if err := viper.WriteConfig(); err != nil {
		return "", fmt.Errorf("保存访客标识失败: %w", err)
	}
	return guestID, nil
}
