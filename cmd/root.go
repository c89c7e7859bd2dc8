// Package cmd 实现 CLI 命令
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"roomchat/internal/api"
	"roomchat/internal/config"
	"roomchat/internal/identity"
	"roomchat/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "研讨室预约门户在线客服",
	Long: `研讨室预约门户的在线客服终端

直接运行即进入聊天界面：未登录时可以和预约助手对话，
登录后还可以切换到人工客服模式。`,
	Run: runChat,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// 全局参数
	rootCmd.PersistentFlags().StringP("server", "s", "", "服务器地址 (默认: http://localhost:8080)")
	rootCmd.PersistentFlags().String("config-dir", "", "配置目录 (默认: ~/.roomchat)")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别 debug/info/warn/error")
}

func initConfig() {
	dir, _ := rootCmd.PersistentFlags().GetString("config-dir")
	if err := config.Init(dir); err != nil {
		fmt.Fprintf(os.Stderr, "初始化配置失败: %v\n", err)
		os.Exit(1)
	}

	// 如果指定了服务器地址，更新配置
	if server, _ := rootCmd.PersistentFlags().GetString("server"); server != "" {
		config.SetServerURL(server)
	}
	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		config.Get().Log.Level = level
	}
}

func newLogger() zerolog.Logger {
	return logger.New(config.Get().Log, os.Stderr)
}

// newProvider 用保存的令牌恢复登录状态
func newProvider(log zerolog.Logger) (*identity.Provider, error) {
	guestID, err := config.GetGuestID()
	if err != nil {
		return nil, err
	}
	provider := identity.NewProvider(guestID)
	if token := config.GetAccessToken(); token != "" {
		if _, err := provider.SignIn(token); err != nil {
			log.Warn().Err(err).Msg("saved token is invalid, continuing as guest")
		}
	}
	return provider, nil
}

func newAPIClient(creds api.Credentials) *api.Client {
	return api.NewClient(config.GetServerURL(), creds)
}
