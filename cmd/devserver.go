package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"roomchat/internal/config"
	"roomchat/internal/devserver"
	"roomchat/internal/logger"
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "启动本地开发服务器",
	Long: `启动带有内存存储的聊天后端，用于本地联调。

内置账号：student/student123、alice/alice123、staff/staff123（工作人员）。
配置了 devserver.redis_addr 时通过 Redis 发布订阅分发推送。`,
	Run: runDevServer,
}

func init() {
	devServerCmd.Flags().IntP("port", "p", 0, "监听端口 (默认: 8080)")
	devServerCmd.Flags().String("redis", "", "Redis 地址，例如 localhost:6379")
	rootCmd.AddCommand(devServerCmd)
}

func runDevServer(cmd *cobra.Command, args []string) {
	cfg := config.Get().DevServer
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.RedisAddr = addr
	}

	log := logger.Component(newLogger(), "devserver")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := devserver.New(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ 启动失败: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("dev server stopped")
	}
	log.Info().Msg("dev server exited")
}
