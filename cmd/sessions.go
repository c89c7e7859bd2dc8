package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "列出人工客服会话",
	Run:   runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) {
	log := newLogger()
	provider, err := newProvider(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
	if provider.Current() == nil {
		fmt.Fprintln(os.Stderr, "✗ 请先运行 'roomchat login' 登录")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, err := newAPIClient(provider).ListStaffSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ 获取会话失败: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("暂无人工会话")
		return
	}
	for _, s := range sessions {
		fmt.Printf("#%-5d %s  %-8s %3d 条  %s\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), s.StatusText(), s.MessageCount, s.LastMessagePreview)
	}
}
