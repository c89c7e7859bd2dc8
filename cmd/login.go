package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"roomchat/internal/config"
	"roomchat/internal/identity"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "登录门户账号",
	Long: `使用门户账号登录，令牌保存在配置文件中。

登录后可以使用人工客服，助手会话也会归属到账号下。`,
	Run: runLogin,
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "用户名")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) {
	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		fmt.Print("请输入用户名: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		username = strings.TrimSpace(line)
	}
	if username == "" {
		fmt.Fprintln(os.Stderr, "✗ 用户名不能为空")
		os.Exit(1)
	}

	// 输入密码（隐藏输入）
	fmt.Print("请输入密码: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ 读取密码失败: %v\n", err)
		os.Exit(1)
	}
	password := strings.TrimSpace(string(passwordBytes))
	if password == "" {
		fmt.Fprintln(os.Stderr, "✗ 密码不能为空")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	guestID, _ := config.GetGuestID()
	client := newAPIClient(identity.NewProvider(guestID))

	fmt.Println("🔐 正在登录...")
	resp, err := client.Login(ctx, username, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ 登录失败: %v\n", err)
		os.Exit(1)
	}

	if err := config.SaveAuth(resp.AccessToken, resp.Username); err != nil {
		fmt.Fprintf(os.Stderr, "✗ 保存登录信息失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("✅ 登录成功！")
	fmt.Println("─────────────────────────────────")
	fmt.Printf("  👤 账号: %s (ID: %d)\n", resp.Username, resp.UserID)
	fmt.Printf("  🔑 角色: %s\n", resp.Role)
	fmt.Println()
}
