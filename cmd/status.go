package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomchat/internal/config"
	"roomchat/internal/identity"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示当前状态",
	Long: `显示当前登录状态和配置信息。

包括：
- 服务器地址
- 登录状态
- 配置文件位置`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	fmt.Println("╔════════════════════════════════════════════════╗")
	fmt.Println("║           在线客服 状态信息                      ║")
	fmt.Println("╠════════════════════════════════════════════════╣")

	fmt.Printf("║  服务器: %s\n", config.GetServerURL())
	fmt.Printf("║  推送: %s\n", config.GetWSURL())

	// 登录状态
	if token := config.GetAccessToken(); token != "" {
		if id, err := identity.ParseToken(token); err == nil {
			fmt.Printf("║  登录状态: ✓ 已登录 (%s)\n", id.Username)
			if !id.Expires.IsZero() {
				fmt.Printf("║  令牌到期: %s\n", id.Expires.Local().Format("2006-01-02 15:04"))
			}
		} else {
			fmt.Println("║  登录状态: ✗ 令牌无效")
		}
	} else {
		fmt.Println("║  登录状态: ✗ 未登录（访客）")
		fmt.Println("║")
		fmt.Println("║  请运行 'roomchat login' 完成登录")
	}
	fmt.Printf("║  配置文件: %s\n", config.Path())

	fmt.Println("╚════════════════════════════════════════════════╝")
}
