package devserver

import "strings"

// Bot 助手回复
type Bot interface {
	Reply(text string) string
}

// CannedBot 按关键词返回固定回复
type CannedBot struct{}

type cannedRule struct {
	keywords []string
	reply    string
}

var cannedRules = []cannedRule{
	{[]string{"取消", "cancel"}, "取消预约请进入“我的预约”，在开始前 30 分钟之外可以直接取消。"},
	{[]string{"延长", "续约", "extend"}, "如果后续时段空闲，可以在“我的预约”中申请延长，每次最多延长 1 小时。"},
	{[]string{"违约", "violation"}, "违约记录可以在个人中心查看，累计 3 次违约将暂停预约权限 7 天。"},
	{[]string{"预约", "book", "研讨室", "room"}, "您可以在“房间查询”中选择日期和人数，找到空闲的研讨室后提交预约申请。"},
	{[]string{"人工", "客服", "staff", "human"}, "如需人工帮助，请登录后切换到人工客服模式。"},
}

// Reply 实现 Bot
func (CannedBot) Reply(text string) string {
	lower := strings.ToLower(text)
	for _, r := range cannedRules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.reply
			}
		}
	}
	return "抱歉，我还不太明白。您可以问我关于研讨室预约、延长、取消或违约记录的问题。"
}
