package chat

import (
	"errors"
	"fmt"

	"roomchat/internal/model"
)

var (
	// ErrNoActiveSession 当前身份没有进行中的人工会话
	ErrNoActiveSession = errors.New("no active staff session")

	// ErrStale 响应到达时模式、身份或会话已经变化，结果被丢弃
	ErrStale = errors.New("stale response discarded")

	// ErrLoginRequired 人工客服需要登录
	ErrLoginRequired = errors.New("staff chat requires login")

	// ErrUnknownSession 会话不在列表中
	ErrUnknownSession = errors.New("unknown session")
)

// Kind 失败类别
type Kind int

const (
	KindConnectivity   Kind = iota + 1 // 推送通道无法连接
	KindDirectory                      // 会话查询/创建失败
	KindSend                           // 消息发送失败
	KindReconciliation                 // 推送消息不完整
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindDirectory:
		return "directory"
	case KindSend:
		return "send"
	case KindReconciliation:
		return "reconciliation"
	}
	return "unknown"
}

// Failure 归类后的失败，Controller 只向外暴露这一种错误
type Failure struct {
	Kind Kind
	Mode model.Mode
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure (%s): %v", f.Kind, f.Mode, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure 提取 Failure
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
