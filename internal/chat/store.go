package chat

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/model"
)

// DedupWindow 同一发送者、相同内容的两条消息在这个时间窗口内视为同一条
const DedupWindow = 1000 * time.Millisecond

// MergeResult 推送消息的合并结果
type MergeResult int

const (
	MergeAppended  MergeResult = iota // 作为新消息插入
	MergeConfirmed                    // 确认了一条本地回显
	MergeDuplicate                    // 重复消息，已丢弃
	MergeIgnored                      // 自己发送的消息或不属于本会话
	MergeRejected                     // 消息不完整
)

func (r MergeResult) String() string {
	switch r {
	case MergeAppended:
		return "appended"
	case MergeConfirmed:
		return "confirmed"
	case MergeDuplicate:
		return "duplicate"
	case MergeIgnored:
		return "ignored"
	case MergeRejected:
		return "rejected"
	}
	return "unknown"
}

// Changed 合并是否改变了消息列表
func (r MergeResult) Changed() bool {
	return r == MergeAppended || r == MergeConfirmed
}

// Store 单个会话的有序消息列表
//
// 只能通过 AppendLocal、MergeBacklog、MergePushed（以及 MarkFailed）修改。
// 有 SentAt 的消息始终按 SentAt 升序；没有 SentAt 的消息（未确认的回显、
// 本地错误提示）排在最后一条已确认消息之后，保持发送顺序。
//
// Store 不是并发安全的，由 Controller 的锁保护。
type Store struct {
	sessionID int64
	log       []*model.Message

	page    int
	hasMore bool
	loading bool

	logger zerolog.Logger
	now    func() time.Time
}

// NewStore 创建消息列表
func NewStore(logger zerolog.Logger) *Store {
	return &Store{logger: logger, now: time.Now}
}

// SessionID 当前绑定的会话
func (s *Store) SessionID() int64 {
	return s.sessionID
}

// Reset 清空列表并绑定到新会话（0 表示无会话）
func (s *Store) Reset(sessionID int64) {
	s.sessionID = sessionID
	s.log = nil
	s.page = 0
	s.hasMore = false
	s.loading = false
}

// Len 消息条数
func (s *Store) Len() int {
	return len(s.log)
}

// Snapshot 返回消息列表的拷贝
func (s *Store) Snapshot() []*model.Message {
	out := make([]*model.Message, len(s.log))
	for i, m := range s.log {
		out[i] = m.Clone()
	}
	return out
}

// Page 最近一次加载的页码
func (s *Store) Page() int { return s.page }

// HasMore 是否还有更早的消息
func (s *Store) HasMore() bool { return s.hasMore }

// Loading 是否正在加载更早的消息
func (s *Store) Loading() bool { return s.loading }

// BeginLoadOlder 开始加载更早的一页，返回要请求的页码
// 已在加载或没有更多时返回 false
func (s *Store) BeginLoadOlder() (int, bool) {
	if s.loading || !s.hasMore {
		return 0, false
	}
	s.loading = true
	return s.page + 1, true
}

// EndLoadOlder 结束加载（无论成功与否）
func (s *Store) EndLoadOlder() {
	s.loading = false
}

// AppendLocal 立即追加一条本地消息
// 用户发送的回显没有 ID 和 SentAt，排在末尾
func (s *Store) AppendLocal(msg *model.Message) {
	if msg.Status == "" {
		msg.Status = model.DeliveryPending
	}
	if msg.LocalAt.IsZero() {
		msg.LocalAt = s.now()
	}
	if msg.SentAt != nil {
		s.insertConfirmed(msg)
		return
	}
	s.log = append(s.log, msg)
}

// MergeBacklog 合并一页历史消息
// 第 1 页替换整个列表，之后的页插入到前面。会话不匹配时丢弃并返回 false。
func (s *Store) MergeBacklog(sessionID int64, msgs []*model.Message, page int, hasMore bool) bool {
	if sessionID != s.sessionID {
		s.logger.Debug().Int64("session_id", sessionID).Int64("current", s.sessionID).Msg("drop backlog for other session")
		return false
	}
	if page < 1 {
		page = 1
	}

	batch := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || (m.SessionID != 0 && m.SessionID != sessionID) {
			continue
		}
		c := m.Clone()
		c.Status = model.DeliveryConfirmed
		batch = append(batch, c)
	}
	sortBatch(batch)

	if page == 1 {
		// 全量同步：保留末尾未确认的回显（等待中或失败）和本地提示，
		// 已经出现在这一页里的回显除外
		seen := make(map[string]struct{}, len(batch))
		for _, m := range batch {
			if m.ClientID != "" {
				seen[m.ClientID] = struct{}{}
			}
		}
		for _, m := range s.log {
			if m.HasID() || m.SentAt != nil {
				continue
			}
			if _, ok := seen[m.ClientID]; ok && m.ClientID != "" {
				continue
			}
			batch = append(batch, m)
		}
		s.log = batch
	} else {
		older := batch[:0]
		for _, m := range batch {
			if m.SentAt == nil {
				// 没有时间戳的历史消息无法放在已确认消息之前
				s.logger.Warn().Int64("session_id", sessionID).Msg("drop older message without timestamp")
				continue
			}
			if m.HasID() && s.indexByID(*m.ID) >= 0 {
				continue
			}
			older = append(older, m)
		}
		s.log = append(older, s.log...)
	}

	s.page = page
	s.hasMore = hasMore
	s.settle()
	return true
}

// MergePushed 合并一条服务端消息（推送、轮询或发送响应）
//
// 以下情况不会新增消息：
//   - client_message_id 与本地回显相同：确认该回显
//   - ID 已存在
//   - 同一发送者、相同内容、时间相差不超过 DedupWindow
//   - selfID 非空，且是自己发送的非自动消息：确认最早一条相同内容的回显，否则忽略
func (s *Store) MergePushed(msg *model.Message, selfID *int64) MergeResult {
	if msg == nil {
		return MergeRejected
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", msg.SessionID).Msg("drop partial message")
		return MergeRejected
	}
	if msg.SessionID != s.sessionID {
		return MergeIgnored
	}

	m := msg.Clone()
	m.Status = model.DeliveryConfirmed

	if m.ClientID != "" {
		if i := s.indexByClientID(m.ClientID); i >= 0 {
			if s.log[i].HasID() {
				if *s.log[i].ID == *m.ID {
					return MergeDuplicate
				}
			} else {
				return s.confirm(i, m)
			}
		}
	}

	if s.indexByID(*m.ID) >= 0 {
		return MergeDuplicate
	}

	if i := s.indexInWindow(m); i >= 0 {
		if !s.log[i].HasID() {
			return s.confirm(i, m)
		}
		return MergeDuplicate
	}

	if selfID != nil && !m.IsAutomated && m.SenderID != nil && *m.SenderID == *selfID {
		if i := s.oldestEcho(m.Body); i >= 0 {
			return s.confirm(i, m)
		}
		return MergeIgnored
	}

	s.insertConfirmed(m)
	return MergeAppended
}

// MarkFailed 将本地回显标记为发送失败，回显本身保留
func (s *Store) MarkFailed(clientID string) bool {
	i := s.indexByClientID(clientID)
	if i < 0 || s.log[i].HasID() {
		return false
	}
	s.log[i].Status = model.DeliveryFailed
	return true
}

// confirm 用服务端消息替换第 i 条本地回显
func (s *Store) confirm(i int, m *model.Message) MergeResult {
	echo := s.log[i]
	s.remove(i)

	if s.indexByID(*m.ID) >= 0 {
		return MergeDuplicate
	}

	if m.ClientID == "" {
		m.ClientID = echo.ClientID
	}
	m.LocalAt = echo.LocalAt
	s.insertConfirmed(m)
	return MergeConfirmed
}

// insertConfirmed 插入到未确认区之前，再恢复时间顺序
func (s *Store) insertConfirmed(m *model.Message) {
	tail := s.tailStart()
	s.log = append(s.log, nil)
	copy(s.log[tail+1:], s.log[tail:])
	s.log[tail] = m
	s.settle()
}

func (s *Store) remove(i int) {
	copy(s.log[i:], s.log[i+1:])
	s.log[len(s.log)-1] = nil
	s.log = s.log[:len(s.log)-1]
}

// tailStart 末尾连续的无 SentAt 消息的起始位置
func (s *Store) tailStart() int {
	i := len(s.log)
	for i > 0 && s.log[i-1].SentAt == nil {
		i--
	}
	return i
}

// settle 在有 SentAt 的消息所占的位置上稳定排序，其余消息位置不变
func (s *Store) settle() {
	idx := make([]int, 0, len(s.log))
	timed := make([]*model.Message, 0, len(s.log))
	for i, m := range s.log {
		if m.SentAt != nil {
			idx = append(idx, i)
			timed = append(timed, m)
		}
	}
	sort.SliceStable(timed, func(a, b int) bool {
		return timed[a].SentAt.Before(*timed[b].SentAt)
	})
	for k, i := range idx {
		s.log[i] = timed[k]
	}
}

func (s *Store) indexByID(id int64) int {
	for i, m := range s.log {
		if m.ID != nil && *m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, m := range s.log {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

// indexInWindow 同一发送者、相同内容且时间接近的消息
func (s *Store) indexInWindow(m *model.Message) int {
	for i, e := range s.log {
		if e.Synthetic || e.IsAutomated != m.IsAutomated || e.Body != m.Body || !e.SameSender(m) {
			continue
		}
		ref, ok := e.ReferenceTime()
		if !ok {
			continue
		}
		d := ref.Sub(*m.SentAt)
		if d < 0 {
			d = -d
		}
		if d <= DedupWindow {
			return i
		}
	}
	return -1
}

// oldestEcho 最早一条内容相同、尚未确认的回显
func (s *Store) oldestEcho(body string) int {
	for i, e := range s.log {
		if e.HasID() || e.Synthetic || e.Body != body {
			continue
		}
		if e.Status == model.DeliveryPending || e.Status == model.DeliveryFailed {
			return i
		}
	}
	return -1
}

// sortBatch 按 SentAt 升序；整批都没有 SentAt 时按 ID 升序
func sortBatch(batch []*model.Message) {
	timed := false
	for _, m := range batch {
		if m.SentAt != nil {
			timed = true
			break
		}
	}

	if timed {
		sort.SliceStable(batch, func(a, b int) bool {
			x, y := batch[a].SentAt, batch[b].SentAt
			switch {
			case x == nil:
				return false
			case y == nil:
				return true
			}
			return x.Before(*y)
		})
		return
	}

	sort.SliceStable(batch, func(a, b int) bool {
		x, y := batch[a].ID, batch[b].ID
		switch {
		case x == nil:
			return false
		case y == nil:
			return true
		}
		return *x < *y
	})
}
