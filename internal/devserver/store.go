package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"roomchat/internal/model"
)

// 存储层错误
var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrPasswordWrong   = errors.New("password wrong")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
)

// 角色
const (
	RoleStudent = "student"
	RoleStaff   = "staff"
)

// 会话类型
const (
	KindAssistant = "assistant"
	KindStaff     = "staff"
)

// User 开发服务器的用户
type User struct {
	ID           int64
	Username     string
	Role         string
	PasswordHash []byte
}

// Owner 会话归属：登录用户或匿名访客
type Owner struct {
	UserID  int64
	GuestID string
}

// IsZero 既没有用户也没有访客标识
func (o Owner) IsZero() bool {
	return o.UserID == 0 && o.GuestID == ""
}

// Store 内存存储
// 只用于本地开发和测试，重启后数据丢失
type Store struct {
	mu sync.RWMutex

	nextUserID    int64
	nextSessionID int64
	nextMessageID int64

	users    map[string]*User
	sessions map[int64]*model.Session
	guests   map[int64]string // 会话 ID → 访客标识
	messages map[int64][]*model.Message

	now func() time.Time
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*User),
		sessions: make(map[int64]*model.Session),
		guests:   make(map[int64]string),
		messages: make(map[int64][]*model.Message),
		now:      time.Now,
	}
}

// AddUser 添加用户，密码使用 bcrypt 哈希
func (s *Store) AddUser(username, password, role string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := s.users[key]; ok {
		return nil, ErrUserExists
	}
	s.nextUserID++
	u := &User{ID: s.nextUserID, Username: username, Role: role, PasswordHash: hash}
	s.users[key] = u
	return u, nil
}

// Authenticate 校验用户名和密码
func (s *Store) Authenticate(username, password string) (*User, error) {
	s.mu.RLock()
	u, ok := s.users[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrPasswordWrong
	}
	return u, nil
}

// CreateSession 创建会话
// 同一归属下之前进行中的同类会话被标记为已取代
func (s *Store) CreateSession(kind string, owner Owner) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.Kind == kind && sess.IsActive() && s.ownedBy(id, sess, owner) {
			sess.Superseded = true
		}
	}

	s.nextSessionID++
	sess := &model.Session{
		ID:        s.nextSessionID,
		Kind:      kind,
		Mode:      model.ModeFromKind(kind),
		OwnerID:   owner.UserID,
		StartedAt: s.now(),
	}
	s.sessions[sess.ID] = sess
	if owner.UserID == 0 {
		s.guests[sess.ID] = owner.GuestID
	}
	c := *sess
	return &c
}

// Latest 归属下最近开始的某类会话
func (s *Store) Latest(kind string, owner Owner) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Session
	for id, sess := range s.sessions {
		if sess.Kind != kind || !s.ownedBy(id, sess, owner) {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) ||
			(sess.StartedAt.Equal(latest.StartedAt) && sess.ID > latest.ID) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, false
	}
	c := *latest
	return &c, true
}

// ListStaff 人工会话列表；工作人员可以看到全部
func (s *Store) ListStaff(user *User) []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Session, 0)
	for _, sess := range s.sessions {
		if sess.Kind != KindStaff {
			continue
		}
		if user.Role != RoleStaff && sess.OwnerID != user.ID {
			continue
		}
		c := *sess
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Session 按 ID 获取会话
func (s *Store) Session(id int64) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *sess
	return &c, nil
}

// CanAccess 归属者可以访问；人工会话还允许工作人员访问
func (s *Store) CanAccess(id int64, owner Owner, role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	if sess.Kind == KindStaff && role == RoleStaff && owner.UserID != 0 {
		return true
	}
	return s.ownedBy(id, sess, owner)
}

// AddMessage 保存消息并刷新会话摘要
// 时间戳在同一会话内严格递增
func (s *Store) AddMessage(msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.EndedAt != nil {
		return nil, ErrSessionEnded
	}

	at := s.now()
	if list := s.messages[sess.ID]; len(list) > 0 {
		if last := *list[len(list)-1].SentAt; !at.After(last) {
			at = last.Add(time.Millisecond)
		}
	}

	s.nextMessageID++
	id := s.nextMessageID
	m := msg.Clone()
	m.ID = &id
	m.SentAt = &at
	s.messages[sess.ID] = append(s.messages[sess.ID], m)
	sess.Touch(m)

	return m.Clone(), nil
}

// AssignStaff 记录接待的工作人员
func (s *Store) AssignStaff(sessionID, staffID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.AssignedStaffID == nil {
		id := staffID
		sess.AssignedStaffID = &id
	}
}

// EndSession 结束会话
func (s *Store) EndSession(sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.EndedAt == nil {
		at := s.now()
		sess.EndedAt = &at
	}
	return nil
}

// Messages 分页获取消息
// 第 1 页是最新的 pageSize 条，每页内部按时间升序
func (s *Store) Messages(sessionID int64, page, pageSize int) ([]*model.Message, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[sessionID]
	total := len(all)
	end := total - (page-1)*pageSize
	if end <= 0 {
		return []*model.Message{}, int64(total), false
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}

	out := make([]*model.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, m.Clone())
	}
	return out, int64(total), start > 0
}

// Participants 需要收到推送的用户
func (s *Store) Participants(sessionID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	var ids []int64
	if sess.OwnerID != 0 {
		ids = append(ids, sess.OwnerID)
	}
	if sess.AssignedStaffID != nil && *sess.AssignedStaffID != sess.OwnerID {
		ids = append(ids, *sess.AssignedStaffID)
	}
	return ids
}

func (s *Store) ownedBy(id int64, sess *model.Session, owner Owner) bool {
	if owner.UserID != 0 {
		return sess.OwnerID == owner.UserID
	}
	return sess.OwnerID == 0 && owner.GuestID != "" && s.guests[id] == owner.GuestID
}
