package overlay

import (
	"sync"
	"time"
)

// SessionSummary GET /session/list 返回的会话概要
type SessionSummary struct {
	SessionID   string    `json:"sessionId"`
	HasHearing  bool      `json:"hasHearing"`
	FriendCount int       `json:"friendCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// sessionState 单个会话的状态条目，持有自己的锁
type sessionState struct {
	mu    sync.Mutex
	state State
}

// Store 按会话分键的叠加层状态存储。
// 每个会话条目有独立的锁，不同会话的更新互不串行化。
type Store struct {
	entries sync.Map // map[string]*sessionState
	nowFn   func() time.Time
}

// NewStore 创建叠加层状态存储
func NewStore() *Store {
	return &Store{nowFn: time.Now}
}

// SetClock 替换时钟，仅用于测试
func (s *Store) SetClock(now func() time.Time) {
	s.nowFn = now
}

func (s *Store) entry(sessionID string) *sessionState {
	if v, ok := s.entries.Load(sessionID); ok {
		return v.(*sessionState)
	}
	v, _ := s.entries.LoadOrStore(sessionID, &sessionState{
		state: State{SessionID: sessionID},
	})
	return v.(*sessionState)
}

// Apply 将一个片段合并进会话状态，会话不存在时先创建空状态。
// 返回合并后的完整状态快照（深拷贝），可以在锁外交给渲染器。
func (s *Store) Apply(sessionID string, fragment Fragment) (State, error) {
	if sessionID == "" {
		return State{}, ErrMissingSessionID
	}
	if err := fragment.Validate(); err != nil {
		return State{}, err
	}

	e := s.entry(sessionID)
	e.mu.Lock()
	fragment.apply(&e.state, s.nowFn())
	snapshot := e.state.clone()
	e.mu.Unlock()

	return snapshot, nil
}

// Snapshot 返回会话当前完整状态的深拷贝。
// 会话不存在或尚无数据时第二个返回值为false（"no data yet"哨兵）。
func (s *Store) Snapshot(sessionID string) (State, bool) {
	v, ok := s.entries.Load(sessionID)
	if !ok {
		return State{SessionID: sessionID}, false
	}

	e := v.(*sessionState)
	e.mu.Lock()
	snapshot := e.state.clone()
	e.mu.Unlock()

	return snapshot, snapshot.HasData()
}

// Drop 丢弃会话状态，在会话注销时调用
func (s *Store) Drop(sessionID string) {
	s.entries.Delete(sessionID)
}

// Count 返回当前持有状态的会话数
func (s *Store) Count() int {
	count := 0
	s.entries.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// Summaries 返回所有会话的概要，供会话列表接口使用
func (s *Store) Summaries() []SessionSummary {
	var out []SessionSummary
	s.entries.Range(func(key, value interface{}) bool {
		e := value.(*sessionState)
		e.mu.Lock()
		out = append(out, SessionSummary{
			SessionID:   e.state.SessionID,
			HasHearing:  e.state.Hearing != nil,
			FriendCount: len(e.state.Friends),
			UpdatedAt:   e.state.UpdatedAt,
		})
		e.mu.Unlock()
		return true
	})
	return out
}
