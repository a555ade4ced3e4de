package registry

import (
	"sync"
	"time"
)

// Transport 会话的活跃显示通道句柄。
// 推送失败视为通道已死，由调用方决定是否注销会话。
type Transport interface {
	PushRender(text string) error
}

// Session 一个已接入的设备/显示配对
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	transport   Transport
}

// Transport 返回会话的显示通道句柄，可能为nil（纯HTTP会话）
func (s *Session) Transport() Transport {
	return s.transport
}

// EvictFunc 会话注销时触发的清理回调（用于丢弃叠加层状态；
// 警报队列不在此清理，断线的设备重连后还要轮询到积压的警报）
type EvictFunc func(sessionID string)

// Registry 活跃会话注册表。其他组件只按id弱引用会话，
// 使用前必须检查存在性，不得缓存*Session。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onEvict  []EvictFunc
	nowFn    func() time.Time
}

// New 创建会话注册表
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		nowFn:    time.Now,
	}
}

// OnEvict 注册注销清理回调，须在接入流量前完成
func (r *Registry) OnEvict(fn EvictFunc) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// Register 登记会话。同id重复登记时新传输句柄覆盖旧的。
func (r *Registry) Register(sessionID, userID string, transport Transport) *Session {
	session := &Session{
		ID:          sessionID,
		UserID:      userID,
		ConnectedAt: r.nowFn(),
		transport:   transport,
	}

	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	return session
}

// Unregister 注销会话并触发清理回调。
// 对同一会话，Unregister之后的Get必须返回不存在。
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	callbacks := r.onEvict
	r.mu.Unlock()

	if !existed {
		return
	}
	// 回调在锁外执行，避免清理路径持锁做额外工作
	for _, fn := range callbacks {
		fn(sessionID)
	}
}

// Get 按id查找会话
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return session, ok
}

// AllIDs 返回当前所有会话id的快照
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}

// Count 返回当前会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}
