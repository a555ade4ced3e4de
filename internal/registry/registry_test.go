package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 测试用显示通道
type fakeTransport struct {
	pushed []string
	fail   bool
}

func (f *fakeTransport) PushRender(text string) error {
	if f.fail {
		return errors.New("transport closed")
	}
	f.pushed = append(f.pushed, text)
	return nil
}

// TestRegisterAndGet 测试登记和按id查找
func TestRegisterAndGet(t *testing.T) {
	reg := New()

	transport := &fakeTransport{}
	session := reg.Register("s1", "alice", transport)
	require.NotNil(t, session)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, "alice", session.UserID)
	assert.False(t, session.ConnectedAt.IsZero())

	got, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.Equal(t, 1, reg.Count())

	_, ok = reg.Get("s2")
	assert.False(t, ok)
}

// TestUnregisterLinearizable 测试注销后查找必须返回不存在
func TestUnregisterLinearizable(t *testing.T) {
	reg := New()
	reg.Register("s1", "alice", nil)

	reg.Unregister("s1")
	_, ok := reg.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

// TestEvictCallbackFiresOnce 测试清理回调只在会话确实存在时触发
func TestEvictCallbackFiresOnce(t *testing.T) {
	reg := New()

	var evicted []string
	reg.OnEvict(func(sessionID string) {
		evicted = append(evicted, sessionID)
	})

	reg.Register("s1", "alice", nil)
	reg.Unregister("s1")
	require.Equal(t, []string{"s1"}, evicted)

	// 重复注销和注销未知会话都不触发
	reg.Unregister("s1")
	reg.Unregister("ghost")
	assert.Equal(t, []string{"s1"}, evicted)
}

// TestReRegisterReplacesTransport 测试同id重复登记覆盖传输句柄
func TestReRegisterReplacesTransport(t *testing.T) {
	reg := New()

	old := &fakeTransport{fail: true}
	reg.Register("s1", "alice", old)

	fresh := &fakeTransport{}
	reg.Register("s1", "alice", fresh)

	session, ok := reg.Get("s1")
	require.True(t, ok)
	require.NoError(t, session.Transport().PushRender("hello"))
	assert.Equal(t, []string{"hello"}, fresh.pushed)
	assert.Equal(t, 1, reg.Count())
}

// TestAllIDs 测试id快照
func TestAllIDs(t *testing.T) {
	reg := New()
	reg.Register("s1", "alice", nil)
	reg.Register("s2", "bob", nil)
	reg.Register("s3", "carol", nil)

	ids := reg.AllIDs()
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, ids)
}
