package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMatchWordBoundary 测试按词边界匹配，大小写不敏感
func TestMatchWordBoundary(t *testing.T) {
	d := NewDetector(nil)

	assert.Equal(t, "help", d.Match("HELP me please"))
	assert.Equal(t, "fire", d.Match("there's a fire!"))
	assert.Equal(t, "danger", d.Match("danger,danger"))

	// 子串不算命中
	assert.Empty(t, d.Match("helpful information"))
	assert.Empty(t, d.Match("endangered species"))
	assert.Empty(t, d.Match("all quiet here"))
	assert.Empty(t, d.Match(""))
}

// TestCustomKeywords 测试自定义词表覆盖默认词表
func TestCustomKeywords(t *testing.T) {
	d := NewDetector([]string{"banana", " Mayday "})

	assert.Equal(t, "banana", d.Match("say banana twice"))
	assert.Equal(t, "mayday", d.Match("MAYDAY mayday"))
	assert.Empty(t, d.Match("help")) // 默认词表已被覆盖
}

// TestCheckForTriggers 测试命中时产出警报事件
func TestCheckForTriggers(t *testing.T) {
	d := NewDetector(nil)

	event := d.CheckForTriggers("someone shouted help nearby", "s1", "alice")
	require.NotNil(t, event)
	assert.Equal(t, "s1", event.OriginSessionID)
	assert.Equal(t, "alice", event.OriginUserID)
	assert.Equal(t, "help", event.TriggerWord)
	assert.Equal(t, "someone shouted help nearby", event.Message)
	assert.NotZero(t, event.Timestamp)

	assert.Nil(t, d.CheckForTriggers("nothing to report", "s1", "alice"))
}
