package alerts

import (
	"fmt"
	"time"
)

// 双窗口设计：同一底层队列被两个读取窗口消费。
// 短窗口服务"现在有没有警报"的布尔检查，长窗口服务近期警报列表。
const (
	ShortWindow = 30 * time.Second
	LongWindow  = 300 * time.Second
)

// Event 一条离散的安全警报事件，创建后不可变
type Event struct {
	OriginSessionID string `json:"originSessionId"`
	OriginUserID    string `json:"originUserId"`
	TriggerWord     string `json:"triggerWord,omitempty"`
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"` // epoch ms
}

// NewEvent 创建警报事件，时间戳取当前毫秒
func NewEvent(originSessionID, originUserID, triggerWord, message string) Event {
	return Event{
		OriginSessionID: originSessionID,
		OriginUserID:    originUserID,
		TriggerWord:     triggerWord,
		Message:         message,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// DedupeKey 去重键：同一接收方看到相同键的两条事件是同一次逻辑发生，
// 不得重复送达
func (e Event) DedupeKey(targetSessionID string) string {
	return fmt.Sprintf("%s|%s|%s|%d", targetSessionID, e.OriginUserID, e.TriggerWord, e.Timestamp)
}

// Age 事件距今的时长
func (e Event) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}
