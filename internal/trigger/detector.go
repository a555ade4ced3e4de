// Package trigger 实现关键词触发检测：从转写文本里找出
// 安全触发词，命中时产出一条警报事件。
package trigger

import (
	"strings"

	"GlassRelay/internal/alerts"
)

// DefaultKeywords 默认触发词表
var DefaultKeywords = []string{"help", "danger", "fire", "emergency"}

// Detector 关键词检测器
type Detector struct {
	keywords []string
}

// NewDetector 创建检测器，词表为空时使用默认词表
func NewDetector(keywords []string) *Detector {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(strings.TrimSpace(k))
	}
	return &Detector{keywords: lowered}
}

// CheckForTriggers 在文本中检索触发词，命中返回警报事件，否则返回nil。
// 按词边界匹配，大小写不敏感，返回第一个命中的触发词。
func (d *Detector) CheckForTriggers(text, sessionID, userID string) *alerts.Event {
	word := d.Match(text)
	if word == "" {
		return nil
	}
	event := alerts.NewEvent(sessionID, userID, word, text)
	return &event
}

// Match 返回文本中第一个命中的触发词，无命中返回空串
func (d *Detector) Match(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, f := range fields {
		for _, k := range d.keywords {
			if f == k {
				return k
			}
		}
	}
	return ""
}
