// Package render 把叠加层状态快照排成定宽显示文本。
// 输入是存储交出的深拷贝快照，渲染不持有任何共享状态。
package render

import (
	"fmt"
	"strings"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/overlay"
)

// 显示硬件为定宽字符布局
const LineWidth = 28

// NoDataMessage 尚无任何片段数据时的占位画面
const NoDataMessage = "-- waiting for data --"

// Overlay 渲染完整叠加层画面。三个片段独立成行，缺失的片段跳过。
func Overlay(state overlay.State) string {
	if !state.HasData() {
		return NoDataMessage
	}

	var lines []string

	if h := state.Hearing; h != nil {
		lines = append(lines, clip(fmt.Sprintf("%s %.0fdB %s", riskGlyph(h.RiskLevel), h.Db, trendGlyph(h.Trend))))
		if h.RiskLevel != overlay.RiskSafe {
			lines = append(lines, clip(fmt.Sprintf("safe time: %.0f min", h.SafeTimeLeftMin)))
		}
		if h.Suggestion != "" {
			lines = append(lines, clip(h.Suggestion))
		}
	}

	for i, f := range state.Friends {
		if i >= 3 {
			// 屏幕行数有限，最多显示三个好友
			lines = append(lines, clip(fmt.Sprintf("+%d more nearby", len(state.Friends)-3)))
			break
		}
		lines = append(lines, clip(fmt.Sprintf("%s %s %s", f.Name, bandGlyph(f.DistanceBand), hintGlyph(f.Hint))))
	}

	if s := state.Song; s != nil {
		lines = append(lines, clip(fmt.Sprintf("♪ %s - %s", s.Title, s.Artist)))
	}

	return strings.Join(lines, "\n")
}

// AlertBanner 渲染安全警报横幅
func AlertBanner(event alerts.Event) string {
	head := fmt.Sprintf("!! ALERT from %s", event.OriginUserID)
	body := event.Message
	if event.TriggerWord != "" {
		body = fmt.Sprintf("[%s] %s", event.TriggerWord, event.Message)
	}
	return clip(head) + "\n" + clip(body)
}

// AlertConfirmation 渲染发起方的本地确认画面（直推，不入队）
func AlertConfirmation(event alerts.Event, deliveredTo int) string {
	return clip(fmt.Sprintf("alert sent to %d nearby", deliveredTo))
}

func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= LineWidth {
		return s
	}
	return string(runes[:LineWidth-1]) + "…"
}

func riskGlyph(level string) string {
	switch level {
	case overlay.RiskRisk:
		return "●"
	case overlay.RiskCaution:
		return "◐"
	default:
		return "○"
	}
}

func trendGlyph(trend string) string {
	switch trend {
	case overlay.TrendRising:
		return "↑"
	case overlay.TrendFalling:
		return "↓"
	default:
		return "→"
	}
}

func bandGlyph(band string) string {
	switch band {
	case overlay.BandImmediate:
		return "▮▮▮"
	case overlay.BandNear:
		return "▮▮"
	case overlay.BandWeak:
		return "▯"
	default:
		return "▮"
	}
}

func hintGlyph(hint string) string {
	switch hint {
	case overlay.HintLeft:
		return "←"
	case overlay.HintRight:
		return "→"
	case overlay.HintAhead:
		return "↑"
	case overlay.HintBehind:
		return "↓"
	default:
		return "?"
	}
}
