package overlay

import (
	"errors"
	"fmt"
	"time"
)

// 听力风险等级
const (
	RiskSafe    = "safe"
	RiskCaution = "caution"
	RiskRisk    = "risk"
)

// 噪声趋势
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendSteady  = "steady"
)

// 好友距离分档
const (
	BandImmediate = "IMMEDIATE"
	BandNear      = "NEAR"
	BandArea      = "AREA"
	BandWeak      = "WEAK"
)

// 方向提示
const (
	HintLeft    = "left"
	HintRight   = "right"
	HintAhead   = "ahead"
	HintBehind  = "behind"
	HintUnknown = "unknown"
)

var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrInvalidFragment  = errors.New("invalid fragment")
)

// HearingState 听力暴露片段
type HearingState struct {
	Db              float64   `json:"db"`
	RiskLevel       string    `json:"risk_level"`
	SafeTimeLeftMin float64   `json:"safe_time_left_min"`
	Trend           string    `json:"trend"`
	Suggestion      string    `json:"suggestion"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Friend 附近好友条目
type Friend struct {
	Name           string    `json:"name"`
	DistanceBand   string    `json:"distance_band"`
	Hint           string    `json:"hint"`
	Confidence     float64   `json:"confidence"`
	DistanceMeters float64   `json:"distance_meters,omitempty"`
	Rssi           float64   `json:"rssi,omitempty"`
	AzimuthDeg     float64   `json:"azimuth_deg,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SongState 歌曲识别片段
type SongState struct {
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Provider   string    `json:"provider"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// State 一个会话的完整叠加层状态，三个片段互相独立
type State struct {
	SessionID string        `json:"session_id"`
	Hearing   *HearingState `json:"hearing,omitempty"`
	Friends   []Friend      `json:"friends,omitempty"`
	Song      *SongState    `json:"song,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HasData 判断是否已有任意片段数据
func (s *State) HasData() bool {
	return s.Hearing != nil || len(s.Friends) > 0 || s.Song != nil
}

// clone 深拷贝，快照交给渲染器后不受后续写入影响
func (s *State) clone() State {
	out := State{
		SessionID: s.SessionID,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Hearing != nil {
		h := *s.Hearing
		out.Hearing = &h
	}
	if len(s.Friends) > 0 {
		out.Friends = make([]Friend, len(s.Friends))
		copy(out.Friends, s.Friends)
	}
	if s.Song != nil {
		sg := *s.Song
		out.Song = &sg
	}
	return out
}

// Fragment 标签联合：一次更新恰好携带一个片段，
// 合并时只覆盖自己的片段，绝不清空其他两个
type Fragment interface {
	apply(state *State, now time.Time)
	Validate() error
}

// HearingFragment 听力片段更新
type HearingFragment struct {
	Db              float64
	RiskLevel       string
	SafeTimeLeftMin float64
	Trend           string
	Suggestion      string
}

func (f HearingFragment) apply(state *State, now time.Time) {
	state.Hearing = &HearingState{
		Db:              f.Db,
		RiskLevel:       f.RiskLevel,
		SafeTimeLeftMin: f.SafeTimeLeftMin,
		Trend:           f.Trend,
		Suggestion:      f.Suggestion,
		UpdatedAt:       now,
	}
	state.UpdatedAt = now
}

// Validate 校验听力片段，非法时整体拒绝，不做部分写入
func (f HearingFragment) Validate() error {
	switch f.RiskLevel {
	case RiskSafe, RiskCaution, RiskRisk:
	default:
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidFragment, f.RiskLevel)
	}
	switch f.Trend {
	case TrendRising, TrendFalling, TrendSteady:
	default:
		return fmt.Errorf("%w: unknown trend %q", ErrInvalidFragment, f.Trend)
	}
	if f.Db < 0 || f.Db > 194 {
		return fmt.Errorf("%w: db reading %.1f out of range", ErrInvalidFragment, f.Db)
	}
	if f.SafeTimeLeftMin < 0 {
		return fmt.Errorf("%w: negative safe time", ErrInvalidFragment)
	}
	return nil
}

// FriendsFragment 好友列表片段更新（整表覆盖，保持输入顺序）
type FriendsFragment struct {
	Friends []Friend
}

func (f FriendsFragment) apply(state *State, now time.Time) {
	friends := make([]Friend, len(f.Friends))
	copy(friends, f.Friends)
	for i := range friends {
		friends[i].UpdatedAt = now
	}
	state.Friends = friends
	state.UpdatedAt = now
}

// Validate 校验好友片段，未知的距离分档和方向在Normalize中兜底
func (f FriendsFragment) Validate() error {
	for i, fr := range f.Friends {
		if fr.Name == "" {
			return fmt.Errorf("%w: friend %d has empty name", ErrInvalidFragment, i)
		}
		if fr.Confidence < 0 || fr.Confidence > 1 {
			return fmt.Errorf("%w: friend %q confidence %.2f out of [0,1]",
				ErrInvalidFragment, fr.Name, fr.Confidence)
		}
	}
	return nil
}

// Normalize 将无法识别的枚举值归一化：距离分档→AREA，方向→unknown
func (f *FriendsFragment) Normalize() {
	for i := range f.Friends {
		switch f.Friends[i].DistanceBand {
		case BandImmediate, BandNear, BandArea, BandWeak:
		default:
			f.Friends[i].DistanceBand = BandArea
		}
		switch f.Friends[i].Hint {
		case HintLeft, HintRight, HintAhead, HintBehind, HintUnknown:
		default:
			f.Friends[i].Hint = HintUnknown
		}
	}
}

// SongFragment 歌曲识别片段更新
type SongFragment struct {
	Title      string
	Artist     string
	Provider   string
	Confidence float64
}

func (f SongFragment) apply(state *State, now time.Time) {
	state.Song = &SongState{
		Title:      f.Title,
		Artist:     f.Artist,
		Provider:   f.Provider,
		Confidence: f.Confidence,
		UpdatedAt:  now,
	}
	state.UpdatedAt = now
}

// Validate 校验歌曲片段
func (f SongFragment) Validate() error {
	if f.Title == "" {
		return fmt.Errorf("%w: empty song title", ErrInvalidFragment)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: song confidence %.2f out of [0,1]", ErrInvalidFragment, f.Confidence)
	}
	return nil
}
