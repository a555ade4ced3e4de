// Package syncagent 设备侧同步代理：周期推送叠加层片段、
// 双源轮询安全警报并去重限流、本地触发即时发起扇出。
// 只依赖服务端的HTTP接口。
package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/config"
	"GlassRelay/internal/trigger"
)

// ErrNotConfigured 缺少服务地址或会话选择，不重试，
// 以状态字符串的形式暴露给上层
var ErrNotConfigured = errors.New("agent not configured")

// HearingSample 本地声学暴露估计的一次采样
type HearingSample struct {
	Db              float64
	RiskLevel       string
	SafeTimeLeftMin float64
	Trend           string
	Suggestion      string
}

// FriendSample 本地邻近估计的一个好友条目
type FriendSample struct {
	Name           string
	DistanceBand   string
	Hint           string
	Confidence     float64
	DistanceMeters float64
}

// HearingProvider 声学暴露估计（核心之外的生产者）
type HearingProvider interface {
	CurrentHearing() (HearingSample, bool)
}

// FriendsProvider 邻近估计（核心之外的生产者）
type FriendsProvider interface {
	CurrentFriends() ([]FriendSample, bool)
}

// TriggerSource 本地转写/传感器文本源（核心之外的生产者）
type TriggerSource interface {
	NextText() (string, bool)
}

// Notifier 本地通知出口
type Notifier interface {
	Notify(title, body string)
}

// Agent 设备同步代理。三个独立调度循环共享的可变状态只有
// 已见去重键集合与冷却时间戳。
type Agent struct {
	cfg       config.AgentConfig
	sessionID string
	userID    string

	hearing  HearingProvider
	friends  FriendsProvider
	source   TriggerSource
	notifier Notifier
	detector *trigger.Detector

	client *http.Client

	// 已见去重键：容量固定，溢出时淘汰最旧的
	seen *lru.Cache[string, struct{}]

	// 冷却门：ready → (成功后) cooling-down → (到期) ready。
	// 失败的发送不启动冷却，下次触发可立即重试。
	cooldownMu  sync.Mutex
	lastFanout  time.Time
	fanoutCount atomic.Int64

	// 快速推送模式（活动场景）
	eventMode atomic.Bool

	// 状态字符串：失败不抛出，显示为简短状态
	statusMu sync.Mutex
	status   string

	// 生命周期
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New 创建同步代理
func New(cfg config.AgentConfig, sessionID, userID string,
	hearing HearingProvider, friends FriendsProvider,
	source TriggerSource, notifier Notifier) (*Agent, error) {

	seen, err := lru.New[string, struct{}](cfg.SeenKeyCapacity)
	if err != nil {
		return nil, fmt.Errorf("create seen-key cache failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Agent{
		cfg:       cfg,
		sessionID: sessionID,
		userID:    userID,
		hearing:   hearing,
		friends:   friends,
		source:    source,
		notifier:  notifier,
		detector:  trigger.NewDetector(cfg.TriggerKeywords),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		seen:      seen,
		ctx:       ctx,
		cancel:    cancel,
		status:    "idle",
	}, nil
}

// Start 启动三个调度循环。未配置服务地址或会话时拒绝启动。
func (a *Agent) Start() error {
	if a.cfg.BaseURL == "" || a.sessionID == "" {
		a.setStatus("not configured")
		return ErrNotConfigured
	}
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("agent is already running")
	}

	log.Printf("Sync agent starting: session=%s base_url=%s", a.sessionID, a.cfg.BaseURL)

	a.wg.Add(3)
	go a.overlayPushLoop()
	go a.safetyPollLoop()
	go a.triggerScanLoop()

	a.setStatus("running")
	return nil
}

// Stop 取消所有循环并等待退出。循环只会在迭代间隙和
// 网络调用的超时点被打断，重试序列在两次尝试之间中止。
func (a *Agent) Stop() {
	a.cancel()
	a.wg.Wait()
	a.setStatus("stopped")
}

// SetEventMode 切换活动模式（更快的推送节奏）
func (a *Agent) SetEventMode(on bool) {
	a.eventMode.Store(on)
}

// Status 返回当前简短状态
func (a *Agent) Status() string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s string) {
	a.statusMu.Lock()
	a.status = s
	a.statusMu.Unlock()
}

// pushInterval 当前推送间隔：活动模式用更快的节奏
func (a *Agent) pushInterval() time.Duration {
	if a.eventMode.Load() {
		return a.cfg.EventPushInterval
	}
	return a.cfg.PushInterval
}

// overlayPushLoop 叠加层推送循环。每个tick用最新采样发送，
// 本tick发送失败重试耗尽后静默放弃，过期数据不排队重发。
func (a *Agent) overlayPushLoop() {
	defer a.wg.Done()

	timer := time.NewTimer(a.pushInterval())
	defer timer.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
			a.pushOverlayOnce()
			timer.Reset(a.pushInterval())
		}
	}
}

// pushOverlayOnce 推送当前的听力与好友片段
func (a *Agent) pushOverlayOnce() {
	if sample, ok := a.hearing.CurrentHearing(); ok {
		payload := map[string]interface{}{
			"sessionId":       a.sessionID,
			"db":              sample.Db,
			"riskLevel":       sample.RiskLevel,
			"safeTimeLeftMin": sample.SafeTimeLeftMin,
			"trend":           sample.Trend,
			"suggestion":      sample.Suggestion,
		}
		if err := a.withRetry(func(ctx context.Context) error {
			return a.postJSON(ctx, "/overlay/hearing", payload, nil)
		}); err != nil {
			a.setStatus("hearing sync failed")
			log.Printf("Hearing push gave up for this tick: %v", err)
		}
	}

	if samples, ok := a.friends.CurrentFriends(); ok {
		entries := make([]map[string]interface{}, 0, len(samples))
		for _, f := range samples {
			entries = append(entries, map[string]interface{}{
				"name":           f.Name,
				"distanceBand":   f.DistanceBand,
				"hint":           f.Hint,
				"confidence":     f.Confidence,
				"distanceMeters": f.DistanceMeters,
			})
		}
		payload := map[string]interface{}{
			"sessionId": a.sessionID,
			"friends":   entries,
		}
		if err := a.withRetry(func(ctx context.Context) error {
			return a.postJSON(ctx, "/overlay/friends", payload, nil)
		}); err != nil {
			a.setStatus("friends sync failed")
			log.Printf("Friends push gave up for this tick: %v", err)
		}
	}
}

// safetyPollLoop 安全警报轮询循环
func (a *Agent) safetyPollLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

// hasAlertResponse GET /friends/has-safety-alert 响应
type hasAlertResponse struct {
	HasAlert bool          `json:"hasAlert"`
	Alert    *alerts.Event `json:"alert"`
}

// alertListResponse GET /friends/safety-alerts 响应
type alertListResponse struct {
	Alerts []alerts.Event `json:"alerts"`
	Count  int            `json:"count"`
}

// sessionListResponse GET /session/list 响应
type sessionListResponse struct {
	Count    int `json:"count"`
	Sessions []struct {
		SessionID string `json:"sessionId"`
	} `json:"sessions"`
}

// pollOnce 对每个已知会话id执行两路读取（短窗口布尔检查 +
// 长窗口列表），按去重键合并后把未见过的子集交给本地通知。
func (a *Agent) pollOnce() {
	merged := make(map[string]alerts.Event)

	for _, sid := range a.knownSessionIDs() {
		// 短窗口检查
		var has hasAlertResponse
		if err := a.getJSON(a.ctx, "/friends/has-safety-alert?sessionId="+sid, &has); err == nil {
			if has.HasAlert && has.Alert != nil {
				merged[has.Alert.DedupeKey(sid)] = *has.Alert
			}
		}

		// 长窗口列表。同一事件可能在两路都出现，
		// 相同去重键后写覆盖前写，自然坍缩为一条。
		var list alertListResponse
		if err := a.getJSON(a.ctx, "/friends/safety-alerts?sessionId="+sid, &list); err != nil {
			a.setStatus("alert poll failed")
			continue
		}
		for _, e := range list.Alerts {
			merged[e.DedupeKey(sid)] = e
		}
	}

	for key, event := range merged {
		a.deliver(key, event)
	}
}

// knownSessionIDs 返回设备当前已知的会话id集合：
// 自己选定的会话，以及（启用时）服务端名册里的全部会话
func (a *Agent) knownSessionIDs() []string {
	ids := []string{a.sessionID}
	if !a.cfg.UseRoster {
		return ids
	}

	var roster sessionListResponse
	if err := a.getJSON(a.ctx, "/session/list", &roster); err != nil {
		return ids
	}
	for _, s := range roster.Sessions {
		if s.SessionID != a.sessionID {
			ids = append(ids, s.SessionID)
		}
	}
	return ids
}

// deliver 把事件交给本地通知，每个去重键终身只送达一次
// （unseen → delivered，重复到达是空操作）
func (a *Agent) deliver(key string, event alerts.Event) {
	// 自己发起的警报不向自己通知
	if event.OriginSessionID == a.sessionID {
		return
	}
	// Contains不刷新新近度，集合按插入顺序淘汰最旧的键
	if a.seen.Contains(key) {
		return
	}
	a.seen.Add(key, struct{}{})

	title := fmt.Sprintf("Safety alert from %s", event.OriginUserID)
	a.notifier.Notify(title, event.Message)
}

// triggerScanLoop 关键词/暴露扫描循环。独立节奏运行，
// 本地触发不等待下一次轮询tick。
func (a *Agent) triggerScanLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			text, ok := a.source.NextText()
			if !ok {
				continue
			}
			if word := a.detector.Match(text); word != "" {
				a.Originate(word, text)
			}
		}
	}
}

// Originate 本地触发的警报发起。本地通知先于任何网络调用，
// 网络不通用户也能得到反馈；网络扇出受30秒冷却门控，
// 冷却只在发送成功后启动。
func (a *Agent) Originate(triggerWord, message string) {
	// 本地通知每次都发
	a.notifier.Notify("Safety trigger detected", fmt.Sprintf("[%s] %s", triggerWord, message))

	a.cooldownMu.Lock()
	if !a.lastFanout.IsZero() && time.Since(a.lastFanout) < a.cfg.Cooldown {
		a.cooldownMu.Unlock()
		log.Printf("Fan-out skipped: cooling down")
		return
	}
	a.cooldownMu.Unlock()

	payload := map[string]interface{}{
		"sessionId": a.sessionID,
		"message":   message,
		"severity":  "critical",
		"source":    "keyword",
		"keyword":   triggerWord,
	}

	sent := false
	for _, sid := range a.knownSessionIDs() {
		payload["sessionId"] = sid
		err := a.withRetry(func(ctx context.Context) error {
			return a.postJSON(ctx, "/friends/safety-alert", payload, nil)
		})
		if err != nil {
			a.setStatus("alert send failed")
			log.Printf("Alert fan-out to %s failed: %v", sid, err)
			continue
		}
		sent = true
	}

	if sent {
		a.cooldownMu.Lock()
		a.lastFanout = time.Now()
		a.cooldownMu.Unlock()
		a.fanoutCount.Add(1)
		a.setStatus("alert sent")
	}
}

// FanoutCount 成功扇出的次数（测试用）
func (a *Agent) FanoutCount() int64 {
	return a.fanoutCount.Load()
}

// withRetry 把一次发送包进重试助手：失败后按0.5s→1s→2s
// 重试，预算耗尽即放弃。上下文取消只在两次尝试之间生效，
// 不会打断进行中的单次尝试。
func (a *Agent) withRetry(op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.RandomizationFactor = 0
	policy.Multiplier = 2.0
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if err := a.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(a.ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 3), a.ctx))
}

// postJSON 发送JSON请求，非2xx视为错误
func (a *Agent) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return a.do(req, out)
}

// getJSON 读取JSON响应
func (a *Agent) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	return a.do(req, out)
}

func (a *Agent) do(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// 校验类4xx重试也不会通过，直接判永久失败
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
