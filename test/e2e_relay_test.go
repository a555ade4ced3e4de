package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/broadcast"
	"GlassRelay/internal/config"
	"GlassRelay/internal/displayclient"
	"GlassRelay/internal/httpapi"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/protocol"
	"GlassRelay/internal/registry"
	"GlassRelay/internal/wsgateway"
)

// relayStack 一套完整的中继服务，监听回环地址
type relayStack struct {
	addr    string
	api     *httpapi.APIServer
	gateway *wsgateway.Gateway
	queue   *alerts.Queue
}

func startRelay(t *testing.T, addr string) *relayStack {
	t.Helper()

	reg := registry.New()
	store := overlay.NewStore()
	queue := alerts.NewQueue()

	reg.OnEvict(func(sessionID string) {
		store.Drop(sessionID)
	})

	broadcaster := broadcast.New(reg, queue)

	gwCfg := config.GatewayConfig{
		MaxConnections:   100,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadIdleTimeout:  30 * time.Second,
	}
	gateway := wsgateway.New(gwCfg, reg, store)

	srvCfg := config.ServerConfig{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	api := httpapi.New(srvCfg, reg, store, queue, broadcaster, gateway.HandleWS)

	go api.Start()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		gateway.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Shutdown(ctx)
	})

	return &relayStack{addr: addr, api: api, gateway: gateway, queue: queue}
}

// frameCollector 收集推到显示端的帧
type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func (f *frameCollector) add(text string) {
	f.mu.Lock()
	f.frames = append(f.frames, text)
	f.mu.Unlock()
}

func (f *frameCollector) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *frameCollector) waitFor(t *testing.T, substr string) string {
	t.Helper()
	var found string
	require.Eventually(t, func() bool {
		for _, frame := range f.snapshot() {
			if strings.Contains(frame, substr) {
				found = frame
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no pushed frame contains %q", substr)
	return found
}

func connectDisplay(t *testing.T, addr, userID string) (*displayclient.Client, *frameCollector) {
	t.Helper()

	collector := &frameCollector{}

	cfg := displayclient.DefaultClientConfig(fmt.Sprintf("ws://127.0.0.1%s/ws", addr), userID)
	client := displayclient.New(cfg)
	client.SetRenderHandler(func(push protocol.RenderPush) {
		collector.add(push.Text)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	return client, collector
}

func postJSON(t *testing.T, addr, path string, payload map[string]interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1%s%s", addr, path),
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestOverlayPushRendersToDisplay 端到端：HTTP写入叠加层片段，
// WebSocket显示端收到渲染后的画面
func TestOverlayPushRendersToDisplay(t *testing.T) {
	stack := startRelay(t, ":18180")

	client, frames := connectDisplay(t, stack.addr, "alice")
	sessionID := client.SessionID()
	require.NotEmpty(t, sessionID)

	// 接入即收到占位画面
	frames.waitFor(t, "waiting for data")

	resp := postJSON(t, stack.addr, "/overlay/hearing", map[string]interface{}{
		"sessionId":       sessionID,
		"db":              104,
		"riskLevel":       "risk",
		"safeTimeLeftMin": 6,
		"trend":           "rising",
		"suggestion":      "Safer side: left",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frame := frames.waitFor(t, "104dB")
	assert.Contains(t, frame, "safe time: 6 min")
	assert.Contains(t, frame, "Safer side: left")

	// 好友片段合并后听力行仍在
	resp = postJSON(t, stack.addr, "/overlay/friends", map[string]interface{}{
		"sessionId": sessionID,
		"friends": []map[string]interface{}{
			{"name": "bob", "distanceBand": "NEAR", "hint": "left", "confidence": 0.9},
		},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frame = frames.waitFor(t, "bob")
	assert.Contains(t, frame, "104dB")
}

// TestAlertFanOutEndToEnd 端到端：一端发起安全警报，
// 另一端的显示收到横幅，队列接口能取到事件
func TestAlertFanOutEndToEnd(t *testing.T) {
	stack := startRelay(t, ":18181")

	clientA, framesA := connectDisplay(t, stack.addr, "alice")
	clientB, framesB := connectDisplay(t, stack.addr, "bob")

	resp := postJSON(t, stack.addr, "/friends/safety-alert", map[string]interface{}{
		"sessionId": clientA.SessionID(),
		"message":   "need assistance",
		"severity":  "critical",
		"source":    "keyword",
		"keyword":   "help",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Ok             bool `json:"ok"`
		BroadcastCount int  `json:"broadcastCount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Ok)
	assert.Equal(t, 1, body.BroadcastCount)

	// B收到警报横幅，A收到确认画面
	banner := framesB.waitFor(t, "ALERT from alice")
	assert.Contains(t, banner, "help")
	framesA.waitFor(t, "alert sent")

	// B的轮询接口能取到同一事件
	pollURL := fmt.Sprintf("http://127.0.0.1%s/friends/safety-alerts?sessionId=%s",
		stack.addr, clientB.SessionID())
	pollResp, err := http.Get(pollURL)
	require.NoError(t, err)
	defer pollResp.Body.Close()

	var list struct {
		Alerts []alerts.Event `json:"alerts"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "alice", list.Alerts[0].OriginUserID)
	assert.Equal(t, "help", list.Alerts[0].TriggerWord)

	// 发起方的队列绝不回显
	originURL := fmt.Sprintf("http://127.0.0.1%s/friends/safety-alerts?sessionId=%s",
		stack.addr, clientA.SessionID())
	originResp, err := http.Get(originURL)
	require.NoError(t, err)
	defer originResp.Body.Close()

	var originList struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(originResp.Body).Decode(&originList))
	assert.Equal(t, 0, originList.Count)
}

// TestSessionListReflectsOverlay 端到端：会话列表反映叠加层概要
func TestSessionListReflectsOverlay(t *testing.T) {
	stack := startRelay(t, ":18182")

	client, _ := connectDisplay(t, stack.addr, "alice")
	sessionID := client.SessionID()

	postJSON(t, stack.addr, "/overlay/hearing", map[string]interface{}{
		"sessionId":       sessionID,
		"db":              90,
		"riskLevel":       "caution",
		"safeTimeLeftMin": 20,
		"trend":           "steady",
	})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1%s/session/list", stack.addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	var list struct {
		Count    int `json:"count"`
		Sessions []struct {
			SessionID   string `json:"sessionId"`
			HasHearing  bool   `json:"hasHearing"`
			FriendCount int    `json:"friendCount"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, sessionID, list.Sessions[0].SessionID)
	assert.True(t, list.Sessions[0].HasHearing)
	assert.Equal(t, 0, list.Sessions[0].FriendCount)
}

// TestInvalidFragmentRejectedOverHTTP 端到端：非法片段返回400
func TestInvalidFragmentRejectedOverHTTP(t *testing.T) {
	stack := startRelay(t, ":18183")

	client, _ := connectDisplay(t, stack.addr, "alice")

	resp := postJSON(t, stack.addr, "/overlay/hearing", map[string]interface{}{
		"sessionId":       client.SessionID(),
		"db":              300,
		"riskLevel":       "risk",
		"safeTimeLeftMin": 6,
		"trend":           "rising",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 缺失必填数值字段同样拒绝
	resp = postJSON(t, stack.addr, "/overlay/hearing", map[string]interface{}{
		"sessionId": client.SessionID(),
		"riskLevel": "risk",
		"trend":     "rising",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestReconnectKeepsSessionID 端到端：显示端带会话id重连后
// 身份不变，排队中的状态照常推送
func TestReconnectKeepsSessionID(t *testing.T) {
	stack := startRelay(t, ":18184")

	first, _ := connectDisplay(t, stack.addr, "alice")
	sessionID := first.SessionID()
	require.NoError(t, first.Close())

	// 用同一会话id重新接入
	collector := &frameCollector{}
	cfg := displayclient.DefaultClientConfig(
		fmt.Sprintf("ws://127.0.0.1%s/ws", stack.addr), "alice")
	cfg.SessionID = sessionID

	second := displayclient.New(cfg)
	second.SetRenderHandler(func(push protocol.RenderPush) {
		collector.add(push.Text)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Connect(ctx))
	defer second.Close()

	assert.Equal(t, sessionID, second.SessionID())

	resp := postJSON(t, stack.addr, "/overlay/hearing", map[string]interface{}{
		"sessionId":       sessionID,
		"db":              88,
		"riskLevel":       "caution",
		"safeTimeLeftMin": 25,
		"trend":           "falling",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	collector.waitFor(t, "88dB")
}
