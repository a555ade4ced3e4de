package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GlassRelay/internal/config"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/protocol"
	"GlassRelay/internal/registry"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		MaxConnections:   2,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
		ReadIdleTimeout:  10 * time.Second,
	}
}

func startGateway(t *testing.T) (*Gateway, *registry.Registry, string) {
	t.Helper()

	reg := registry.New()
	store := overlay.NewStore()
	gateway := New(testGatewayConfig(), reg, store)

	srv := httptest.NewServer(http.HandlerFunc(gateway.HandleWS))
	t.Cleanup(func() {
		gateway.Shutdown()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return gateway, reg, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendHello(t *testing.T, ws *websocket.Conn, sessionID, userID string) protocol.HelloResp {
	t.Helper()

	frame, err := protocol.EncodeMessage(protocol.OpHelloReq, protocol.HelloReq{
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  "test-glass",
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	opcode, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.OpHelloResp, opcode)

	var resp protocol.HelloResp
	require.NoError(t, protocol.DecodeBody(body, &resp))
	return resp
}

// TestHelloRegistersSession 测试握手成功后会话进入注册表
// 并立即收到一帧画面
func TestHelloRegistersSession(t *testing.T) {
	_, reg, url := startGateway(t)

	ws := dial(t, url)
	resp := sendHello(t, ws, "s1", "alice")

	require.True(t, resp.Ok)
	assert.Equal(t, "s1", resp.SessionID)
	assert.NotZero(t, resp.ServerTime)

	session, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", session.UserID)
	require.NotNil(t, session.Transport())

	// 接入即推的占位画面
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	opcode, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpRenderPush, opcode)

	var push protocol.RenderPush
	require.NoError(t, protocol.DecodeBody(body, &push))
	assert.Contains(t, push.Text, "waiting for data")
}

// TestHelloAssignsSessionID 测试设备未带会话id时由服务端分配
func TestHelloAssignsSessionID(t *testing.T) {
	_, reg, url := startGateway(t)

	ws := dial(t, url)
	resp := sendHello(t, ws, "", "alice")

	require.True(t, resp.Ok)
	require.NotEmpty(t, resp.SessionID)

	_, ok := reg.Get(resp.SessionID)
	assert.True(t, ok)
}

// TestHelloRejectsMissingUser 测试缺少用户id的握手被拒绝
func TestHelloRejectsMissingUser(t *testing.T) {
	_, reg, url := startGateway(t)

	ws := dial(t, url)
	resp := sendHello(t, ws, "s1", "")

	assert.False(t, resp.Ok)
	assert.Contains(t, resp.Reason, "user_id")

	_, ok := reg.Get("s1")
	assert.False(t, ok)
}

// TestMaxConnections 测试连接数达到上限后拒绝升级
func TestMaxConnections(t *testing.T) {
	_, _, url := startGateway(t)

	first := dial(t, url)
	sendHello(t, first, "s1", "alice")
	second := dial(t, url)
	sendHello(t, second, "s2", "bob")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestHeartbeatRoundTrip 测试心跳往返
func TestHeartbeatRoundTrip(t *testing.T) {
	_, _, url := startGateway(t)

	ws := dial(t, url)
	sendHello(t, ws, "s1", "alice")

	// 跳过接入时推送的画面帧
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.NoError(t, err)

	frame, err := protocol.EncodeMessage(protocol.OpHeartbeat, protocol.Heartbeat{
		ClientUnixMs: time.Now().UnixMilli(),
		PingSeq:      7,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	opcode, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.OpHeartbeatResp, opcode)

	var hb protocol.HeartbeatResp
	require.NoError(t, protocol.DecodeBody(body, &hb))
	assert.Equal(t, int32(7), hb.PingSeq)
	assert.NotZero(t, hb.ServerUnixMs)
}

// TestEvictClosesConnection 测试注册表驱逐会话时通道被关闭
func TestEvictClosesConnection(t *testing.T) {
	_, reg, url := startGateway(t)

	ws := dial(t, url)
	sendHello(t, ws, "s1", "alice")

	reg.Unregister("s1")

	// 通道收到关闭帧后读取失败
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	_, ok := reg.Get("s1")
	assert.False(t, ok)
}
