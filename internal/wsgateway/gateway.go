// Package wsgateway 实现显示通道：设备端显示SDK通过WebSocket接入，
// 完成握手后登记会话，服务端经由该通道推送渲染文本。
package wsgateway

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GlassRelay/internal/config"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/protocol"
	"GlassRelay/internal/registry"
	"GlassRelay/internal/render"
)

// ConnStats 连接统计信息
type ConnStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesSent        atomic.Uint64
}

// Conn 一条显示通道连接，实现registry.Transport
type Conn struct {
	SessionID string
	UserID    string
	ws        *websocket.Conn
	Stats     *ConnStats

	writeTimeout time.Duration

	stopChan  chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex // 专用于WebSocket写入同步
}

// safeClose 安全关闭连接的stopChan
func (c *Conn) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// PushRender 向显示硬件推送一帧渲染文本
func (c *Conn) PushRender(text string) error {
	push := protocol.RenderPush{
		SessionID: c.SessionID,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	return c.writeMessage(protocol.OpRenderPush, push)
}

// writeMessage 编码并写出一帧
func (c *Conn) writeMessage(opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = c.ws.WriteMessage(websocket.BinaryMessage, frame)
	if err == nil {
		c.Stats.MessagesSent.Add(1)
		c.Stats.BytesSent.Add(uint64(len(frame)))
	}
	return err
}

// Gateway WebSocket显示通道网关
type Gateway struct {
	cfg      config.GatewayConfig
	registry *registry.Registry
	store    *overlay.Store
	upgrader websocket.Upgrader

	// 连接管理
	connections sync.Map // map[string]*Conn，按sessionID
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 控制标志
	forceDisconnect atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
}

// New 创建显示通道网关
func New(cfg config.GatewayConfig, reg *registry.Registry, store *overlay.Store) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
	}

	// 会话被其他路径注销（如广播推送失败驱逐）时，同步关掉通道
	reg.OnEvict(func(sessionID string) {
		if v, ok := g.connections.Load(sessionID); ok {
			g.closeConn(v.(*Conn), "Session evicted")
		}
	})

	return g
}

// HandleWS WebSocket升级入口，挂到HTTP路由的/ws
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.connCount.Load() >= int32(g.cfg.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := &Conn{
		ws:           ws,
		Stats:        &ConnStats{ConnectedAt: time.Now()},
		writeTimeout: g.cfg.WriteTimeout,
		stopChan:     make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())
	g.totalConnections.Add(1)

	// 握手：登记会话之后才进入读循环
	if !g.handleHello(conn) {
		ws.Close()
		return
	}

	g.connections.Store(conn.SessionID, conn)
	g.connCount.Add(1)

	log.Printf("Display connected: session=%s user=%s from %s", conn.SessionID, conn.UserID, r.RemoteAddr)

	g.connWg.Add(1)
	go g.readLoop(conn)
}

// handleHello 处理接入握手：校验身份、分配会话id、登记会话、
// 回发HelloResp并推送当前画面
func (g *Gateway) handleHello(conn *Conn) bool {
	conn.ws.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))

	messageType, rawData, err := conn.ws.ReadMessage()
	if err != nil {
		log.Printf("Read hello failed: %v", err)
		return false
	}
	if messageType != websocket.BinaryMessage {
		log.Printf("Expected binary message for hello")
		return false
	}

	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		log.Printf("Decode hello frame failed: %v", err)
		return false
	}
	if opcode != protocol.OpHelloReq {
		log.Printf("Expected hello request, got opcode: %d", opcode)
		return false
	}

	var hello protocol.HelloReq
	if err := protocol.DecodeBody(body, &hello); err != nil {
		log.Printf("Unmarshal hello failed: %v", err)
		return false
	}

	if hello.UserID == "" {
		conn.writeMessage(protocol.OpHelloResp, protocol.HelloResp{
			Ok:     false,
			Reason: "user_id is required",
		})
		return false
	}

	// 会话id由外部指定，设备未带时由服务端分配
	sessionID := hello.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn.SessionID = sessionID
	conn.UserID = hello.UserID

	g.registry.Register(sessionID, hello.UserID, conn)

	resp := protocol.HelloResp{
		Ok:         true,
		SessionID:  sessionID,
		ServerTime: time.Now().UnixMilli(),
	}
	if err := conn.writeMessage(protocol.OpHelloResp, resp); err != nil {
		log.Printf("Send hello response failed: %v", err)
		g.registry.Unregister(sessionID)
		return false
	}

	// 接入即推一帧当前画面（无数据时为占位画面）
	snapshot, _ := g.store.Snapshot(sessionID)
	if err := conn.PushRender(render.Overlay(snapshot)); err != nil {
		log.Printf("Initial render push failed: %v", err)
		g.registry.Unregister(sessionID)
		return false
	}

	return true
}

// readLoop 连接读循环：处理心跳与挥手，读错误即关闭连接
func (g *Gateway) readLoop(conn *Conn) {
	defer func() {
		g.closeConn(conn, "Connection ended")
		g.registry.Unregister(conn.SessionID)
		g.connWg.Done()
	}()

	conn.ws.SetReadLimit(protocol.MaxFrameSize)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
			conn.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadIdleTimeout))

			messageType, rawData, err := conn.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("Display read error: session=%s err=%v", conn.SessionID, err)
				}
				return
			}

			conn.Stats.MessagesReceived.Add(1)
			conn.Stats.LastActivity.Store(time.Now().UnixNano())
			g.totalMessages.Add(1)

			if messageType != websocket.BinaryMessage {
				continue
			}

			if done := g.handleMessage(conn, rawData); done {
				return
			}
		}
	}
}

// handleMessage 处理读到的一帧，返回true表示连接应当结束
func (g *Gateway) handleMessage(conn *Conn, rawData []byte) bool {
	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		log.Printf("Decode frame failed: %v", err)
		return false
	}

	switch opcode {
	case protocol.OpHeartbeat:
		g.handleHeartbeat(conn, body)
		return false
	case protocol.OpBye:
		return true
	default:
		log.Printf("Unknown opcode from %s: %d", conn.SessionID, opcode)
		return false
	}
}

// handleHeartbeat 处理心跳
func (g *Gateway) handleHeartbeat(conn *Conn, body []byte) {
	var heartbeat protocol.Heartbeat
	if err := protocol.DecodeBody(body, &heartbeat); err != nil {
		log.Printf("Unmarshal heartbeat failed: %v", err)
		return
	}

	now := time.Now()
	rtt := now.Sub(time.UnixMilli(heartbeat.ClientUnixMs))

	resp := protocol.HeartbeatResp{
		ServerUnixMs: now.UnixMilli(),
		PingSeq:      heartbeat.PingSeq,
		RttMs:        int32(rtt.Milliseconds()),
	}
	conn.writeMessage(protocol.OpHeartbeatResp, resp)
}

// closeConn 关闭连接并从连接表移除
func (g *Gateway) closeConn(conn *Conn, reason string) {
	if _, loaded := g.connections.LoadAndDelete(conn.SessionID); loaded {
		g.connCount.Add(-1)
	}

	conn.writeMu.Lock()
	conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.ws.Close()
	conn.writeMu.Unlock()

	conn.safeClose()

	log.Printf("Display disconnected: session=%s reason=%s", conn.SessionID, reason)
}

// ForceDisconnectAll 强制断开所有连接（测试用）
func (g *Gateway) ForceDisconnectAll() {
	g.forceDisconnect.Store(true)
	log.Printf("Force disconnecting all display connections")

	g.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Conn)
		g.closeConn(conn, "Force disconnect")
		g.registry.Unregister(conn.SessionID)
		return true
	})

	g.forceDisconnect.Store(false)
}

// Shutdown 关闭所有连接并等待读循环退出
func (g *Gateway) Shutdown() {
	g.connections.Range(func(key, value interface{}) bool {
		g.closeConn(value.(*Conn), "Server shutdown")
		return true
	})
	g.connWg.Wait()
}

// GetStats 获取网关统计信息
func (g *Gateway) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"current_connections": g.connCount.Load(),
		"total_connections":   g.totalConnections.Load(),
		"total_messages":      g.totalMessages.Load(),
	}
}
