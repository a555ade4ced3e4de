// Package displayclient 显示硬件侧的通道客户端：接入网关、
// 维持心跳、接收渲染推送，断线自动重连。
package displayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"GlassRelay/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// RenderHandler 渲染推送处理器
type RenderHandler func(push protocol.RenderPush)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// RTTHandler RTT变化处理器
type RTTHandler func(rtt time.Duration)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	SessionID         string // 为空时由服务端分配
	UserID            string
	DeviceID          string
	ClientVersion     string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, userID string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		UserID:            userID,
		DeviceID:          "glass-display",
		ClientVersion:     "1.0.0",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		EnableCompression: true,
		UserAgent:         "GlassRelay-Display/1.0",
	}
}

// Client 显示通道客户端，支持自动重连、心跳
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 服务端分配的会话id
	sessionID atomic.Value // string

	// 消息处理
	onRender      RenderHandler
	onStateChange StateChangeHandler
	onRTT         RTTHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	// 心跳和RTT统计
	lastPingSeq  atomic.Int32
	lastPingTime atomic.Int64 // unix nano
	avgRTT       atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32
}

// New 创建显示通道客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	client.sessionID.Store(config.SessionID)

	client.setState(StateDisconnected)
	return client
}

// SetRenderHandler 设置渲染推送处理器
func (c *Client) SetRenderHandler(handler RenderHandler) {
	c.onRender = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetRTTHandler 设置RTT变化处理器
func (c *Client) SetRTTHandler(handler RTTHandler) {
	c.onRTT = handler
}

// SessionID 返回服务端分配的会话id
func (c *Client) SessionID() string {
	if v, ok := c.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Connect 连接到网关
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	// 启动后台任务
	go c.heartbeatLoop()
	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// 执行接入握手
	return c.doHello(ctx)
}

// doHello 执行接入握手。重连时带上已分配的会话id，
// 服务端按同id重新登记，排队中的警报不丢。
func (c *Client) doHello(ctx context.Context) error {
	hello := protocol.HelloReq{
		SessionID:     c.SessionID(),
		UserID:        c.config.UserID,
		DeviceID:      c.config.DeviceID,
		ClientVersion: c.config.ClientVersion,
	}

	if err := c.sendMessage(protocol.OpHelloReq, hello); err != nil {
		return fmt.Errorf("send hello failed: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	opcode, body, err := c.readFrame(timeoutCtx)
	if err != nil {
		return fmt.Errorf("read hello response failed: %w", err)
	}
	if opcode != protocol.OpHelloResp {
		return fmt.Errorf("unexpected opcode for hello response: %d", opcode)
	}

	var helloResp protocol.HelloResp
	if err := protocol.DecodeBody(body, &helloResp); err != nil {
		return fmt.Errorf("unmarshal hello response failed: %w", err)
	}
	if !helloResp.Ok {
		return fmt.Errorf("hello rejected: %s", helloResp.Reason)
	}

	c.sessionID.Store(helloResp.SessionID)
	log.Printf("Display hello successful: session_id=%s", helloResp.SessionID)

	return nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// sendMessage 发送JSON帧
func (c *Client) sendMessage(opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readFrame 读取单个帧
func (c *Client) readFrame(ctx context.Context) (uint16, []byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return 0, nil, errors.New("connection is nil")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	messageType, rawData, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}

	if messageType != websocket.BinaryMessage {
		return 0, nil, errors.New("received non-binary message")
	}

	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		return 0, nil, fmt.Errorf("decode frame failed: %w", err)
	}

	return opcode, body, nil
}

// heartbeatLoop 心跳循环
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() == StateConnected {
				c.sendHeartbeat()
			}
		}
	}
}

// sendHeartbeat 发送心跳
func (c *Client) sendHeartbeat() {
	seq := c.lastPingSeq.Add(1)
	now := time.Now()
	c.lastPingTime.Store(now.UnixNano())

	heartbeat := protocol.Heartbeat{
		ClientUnixMs: now.UnixMilli(),
		PingSeq:      seq,
	}

	if err := c.sendMessage(protocol.OpHeartbeat, heartbeat); err != nil {
		log.Printf("Send heartbeat failed: %v", err)
		c.triggerReconnect()
	}
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getState() != StateConnected {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			opcode, body, err := c.readFrame(context.Background())
			if err != nil {
				if c.getState() == StateClosed {
					return
				}
				log.Printf("Read frame failed: %v", err)
				c.triggerReconnect()
				continue
			}

			c.handleFrame(opcode, body)
		}
	}
}

// handleFrame 处理接收到的帧
func (c *Client) handleFrame(opcode uint16, body []byte) {
	switch opcode {
	case protocol.OpHeartbeatResp:
		var resp protocol.HeartbeatResp
		if err := protocol.DecodeBody(body, &resp); err != nil {
			log.Printf("Unmarshal heartbeat response failed: %v", err)
			return
		}
		c.handleHeartbeatResp(resp)
	case protocol.OpRenderPush, protocol.OpAlertPush:
		var push protocol.RenderPush
		if err := protocol.DecodeBody(body, &push); err != nil {
			log.Printf("Unmarshal render push failed: %v", err)
			return
		}
		if c.onRender != nil {
			c.onRender(push)
		}
	default:
		log.Printf("Unknown opcode from gateway: %s", protocol.OpcodeToString(opcode))
	}
}

// handleHeartbeatResp 处理心跳响应
func (c *Client) handleHeartbeatResp(resp protocol.HeartbeatResp) {
	pingTime := time.Unix(0, c.lastPingTime.Load())
	if pingTime.IsZero() {
		return // 没有发送过心跳
	}

	rtt := time.Since(pingTime)
	if rtt <= 0 {
		return // 无效的RTT
	}

	// 更新平均RTT（简单移动平均）
	oldAvg := time.Duration(c.avgRTT.Load())
	newAvg := (oldAvg + rtt) / 2
	c.avgRTT.Store(int64(newAvg))

	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.getState() == StateConnected {
		c.setState(StateReconnecting)
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 执行重连（指数退避）
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx := context.Background()
	err := backoff.Retry(func() error {
		select {
		case <-c.stopChan:
			return backoff.Permanent(errors.New("client closed"))
		default:
		}
		return c.doConnect(ctx)
	}, backOff)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.setState(StateDisconnected)
	} else {
		log.Printf("Reconnected successfully")
		c.setState(StateConnected)
		c.reconnectCount.Store(0)
		c.reconnects.Add(1)
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连成功次数（线程安全）
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"session_id":      c.SessionID(),
		"reconnect_count": c.reconnectCount.Load(),
		"reconnects":      c.reconnects.Load(),
		"avg_rtt_ms":      time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
