package protocol

import "encoding/json"

// HelloReq 设备接入握手请求
type HelloReq struct {
	SessionID     string `json:"session_id,omitempty"` // 为空时由服务端分配
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	ClientVersion string `json:"client_version"`
}

// HelloResp 握手响应
type HelloResp struct {
	Ok         bool   `json:"ok"`
	SessionID  string `json:"session_id"`
	ServerTime int64  `json:"server_time"` // unix ms
	Reason     string `json:"reason,omitempty"`
}

// Heartbeat 心跳请求
type Heartbeat struct {
	ClientUnixMs int64 `json:"client_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
}

// HeartbeatResp 心跳响应
type HeartbeatResp struct {
	ServerUnixMs int64 `json:"server_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
	RttMs        int32 `json:"rtt_ms"`
}

// RenderPush 完整显示画面推送
type RenderPush struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// AlertPush 安全警报横幅推送
type AlertPush struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	OriginUser  string `json:"origin_user"`
	TriggerWord string `json:"trigger_word,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorResp 错误响应
type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeMessage 将消息序列化并封装为帧
func EncodeMessage(opcode uint16, message interface{}) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(opcode, body), nil
}

// DecodeBody 将帧消息体反序列化到目标结构
func DecodeBody(body []byte, target interface{}) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, target)
}
