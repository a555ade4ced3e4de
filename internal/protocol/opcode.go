package protocol

// 操作码定义 - 用于识别显示通道上不同类型的消息
const (
	// 握手相关
	OpHelloReq  uint16 = 1001
	OpHelloResp uint16 = 1002
	OpBye       uint16 = 1003

	// 心跳相关
	OpHeartbeat     uint16 = 1100
	OpHeartbeatResp uint16 = 1101

	// 显示推送
	OpRenderPush uint16 = 2001
	OpAlertPush  uint16 = 2002

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpHelloReq:
		return "HELLO_REQ"
	case OpHelloResp:
		return "HELLO_RESP"
	case OpBye:
		return "BYE"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatResp:
		return "HEARTBEAT_RESP"
	case OpRenderPush:
		return "RENDER_PUSH"
	case OpAlertPush:
		return "ALERT_PUSH"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpHelloReq, OpHelloResp, OpBye,
		OpHeartbeat, OpHeartbeatResp,
		OpRenderPush, OpAlertPush,
		OpError:
		return true
	default:
		return false
	}
}

// IsPushOpcode 判断是否为服务端推送类型的操作码
func IsPushOpcode(op uint16) bool {
	switch op {
	case OpRenderPush, OpAlertPush:
		return true
	default:
		return false
	}
}
