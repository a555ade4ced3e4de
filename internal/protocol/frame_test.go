package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeFrame 测试帧编解码往返
func TestEncodeDecodeFrame(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	raw := EncodeFrame(OpRenderPush, body)
	require.Len(t, raw, FrameHeaderSize+len(body))

	opcode, decoded, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, OpRenderPush, opcode)
	assert.Equal(t, body, decoded)
}

// TestEncodeEmptyBody 测试空消息体
func TestEncodeEmptyBody(t *testing.T) {
	raw := EncodeFrame(OpHeartbeat, nil)
	require.Len(t, raw, FrameHeaderSize)

	opcode, body, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeat, opcode)
	assert.Empty(t, body)
}

// TestDecodeFrameErrors 测试帧解码错误分类
func TestDecodeFrameErrors(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	// 声明长度与实际不符
	raw := EncodeFrame(OpBye, []byte("abc"))
	_, _, err = DecodeFrame(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

// TestFrameDecoderStreaming 测试流式分片输入的逐帧解码
func TestFrameDecoderStreaming(t *testing.T) {
	first := EncodeFrame(OpRenderPush, []byte("frame-1"))
	second := EncodeFrame(OpAlertPush, []byte("frame-2"))
	stream := append(append([]byte{}, first...), second...)

	decoder := NewFrameDecoder()

	// 一个字节一个字节地喂
	var frames []*Frame
	for _, b := range stream {
		decoder.Feed([]byte{b})
		frame, err := decoder.Next()
		require.NoError(t, err)
		if frame != nil {
			frames = append(frames, frame)
		}
	}

	require.Len(t, frames, 2)
	assert.Equal(t, OpRenderPush, frames[0].Opcode)
	assert.Equal(t, []byte("frame-1"), frames[0].Body)
	assert.Equal(t, OpAlertPush, frames[1].Opcode)
	assert.Equal(t, []byte("frame-2"), frames[1].Body)
	assert.Equal(t, 0, decoder.BufferSize())
}

// TestFrameDecoderReset 测试重置后丢弃未完成的帧
func TestFrameDecoderReset(t *testing.T) {
	decoder := NewFrameDecoder()
	decoder.Feed([]byte{0x07, 0xD1, 0x00})

	decoder.Reset()
	assert.Equal(t, 0, decoder.BufferSize())

	raw := EncodeFrame(OpHelloReq, []byte("x"))
	decoder.Feed(raw)
	frame, err := decoder.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, OpHelloReq, frame.Opcode)
}

// TestMessageRoundTrip 测试消息编码进帧再解码
func TestMessageRoundTrip(t *testing.T) {
	push := RenderPush{
		SessionID: "s1",
		Text:      "○ 82dB →",
		Timestamp: time.Now().UnixMilli(),
	}

	raw, err := EncodeMessage(OpRenderPush, push)
	require.NoError(t, err)

	opcode, body, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, OpRenderPush, opcode)

	var decoded RenderPush
	require.NoError(t, DecodeBody(body, &decoded))
	assert.Equal(t, push.SessionID, decoded.SessionID)
	assert.Equal(t, push.Text, decoded.Text)
}

// TestOpcodeClassification 测试操作码分类
func TestOpcodeClassification(t *testing.T) {
	assert.True(t, IsValidOpcode(OpHelloReq))
	assert.True(t, IsPushOpcode(OpRenderPush))
	assert.True(t, IsPushOpcode(OpAlertPush))
	assert.False(t, IsPushOpcode(OpHeartbeat))
	assert.False(t, IsValidOpcode(12345))
	assert.Equal(t, "RENDER_PUSH", OpcodeToString(OpRenderPush))
	assert.Equal(t, "UNKNOWN", OpcodeToString(42))
}
