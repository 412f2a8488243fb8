package relay

import "encoding/json"

// FrameType 帧类型标签
type FrameType string

const (
	FrameAudio     FrameType = "audio"     // 音频数据块
	FrameControl   FrameType = "control"   // 控制事件
	FrameInterrupt FrameType = "interrupt" // 打断信号
	FrameEndOfTurn FrameType = "end_of_turn"
	FrameError     FrameType = "error"
)

// Direction 帧传输方向
type Direction string

const (
	ClientToUpstream Direction = "client_to_upstream"
	UpstreamToClient Direction = "upstream_to_client"
)

// Frame 中继的基本数据单元，通过Type字段区分联合体成员
type Frame struct {
	Type      FrameType `json:"type"`
	Seq       uint64    `json:"seq,omitempty"`
	Direction Direction `json:"direction,omitempty"`

	// FrameAudio
	Audio []byte `json:"audio,omitempty"` // JSON编码时为base64

	// FrameControl
	Control *ControlEvent `json:"control,omitempty"`

	// FrameError
	Err *ErrorInfo `json:"error,omitempty"`
}

// ControlEvent 控制事件（状态变化、stop_playback等）
type ControlEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorInfo 错误帧的载荷
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// 常用控制事件类型
const (
	ControlSpeechStarted       = "speech_started"
	ControlSpeechStopped       = "speech_stopped"
	ControlAssistantSpeaking   = "assistant_speaking"
	ControlStopPlayback        = "stop_playback"
	ControlTurnComplete        = "turn_complete"
	ControlSessionEnded        = "session_ended"
	ControlSessionReady        = "session_ready"
	ControlUserTranscript      = "user_transcript"
	ControlAssistantTranscript = "assistant_transcript"
)

// AudioFrame 构造指定方向的音频块帧
func AudioFrame(data []byte, seq uint64, dir Direction) Frame {
	return Frame{Type: FrameAudio, Audio: data, Seq: seq, Direction: dir}
}

// ControlFrame 构造控制事件帧
func ControlFrame(kind string, payload json.RawMessage) Frame {
	return Frame{Type: FrameControl, Control: &ControlEvent{Kind: kind, Payload: payload}}
}

// ErrorFrame 构造终止性错误帧
func ErrorFrame(kind, message string) Frame {
	return Frame{Type: FrameError, Err: &ErrorInfo{Kind: kind, Message: message}}
}

// IsTerminal 判断该帧是否为会话终止帧
func (f Frame) IsTerminal() bool {
	if f.Type == FrameError {
		return true
	}
	return f.Type == FrameControl && f.Control != nil && f.Control.Kind == ControlSessionEnded
}
