package upstream

import "encoding/json"

// 实时语音服务的线上协议事件类型。服务端以JSON事件流推送，
// 客户端以JSON事件写入，音频负载统一为base64编码的PCM16。
const (
	// 客户端事件
	ClientEventSessionUpdate  = "session.update"
	ClientEventAudioAppend    = "input_audio_buffer.append"
	ClientEventAudioCommit    = "input_audio_buffer.commit"
	ClientEventResponseCancel = "response.cancel"

	// 服务端事件
	ServerEventSessionCreated   = "session.created"
	ServerEventSessionUpdated   = "session.updated"
	ServerEventSpeechStarted    = "input_audio_buffer.speech_started"
	ServerEventSpeechStopped    = "input_audio_buffer.speech_stopped"
	ServerEventAudioDelta       = "response.audio.delta"
	ServerEventAudioDone        = "response.audio.done"
	ServerEventTranscriptDone   = "response.audio_transcript.done"
	ServerEventInputTranscribed = "conversation.item.input_audio_transcription.completed"
	ServerEventResponseDone     = "response.done"
	ServerEventError            = "error"
)

// clientEvent 发往上游的事件封包
type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
}

// sessionPayload session.update握手的配置载荷
type sessionPayload struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

// turnDetection 服务端VAD参数
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// serverEvent 上游推送的事件封包
type serverEvent struct {
	Type       string           `json:"type"`
	Delta      string           `json:"delta,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	Error      *serverErrorBody `json:"error,omitempty"`
}

type serverErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// transcriptPayload 转录控制帧的载荷
type transcriptPayload struct {
	Text string `json:"text"`
}

func marshalTranscript(text string) json.RawMessage {
	data, _ := json.Marshal(transcriptPayload{Text: text})
	return data
}

// ParseTranscript 解析转录控制帧载荷中的文本
func ParseTranscript(payload json.RawMessage) string {
	var p transcriptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Text
}
