package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamClosed      = errors.New("upstream closed")
	ErrSendFailed          = errors.New("upstream send failed")
)

// SessionConfig 单个会话的上游握手配置
type SessionConfig struct {
	SessionID    string
	Model        string
	Voice        string
	Instructions string
}

// Handle 一条已建立的上游连接。Receive为阻塞式轮询，
// 由会话状态机作为唯一消费者调用，避免回调式的重入状态变更。
type Handle interface {
	Send(frame relay.Frame) error
	Receive() (relay.Frame, error)
	Close() error
}

// Connector 负责与实时语音模型服务建立出站流式连接
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Handle, error)
}

// WSConnector 基于WebSocket的上游连接器
type WSConnector struct {
	endpoint         string
	apiKey           string
	handshakeTimeout time.Duration
	dialer           *websocket.Dialer
}

// NewWSConnector 创建上游连接器
func NewWSConnector(endpoint, apiKey string) *WSConnector {
	return &WSConnector{
		endpoint:         endpoint,
		apiKey:           apiKey,
		handshakeTimeout: 15 * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Connect 建立连接并完成一次性认证握手：发送session.update，
// 等待session.updated后才将句柄交还给会话
func (c *WSConnector) Connect(ctx context.Context, cfg SessionConfig) (Handle, error) {
	wsURL, err := c.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	header := http.Header{}
	header.Set("api-key", c.apiKey)
	header.Set("X-Connect-Id", cfg.SessionID)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %v", ErrUpstreamUnavailable, err)
	}

	if logid := resp.Header.Get("X-Request-Id"); logid != "" {
		log.Printf("[upstream] connected session=%s request-id=%s", cfg.SessionID, logid)
	}

	handle := &wsHandle{conn: conn, sessionID: cfg.SessionID}

	if err := handle.handshake(ctx, cfg, c.handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	return handle, nil
}

// buildURL 拼接上游端点，模型名通过查询参数传递
func (c *WSConnector) buildURL(cfg SessionConfig) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsHandle 单条上游连接的收发实现
type wsHandle struct {
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	recvSeq uint64

	closeOnce sync.Once
	closeErr  error
}

// handshake 发送会话配置并等待上游确认
func (h *wsHandle) handshake(ctx context.Context, cfg SessionConfig, timeout time.Duration) error {
	update := clientEvent{
		Type: ClientEventSessionUpdate,
		Session: &sessionPayload{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
		},
	}

	if err := h.writeEvent(update); err != nil {
		return fmt.Errorf("%w: handshake write: %v", ErrUpstreamUnavailable, err)
	}

	deadline := time.Now().Add(timeout)
	h.conn.SetReadDeadline(deadline)
	defer h.conn.SetReadDeadline(time.Time{})

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		}

		var event serverEvent
		if err := h.conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("%w: handshake read: %v", ErrUpstreamUnavailable, err)
		}

		switch event.Type {
		case ServerEventSessionCreated:
			// 等待配置确认
		case ServerEventSessionUpdated:
			log.Printf("[upstream] handshake complete session=%s", h.sessionID)
			return nil
		case ServerEventError:
			msg := "unknown error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, msg)
		default:
			// 握手期间忽略其他事件
		}
	}
}

// Send 将内部帧翻译为上游协议事件
func (h *wsHandle) Send(frame relay.Frame) error {
	switch frame.Type {
	case relay.FrameAudio:
		return h.writeChecked(clientEvent{
			Type:  ClientEventAudioAppend,
			Audio: base64.StdEncoding.EncodeToString(frame.Audio),
		})
	case relay.FrameInterrupt:
		return h.writeChecked(clientEvent{Type: ClientEventResponseCancel})
	case relay.FrameEndOfTurn:
		return h.writeChecked(clientEvent{Type: ClientEventAudioCommit})
	default:
		// 其余帧类型对上游无意义，静默丢弃
		return nil
	}
}

func (h *wsHandle) writeChecked(event clientEvent) error {
	if err := h.writeEvent(event); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (h *wsHandle) writeEvent(event clientEvent) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteJSON(event)
}

// Receive 阻塞读取下一个上游事件并翻译为内部帧。
// 无法映射的事件类型被跳过，调用方永远只看到帧联合体成员。
func (h *wsHandle) Receive() (relay.Frame, error) {
	for {
		var event serverEvent
		if err := h.conn.ReadJSON(&event); err != nil {
			return relay.Frame{}, fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
		}

		switch event.Type {
		case ServerEventAudioDelta:
			audio, err := base64.StdEncoding.DecodeString(event.Delta)
			if err != nil {
				log.Printf("[upstream] bad audio delta session=%s: %v", h.sessionID, err)
				continue
			}
			h.recvSeq++
			return relay.AudioFrame(audio, h.recvSeq, relay.UpstreamToClient), nil

		case ServerEventSpeechStarted:
			return relay.ControlFrame(relay.ControlSpeechStarted, nil), nil

		case ServerEventSpeechStopped:
			return relay.ControlFrame(relay.ControlSpeechStopped, nil), nil

		case ServerEventAudioDone:
			// response.done紧随其后，只以音频完成作为回合结束信号，
			// 避免同一回合产生两个end_of_turn帧
			return relay.Frame{Type: relay.FrameEndOfTurn}, nil

		case ServerEventTranscriptDone:
			return relay.ControlFrame(relay.ControlAssistantTranscript, marshalTranscript(event.Transcript)), nil

		case ServerEventInputTranscribed:
			return relay.ControlFrame(relay.ControlUserTranscript, marshalTranscript(event.Transcript)), nil

		case ServerEventError:
			msg := "unknown error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return relay.ErrorFrame("upstream_error", msg), nil

		default:
			// 其他事件（如缓冲区ACK）直接忽略
		}
	}
}

// Close 关闭上游连接，可重复调用
func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}
