package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-bridge/backend/internal/config"
	relaymodel "github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/session"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
	"github.com/zhouzirui/voice-bridge/backend/internal/store"
)

// WebSocketHandler 客户端音频WebSocket入口
type WebSocketHandler struct {
	registry  *session.Registry
	connector upstream.Connector
	gateway   store.Gateway
	cfg       *config.Config
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(registry *session.Registry, connector upstream.Connector, gateway store.Gateway, cfg *config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		registry:  registry,
		connector: connector,
		gateway:   gateway,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// handleWebSocket 接受客户端连接并驱动会话直至终态。
// 升级前能拒绝的（会话不存在、重复连接）以HTTP状态码拒绝。
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	if _, err := h.gateway.LoadHistory(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if _, err := h.registry.Lookup(sessionID); err == nil {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	log.Printf("[websocket] new connection for session: %s", sessionID)

	transport := newWSTransport(conn, sessionID)

	sess := session.New(sessionID, transport, h.connector, h.gateway,
		session.Config{
			Upstream: upstream.SessionConfig{
				SessionID:    sessionID,
				Model:        h.cfg.Upstream.Model,
				Voice:        h.cfg.Upstream.Voice,
				Instructions: h.cfg.Upstream.Instructions,
			},
			IdleTimeout:    h.cfg.Relay.IdleTimeout,
			ConnectRetries: h.cfg.Relay.ConnectRetries,
		},
		h.registry.Unregister,
	)

	if err := h.registry.Register(sessionID, sess); err != nil {
		log.Printf("[websocket] register failed session=%s: %v", sessionID, err)
		transport.WriteFrame(relaymodel.ErrorFrame("duplicate_session", err.Error()))
		transport.Close()
		return
	}

	go transport.pingLoop(sess.Done())

	sess.Run(r.Context())
	log.Printf("[websocket] session finished: %s", sessionID)
}

// inboundMessage 客户端JSON控制消息
type inboundMessage struct {
	Type    string                   `json:"type"`
	Audio   []byte                   `json:"audio,omitempty"` // base64音频的JSON回退路径
	Control *relaymodel.ControlEvent `json:"control,omitempty"`
}

// outgoingMessage 发往客户端的统一封包
type outgoingMessage struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"sessionId,omitempty"`
	Seq       uint64                   `json:"seq,omitempty"`
	Audio     []byte                   `json:"audio,omitempty"` // JSON编码时为base64
	Control   *relaymodel.ControlEvent `json:"control,omitempty"`
	Error     *relaymodel.ErrorInfo    `json:"error,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

// wsTransport 将gorilla连接适配为会话的ClientTransport。
// 二进制消息视作原始音频块，文本消息为JSON控制帧。
type wsTransport struct {
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex
	readSeq uint64
}

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

func newWSTransport(conn *websocket.Conn, sessionID string) *wsTransport {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	return &wsTransport{conn: conn, sessionID: sessionID}
}

// ReadFrame 阻塞读取下一个客户端帧
func (t *wsTransport) ReadFrame() (relaymodel.Frame, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error session=%s: %v", t.sessionID, err)
			}
			return relaymodel.Frame{}, err
		}
		t.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			t.readSeq++
			return relaymodel.AudioFrame(data, t.readSeq, relaymodel.ClientToUpstream), nil

		case websocket.TextMessage:
			var msg inboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[websocket] bad client message session=%s: %v", t.sessionID, err)
				continue
			}

			switch msg.Type {
			case "audio":
				if len(msg.Audio) == 0 {
					continue
				}
				t.readSeq++
				return relaymodel.AudioFrame(msg.Audio, t.readSeq, relaymodel.ClientToUpstream), nil
			case "interrupt":
				return relaymodel.Frame{Type: relaymodel.FrameInterrupt}, nil
			case "end_of_turn":
				return relaymodel.Frame{Type: relaymodel.FrameEndOfTurn}, nil
			case "control":
				if msg.Control == nil {
					continue
				}
				return relaymodel.Frame{Type: relaymodel.FrameControl, Control: msg.Control}, nil
			default:
				log.Printf("[websocket] unsupported message type session=%s: %s", t.sessionID, msg.Type)
				continue
			}

		default:
			// ping/pong由gorilla处理
		}
	}
}

// WriteFrame 序列化帧并写回客户端，支持并发调用
func (t *wsTransport) WriteFrame(frame relaymodel.Frame) error {
	msg := outgoingMessage{
		Type:      string(frame.Type),
		SessionID: t.sessionID,
		Seq:       frame.Seq,
		Audio:     frame.Audio,
		Control:   frame.Control,
		Error:     frame.Err,
		Timestamp: time.Now().Unix(),
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

// Close 关闭客户端连接
func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// pingLoop 定期发送ping消息，会话结束时退出
func (t *wsTransport) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
