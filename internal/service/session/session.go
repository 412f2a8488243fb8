package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
	"github.com/zhouzirui/voice-bridge/backend/internal/store"
)

// ClientTransport 面向客户端的双向帧传输。ReadFrame阻塞直到
// 下一帧到达；WriteFrame必须支持多goroutine并发调用。
type ClientTransport interface {
	ReadFrame() (relay.Frame, error)
	WriteFrame(frame relay.Frame) error
	Close() error
}

// Config 单个会话的运行参数
type Config struct {
	Upstream       upstream.SessionConfig
	IdleTimeout    time.Duration
	ConnectRetries int // 握手失败后的额外重试次数
}

// eventKind 泵循环投递给状态机的内部事件
type eventKind int

const (
	evClientGone eventKind = iota
	evUpstreamGone
	evUpstreamError
	evInterrupt
	evSpeechStarted
	evSpeechStopped
	evEndOfTurn
	evUserTranscript
	evAssistantTranscript
)

type event struct {
	kind    eventKind
	text    string
	errInfo *relay.ErrorInfo
}

// Session 将一条客户端连接与一条上游连接配对。两个泵循环
// 负责双向搬运音频，所有状态迁移经由events通道在Run循环中
// 串行处理。
type Session struct {
	ID string

	client    ClientTransport
	connector upstream.Connector
	gateway   store.Gateway
	cfg       Config

	handle upstream.Handle

	events chan event
	done   chan struct{}

	// 泵循环直接读取的热路径标志
	suppressAudio     atomic.Bool
	assistantSpeaking atomic.Bool
	lastActivity      atomic.Int64

	mu          sync.RWMutex
	state       State
	message     string
	lastError   string
	transcript  []relay.TranscriptEntry
	subscribers []chan relay.SessionStatus

	teardown sync.Once
	onClose  func(sessionID string)

	sendSeq uint64 // client→upstream帧序号，仅客户端泵使用
}

// New 创建会话。onClose在teardown完成时恰好调用一次，
// 用于注册表清理。
func New(id string, client ClientTransport, connector upstream.Connector, gateway store.Gateway, cfg Config, onClose func(sessionID string)) *Session {
	s := &Session{
		ID:        id,
		client:    client,
		connector: connector,
		gateway:   gateway,
		cfg:       cfg,
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		state:     StateConnecting,
		message:   "connecting to upstream",
		onClose:   onClose,
	}
	s.touch()
	return s
}

// Done 会话终止时关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Run 驱动会话直至终态。阻塞调用，由中继服务器在
// 连接goroutine中执行。
func (s *Session) Run(ctx context.Context) {
	s.setState(StateConnecting, "connecting to upstream", "")

	handle, err := s.connectWithRetry(ctx)
	if err != nil {
		log.Printf("[session] %s upstream connect failed: %v", s.ID, err)
		s.fail("upstream_unavailable", err.Error())
		return
	}
	s.handle = handle

	s.setState(StateActive, "session ready", "")
	s.writeClient(relay.ControlFrame(relay.ControlSessionReady, nil))

	go s.clientPump()
	go s.upstreamPump()

	idleTicker := time.NewTicker(s.idleCheckInterval())
	defer idleTicker.Stop()

	for {
		select {
		case ev := <-s.events:
			if s.handleEvent(ev) {
				return
			}
		case <-idleTicker.C:
			if s.idleExpired() {
				log.Printf("[session] %s idle timeout, closing", s.ID)
				s.close("idle timeout", nil)
				return
			}
		case <-ctx.Done():
			s.close("server shutdown", nil)
			return
		}
	}
}

// connectWithRetry 按策略重连：立即重试一次（可配置次数），
// 不做指数退避，避免让真人对话停在无界等待上。
func (s *Session) connectWithRetry(ctx context.Context) (upstream.Handle, error) {
	attempts := 1 + s.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		handle, err := s.connector.Connect(ctx, s.cfg.Upstream)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		log.Printf("[session] %s connect attempt %d/%d failed: %v", s.ID, i+1, attempts, err)
	}
	return nil, lastErr
}

// handleEvent 串行处理一条状态机事件，返回true表示会话已终止
func (s *Session) handleEvent(ev event) bool {
	switch ev.kind {
	case evClientGone:
		s.close("client disconnected", nil)
		return true

	case evUpstreamGone:
		s.close("upstream disconnected", nil)
		return true

	case evUpstreamError:
		s.close("upstream error", ev.errInfo)
		return true

	case evInterrupt:
		s.interrupt("client interrupt")

	case evSpeechStarted:
		// 服务端VAD检测到用户开口。若助手正在输出则构成打断
		if s.assistantSpeaking.Load() {
			s.interrupt("barge-in")
		}
		s.writeClient(relay.ControlFrame(relay.ControlSpeechStarted, nil))

	case evSpeechStopped:
		s.writeClient(relay.ControlFrame(relay.ControlSpeechStopped, nil))

	case evEndOfTurn:
		s.suppressAudio.Store(false)
		s.assistantSpeaking.Store(false)
		if s.currentState() == StateInterrupted {
			s.setState(StateActive, "session ready", "")
		}
		s.writeClient(relay.ControlFrame(relay.ControlTurnComplete, nil))

	case evUserTranscript:
		s.recordTranscript(relay.RoleUser, ev.text)
		s.writeClient(relay.ControlFrame(relay.ControlUserTranscript, marshalText(ev.text)))

	case evAssistantTranscript:
		s.recordTranscript(relay.RoleAssistant, ev.text)
		s.writeClient(relay.ControlFrame(relay.ControlAssistantTranscript, marshalText(ev.text)))
	}
	return false
}

// interrupt 进入Interrupted：先丢弃未送达的助手音频，
// 再通知上游取消生成（保守的discard-then-signal顺序）
func (s *Session) interrupt(reason string) {
	if s.currentState() != StateActive && s.currentState() != StateInterrupted {
		return
	}

	s.suppressAudio.Store(true)
	s.setState(StateInterrupted, reason, "")
	s.writeClient(relay.ControlFrame(relay.ControlStopPlayback, nil))

	if err := s.handle.Send(relay.Frame{Type: relay.FrameInterrupt}); err != nil {
		log.Printf("[session] %s interrupt send failed: %v", s.ID, err)
	}
}

// clientPump 客户端→上游泵循环。音频帧按到达顺序直送上游，
// 状态相关帧转投events通道。
func (s *Session) clientPump() {
	for {
		frame, err := s.client.ReadFrame()
		if err != nil {
			s.emit(event{kind: evClientGone})
			return
		}
		s.touch()

		switch frame.Type {
		case relay.FrameAudio:
			s.sendSeq++
			frame.Seq = s.sendSeq
			frame.Direction = relay.ClientToUpstream
			if err := s.handle.Send(frame); err != nil {
				log.Printf("[session] %s forward audio failed: %v", s.ID, err)
				s.emit(event{kind: evUpstreamGone})
				return
			}

		case relay.FrameInterrupt:
			s.emit(event{kind: evInterrupt})

		case relay.FrameEndOfTurn:
			if err := s.handle.Send(frame); err != nil {
				s.emit(event{kind: evUpstreamGone})
				return
			}

		case relay.FrameControl:
			// 客户端控制帧目前无需上送，容忍并丢弃

		default:
		}
	}
}

// upstreamPump 上游→客户端泵循环。音频帧按到达顺序写回客户端，
// 打断期间直接丢弃；事件帧转投events通道。
func (s *Session) upstreamPump() {
	for {
		frame, err := s.handle.Receive()
		if err != nil {
			s.emit(event{kind: evUpstreamGone})
			return
		}
		s.touch()

		switch frame.Type {
		case relay.FrameAudio:
			if s.suppressAudio.Load() {
				continue
			}
			if s.assistantSpeaking.CompareAndSwap(false, true) {
				s.writeClient(relay.ControlFrame(relay.ControlAssistantSpeaking, nil))
			}
			if err := s.client.WriteFrame(frame); err != nil {
				s.emit(event{kind: evClientGone})
				return
			}

		case relay.FrameControl:
			s.emitControl(frame.Control)

		case relay.FrameEndOfTurn:
			s.emit(event{kind: evEndOfTurn})

		case relay.FrameError:
			s.emit(event{kind: evUpstreamError, errInfo: frame.Err})
			return

		default:
		}
	}
}

func (s *Session) emitControl(ctrl *relay.ControlEvent) {
	if ctrl == nil {
		return
	}
	switch ctrl.Kind {
	case relay.ControlSpeechStarted:
		s.emit(event{kind: evSpeechStarted})
	case relay.ControlSpeechStopped:
		s.emit(event{kind: evSpeechStopped})
	case relay.ControlUserTranscript:
		s.emit(event{kind: evUserTranscript, text: upstream.ParseTranscript(ctrl.Payload)})
	case relay.ControlAssistantTranscript:
		s.emit(event{kind: evAssistantTranscript, text: upstream.ParseTranscript(ctrl.Payload)})
	default:
		// 未知控制事件丢弃，接收方必须容忍控制帧缺口
	}
}

// emit 向状态机投递事件。会话终止后丢弃，避免泵循环卡死。
func (s *Session) emit(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// close 进入Closing并执行一次性teardown。客户端与上游哪个
// 先断开都只会走到这里一次，后到的信号是无操作。
func (s *Session) close(reason string, errInfo *relay.ErrorInfo) {
	s.teardown.Do(func() {
		s.setState(StateClosing, reason, "")
		log.Printf("[session] %s closing: %s", s.ID, reason)

		if errInfo != nil {
			s.writeClient(relay.Frame{Type: relay.FrameError, Err: errInfo})
		} else {
			s.writeClient(relay.ControlFrame(relay.ControlSessionEnded, nil))
		}

		s.flushTranscript()

		if s.handle != nil {
			s.handle.Close()
		}
		s.client.Close()

		if s.onClose != nil {
			s.onClose(s.ID)
		}

		if errInfo != nil {
			s.setState(StateFailed, reason, errInfo.Message)
		} else {
			s.setState(StateClosed, "session ended", "")
		}
		close(s.done)
	})
}

// fail Connecting阶段的终态：不产生转录，客户端收到单个错误帧
func (s *Session) fail(kind, message string) {
	s.teardown.Do(func() {
		s.writeClient(relay.ErrorFrame(kind, message))
		s.client.Close()

		if s.onClose != nil {
			s.onClose(s.ID)
		}

		s.setState(StateFailed, "upstream unavailable", message)
		close(s.done)
	})
}

// flushTranscript 落盘累计转录。至少一次语义：失败时后台重试，
// 网关按条目ID幂等去重。
func (s *Session) flushTranscript() {
	s.mu.RLock()
	entries := make([]relay.TranscriptEntry, len(s.transcript))
	copy(entries, s.transcript)
	s.mu.RUnlock()

	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.gateway.AppendTranscript(ctx, s.ID, entries)
	cancel()
	if err == nil {
		return
	}

	log.Printf("[session] %s transcript flush failed, retrying in background: %v", s.ID, err)
	go func() {
		for attempt := 0; attempt < 3; attempt++ {
			time.Sleep(time.Duration(attempt+1) * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.gateway.AppendTranscript(ctx, s.ID, entries)
			cancel()
			if err == nil {
				return
			}
			log.Printf("[session] %s transcript retry %d failed: %v", s.ID, attempt+1, err)
		}
	}()
}

// recordTranscript 记录一条完成的话语，写入后不可变
func (s *Session) recordTranscript(role relay.Role, text string) {
	if text == "" {
		return
	}
	entry := relay.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
}

// writeClient 向客户端写帧，失败只记录日志；
// 传输层错误最终由客户端泵循环上报
func (s *Session) writeClient(frame relay.Frame) {
	if err := s.client.WriteFrame(frame); err != nil {
		log.Printf("[session] %s write to client failed: %v", s.ID, err)
	}
}

func marshalText(text string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	return data
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleExpired() bool {
	if s.cfg.IdleTimeout <= 0 {
		return false
	}
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) > s.cfg.IdleTimeout
}

func (s *Session) idleCheckInterval() time.Duration {
	if s.cfg.IdleTimeout > 0 && s.cfg.IdleTimeout < 4*time.Second {
		return s.cfg.IdleTimeout / 2
	}
	return 2 * time.Second
}

func (s *Session) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState 更新状态并向所有SSE订阅者广播快照
func (s *Session) setState(state State, message, lastError string) {
	s.mu.Lock()
	s.state = state
	s.message = message
	if lastError != "" {
		s.lastError = lastError
	}
	status := s.statusLocked()
	subs := make([]chan relay.SessionStatus, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- status:
		default:
			// 订阅者消费不过来就丢弃，状态流允许缺口
		}
	}
}

// Status 返回当前状态快照
func (s *Session) Status() relay.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() relay.SessionStatus {
	return relay.SessionStatus{
		SessionID: s.ID,
		State:     string(s.state),
		Message:   s.message,
		Connected: s.state.Connected(),
		LastError: s.lastError,
	}
}

// Subscribe 注册一个状态订阅通道（SSE推送用）
func (s *Session) Subscribe() chan relay.SessionStatus {
	ch := make(chan relay.SessionStatus, 8)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe 移除状态订阅
func (s *Session) Unsubscribe(ch chan relay.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}
