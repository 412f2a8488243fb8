package upstream_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-bridge/backend/internal/model/relay"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
)

// fakeUpstreamServer 模拟实时语音服务端，按脚本推送事件
type fakeUpstreamServer struct {
	srv      *httptest.Server
	received chan map[string]any
	push     chan map[string]any
	drop     chan struct{}
	reject   bool
}

func newFakeUpstreamServer(t *testing.T, reject bool) *fakeUpstreamServer {
	t.Helper()

	f := &fakeUpstreamServer{
		received: make(chan map[string]any, 32),
		push:     make(chan map[string]any, 32),
		drop:     make(chan struct{}),
		reject:   reject,
	}

	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				f.received <- msg

				if msg["type"] == upstream.ClientEventSessionUpdate {
					if f.reject {
						f.push <- map[string]any{
							"type":  upstream.ServerEventError,
							"error": map[string]any{"message": "model not available"},
						}
					} else {
						f.push <- map[string]any{"type": upstream.ServerEventSessionCreated}
						f.push <- map[string]any{"type": upstream.ServerEventSessionUpdated}
					}
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case <-f.drop:
				// 升级后的连接不再归httptest管理，直接关闭底层conn模拟掉线
				conn.UnderlyingConn().Close()
				return
			case ev := <-f.push:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}))

	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstreamServer) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// nextReceived 等待服务端收到的下一条客户端事件
func (f *fakeUpstreamServer) nextReceived(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client event")
		return nil
	}
}

func dialFake(t *testing.T, f *fakeUpstreamServer) upstream.Handle {
	t.Helper()

	connector := upstream.NewWSConnector(f.endpoint(), "test-key")
	handle, err := connector.Connect(context.Background(), upstream.SessionConfig{
		SessionID:    "sess-1",
		Model:        "realtime-lite",
		Voice:        "nova",
		Instructions: "be brief",
	})
	if err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

func TestConnectorHandshake(t *testing.T) {
	f := newFakeUpstreamServer(t, false)
	dialFake(t, f)

	msg := f.nextReceived(t)
	if msg["type"] != upstream.ClientEventSessionUpdate {
		t.Fatalf("expected session.update first, got %v", msg["type"])
	}

	sess, ok := msg["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing: %v", msg)
	}
	if sess["voice"] != "nova" {
		t.Fatalf("expected voice nova, got %v", sess["voice"])
	}
	if sess["instructions"] != "be brief" {
		t.Fatalf("expected instructions to be forwarded, got %v", sess["instructions"])
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Fatalf("expected pcm16 formats, got %v", sess)
	}
}

func TestConnectorHandshakeRejected(t *testing.T) {
	f := newFakeUpstreamServer(t, true)

	connector := upstream.NewWSConnector(f.endpoint(), "test-key")
	_, err := connector.Connect(context.Background(), upstream.SessionConfig{SessionID: "sess-1"})
	if !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestConnectorBadCredentials(t *testing.T) {
	f := newFakeUpstreamServer(t, false)

	connector := upstream.NewWSConnector(f.endpoint(), "wrong-key")
	_, err := connector.Connect(context.Background(), upstream.SessionConfig{SessionID: "sess-1"})
	if !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestReceiveTranslatesServerEvents(t *testing.T) {
	f := newFakeUpstreamServer(t, false)
	handle := dialFake(t, f)
	f.nextReceived(t) // session.update

	audio := []byte{0x01, 0x02, 0x03}
	f.push <- map[string]any{
		"type":  upstream.ServerEventAudioDelta,
		"delta": base64.StdEncoding.EncodeToString(audio),
	}
	f.push <- map[string]any{"type": upstream.ServerEventSpeechStarted}
	f.push <- map[string]any{"type": upstream.ServerEventTranscriptDone, "transcript": "all done"}
	f.push <- map[string]any{"type": upstream.ServerEventAudioDone}

	frame, err := handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type != relay.FrameAudio || string(frame.Audio) != string(audio) {
		t.Fatalf("expected decoded audio frame, got %+v", frame)
	}
	if frame.Seq != 1 || frame.Direction != relay.UpstreamToClient {
		t.Fatalf("unexpected audio frame metadata: %+v", frame)
	}

	frame, err = handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type != relay.FrameControl || frame.Control.Kind != relay.ControlSpeechStarted {
		t.Fatalf("expected speech_started control, got %+v", frame)
	}

	frame, err = handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type != relay.FrameControl || frame.Control.Kind != relay.ControlAssistantTranscript {
		t.Fatalf("expected assistant transcript control, got %+v", frame)
	}
	if got := upstream.ParseTranscript(frame.Control.Payload); got != "all done" {
		t.Fatalf("expected transcript text, got %q", got)
	}

	frame, err = handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type != relay.FrameEndOfTurn {
		t.Fatalf("expected end of turn, got %+v", frame)
	}
}

func TestSingleEndOfTurnPerResponse(t *testing.T) {
	f := newFakeUpstreamServer(t, false)
	handle := dialFake(t, f)
	f.nextReceived(t)

	// 真实上游在一个回合里先后发出audio.done与response.done
	f.push <- map[string]any{"type": upstream.ServerEventAudioDone}
	f.push <- map[string]any{"type": upstream.ServerEventResponseDone}
	f.push <- map[string]any{"type": upstream.ServerEventSpeechStarted}

	frame, err := handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type != relay.FrameEndOfTurn {
		t.Fatalf("expected end of turn, got %+v", frame)
	}

	frame, err = handle.Receive()
	if err != nil {
		t.Fatalf("Receive err: %v", err)
	}
	if frame.Type == relay.FrameEndOfTurn {
		t.Fatal("response.done produced a second end of turn")
	}
	if frame.Type != relay.FrameControl || frame.Control.Kind != relay.ControlSpeechStarted {
		t.Fatalf("expected speech_started after the turn, got %+v", frame)
	}
}

func TestReceiveSurfacesDisconnect(t *testing.T) {
	f := newFakeUpstreamServer(t, false)
	handle := dialFake(t, f)
	f.nextReceived(t)

	close(f.drop)

	_, err := handle.Receive()
	if !errors.Is(err, upstream.ErrUpstreamClosed) {
		t.Fatalf("expected ErrUpstreamClosed, got %v", err)
	}
}

func TestSendTranslatesFrames(t *testing.T) {
	f := newFakeUpstreamServer(t, false)
	handle := dialFake(t, f)
	f.nextReceived(t)

	audio := []byte{0xCA, 0xFE}
	if err := handle.Send(relay.AudioFrame(audio, 1, relay.ClientToUpstream)); err != nil {
		t.Fatalf("Send audio err: %v", err)
	}
	if err := handle.Send(relay.Frame{Type: relay.FrameInterrupt}); err != nil {
		t.Fatalf("Send interrupt err: %v", err)
	}
	if err := handle.Send(relay.Frame{Type: relay.FrameEndOfTurn}); err != nil {
		t.Fatalf("Send end of turn err: %v", err)
	}

	msg := f.nextReceived(t)
	if msg["type"] != upstream.ClientEventAudioAppend {
		t.Fatalf("expected audio append, got %v", msg["type"])
	}
	if msg["audio"] != base64.StdEncoding.EncodeToString(audio) {
		t.Fatalf("audio payload not base64 encoded: %v", msg["audio"])
	}

	if msg := f.nextReceived(t); msg["type"] != upstream.ClientEventResponseCancel {
		t.Fatalf("expected response cancel, got %v", msg["type"])
	}
	if msg := f.nextReceived(t); msg["type"] != upstream.ClientEventAudioCommit {
		t.Fatalf("expected audio commit, got %v", msg["type"])
	}
}
