package relay

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameTypeTagDiscrimination(t *testing.T) {
	frames := []Frame{
		AudioFrame([]byte{1, 2, 3}, 7, UpstreamToClient),
		ControlFrame(ControlStopPlayback, nil),
		{Type: FrameInterrupt},
		{Type: FrameEndOfTurn},
		ErrorFrame("upstream_error", "boom"),
	}

	for _, frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal %s: %v", frame.Type, err)
		}

		var decoded Frame
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", frame.Type, err)
		}
		if decoded.Type != frame.Type {
			t.Fatalf("type tag lost: got %s, want %s", decoded.Type, frame.Type)
		}
	}
}

func TestAudioFrameCarriesSequence(t *testing.T) {
	frame := AudioFrame([]byte{0xDE, 0xAD}, 42, ClientToUpstream)

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}

	if decoded.Seq != 42 {
		t.Fatalf("expected seq 42, got %d", decoded.Seq)
	}
	if decoded.Direction != ClientToUpstream {
		t.Fatalf("expected client_to_upstream, got %s", decoded.Direction)
	}
	if !bytes.Equal(decoded.Audio, []byte{0xDE, 0xAD}) {
		t.Fatalf("audio payload corrupted: %v", decoded.Audio)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{name: "error frame", frame: ErrorFrame("x", "y"), want: true},
		{name: "session ended", frame: ControlFrame(ControlSessionEnded, nil), want: true},
		{name: "stop playback", frame: ControlFrame(ControlStopPlayback, nil), want: false},
		{name: "audio", frame: AudioFrame(nil, 1, UpstreamToClient), want: false},
	}

	for _, tc := range cases {
		if got := tc.frame.IsTerminal(); got != tc.want {
			t.Fatalf("%s: IsTerminal() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
