package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "text only",
			msg: Message{
				ID:        "m1",
				Text:      "سلام",
				Sender:    SenderUser,
				Timestamp: time.Date(2026, 8, 30, 10, 20, 30, 123_000_000, time.UTC),
			},
		},
		{
			name: "with attachments",
			msg: Message{
				ID:        "m2",
				Text:      "بفرما",
				Image:     "data:image/png;base64,AAAA",
				AudioB64:  "UklGRg==",
				Sender:    SenderAI,
				Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 999_000_000, time.UTC),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Message
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != tt.msg {
				t.Errorf("round trip = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestMessageTimestampMillisecondPrecision(t *testing.T) {
	msg := Message{
		ID:        "m1",
		Text:      "hi",
		Sender:    SenderUser,
		Timestamp: time.Date(2026, 8, 30, 10, 20, 30, 123_456_789, time.UTC),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"2026-08-30T10:20:30.123Z"`) {
		t.Errorf("timestamp not serialized at millisecond precision: %s", raw)
	}

	var got Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Timestamp.Nanosecond() != 123_000_000 {
		t.Errorf("reloaded nanoseconds = %d, want ms-truncated 123000000", got.Timestamp.Nanosecond())
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.AIName == "" || s.UserName == "" {
		t.Error("defaults missing names")
	}
	if s.Persona != PersonaPartner {
		t.Errorf("default persona = %q, want partner", s.Persona)
	}
	if s.TTSVoice != VoiceZephyr {
		t.Errorf("default voice = %q, want Zephyr", s.TTSVoice)
	}
	if !s.TTSEnabled || s.TTSAutoPlay {
		t.Error("tts should default to enabled without autoplay")
	}
}
