// Package types defines the shared data model for the companion chat client:
// messages, settings, personas, and voices.
package types

import (
	"encoding/json"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is a single conversation turn. Messages are append-mostly: once
// created they are never mutated except to attach lazily generated audio.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Image     string    `json:"image,omitempty"`
	AudioB64  string    `json:"audioBase64,omitempty"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// messageJSON is the wire form of Message. Timestamps are serialized as
// RFC 3339 with millisecond precision so a round trip through storage
// reproduces them exactly.
type messageJSON struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Image     string `json:"image,omitempty"`
	AudioB64  string `json:"audioBase64,omitempty"`
	Sender    Sender `json:"sender"`
	Timestamp string `json:"timestamp"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Text:      m.Text,
		Image:     m.Image,
		AudioB64:  m.AudioB64,
		Sender:    m.Sender,
		Timestamp: m.Timestamp.UTC().Format(timestampLayout),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return err
	}
	m.ID = w.ID
	m.Text = w.Text
	m.Image = w.Image
	m.AudioB64 = w.AudioB64
	m.Sender = w.Sender
	m.Timestamp = ts
	return nil
}

// Persona is a named behavioral template that parameterizes the system
// prompt sent with every session.
type Persona string

const (
	PersonaDoctor    Persona = "doctor"
	PersonaPartner   Persona = "partner"
	PersonaFriend    Persona = "friend"
	PersonaAssistant Persona = "assistant"
	PersonaCustom    Persona = "custom"
)

// TTSVoice selects the prebuilt voice used for speech synthesis.
type TTSVoice string

const (
	VoiceKore   TTSVoice = "Kore"
	VoicePuck   TTSVoice = "Puck"
	VoiceZephyr TTSVoice = "Zephyr"
	VoiceCharon TTSVoice = "Charon"
	VoiceFenrir TTSVoice = "Fenrir"
)

// ChatSettings is the process-wide configuration for the companion. It is
// replaced wholesale on save and drives system prompt construction for
// every new session.
type ChatSettings struct {
	AIName              string   `json:"aiName"`
	AIAge               int      `json:"aiAge"`
	UserName            string   `json:"userName"`
	AIProfilePic        string   `json:"aiProfilePic,omitempty"`
	BackgroundGradient  string   `json:"backgroundGradient,omitempty"`
	Persona             Persona  `json:"persona"`
	CustomPersonaPrompt string   `json:"customPersonaPrompt,omitempty"`
	TTSEnabled          bool     `json:"ttsEnabled"`
	TTSAutoPlay         bool     `json:"ttsAutoPlay"`
	TTSVoice            TTSVoice `json:"ttsVoice"`
}

// DefaultSettings returns the settings used on first run or when the
// persisted payload is unreadable.
func DefaultSettings() ChatSettings {
	return ChatSettings{
		AIName:             "سارا 💋",
		AIAge:              25,
		UserName:           "عزیزم",
		AIProfilePic:       "https://picsum.photos/seed/attractive-girl/400/400",
		BackgroundGradient: "linear-gradient(180deg, #d8e4f1 0%, #a2c2e1 100%)",
		Persona:            PersonaPartner,
		TTSEnabled:         true,
		TTSAutoPlay:        false,
		TTSVoice:           VoiceZephyr,
	}
}
