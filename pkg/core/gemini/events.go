package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// LiveEvent is a normalized event from a Live session. The websocket
// payloads are loosely structured; decoding converts them into this strict
// tagged union before anything above the wire layer sees them.
type LiveEvent interface {
	EventType() string
}

// SetupCompleteEvent signals the session accepted the setup message.
type SetupCompleteEvent struct{}

func (SetupCompleteEvent) EventType() string { return "setup_complete" }

// AudioChunkEvent carries decoded PCM output audio.
type AudioChunkEvent struct {
	PCM      []byte
	MIMEType string
}

func (AudioChunkEvent) EventType() string { return "audio_chunk" }

// TextDeltaEvent carries incremental model text.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) EventType() string { return "text_delta" }

// FunctionCallEvent carries a tool invocation requested mid-session.
type FunctionCallEvent struct {
	Call FunctionCall
}

func (FunctionCallEvent) EventType() string { return "function_call" }

// InterruptedEvent signals the model was cut off by new input.
type InterruptedEvent struct{}

func (InterruptedEvent) EventType() string { return "interrupted" }

// TurnCompleteEvent signals the model finished its turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) EventType() string { return "turn_complete" }

// InputTranscriptEvent carries a transcription of the user's audio.
type InputTranscriptEvent struct {
	Text string
}

func (InputTranscriptEvent) EventType() string { return "input_transcript" }

// OutputTranscriptEvent carries a transcription of the model's audio.
type OutputTranscriptEvent struct {
	Text string
}

func (OutputTranscriptEvent) EventType() string { return "output_transcript" }

// SessionErrorEvent carries a terminal session failure.
type SessionErrorEvent struct {
	Err error
}

func (SessionErrorEvent) EventType() string { return "session_error" }

// serverMessage is the wire shape of a Live server payload.
type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []Part `json:"parts"`
		} `json:"modelTurn,omitempty"`
		Interrupted         bool `json:"interrupted,omitempty"`
		TurnComplete        bool `json:"turnComplete,omitempty"`
		InputTranscription  *struct {
			Text string `json:"text"`
		} `json:"inputTranscription,omitempty"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription,omitempty"`
	} `json:"serverContent,omitempty"`
	ToolCall *struct {
		FunctionCalls []FunctionCall `json:"functionCalls"`
	} `json:"toolCall,omitempty"`
}

// decodeServerMessage normalizes one websocket payload into zero or more
// events, in the order the payload presents them.
func decodeServerMessage(data []byte) ([]LiveEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal server message: %w", err)
	}

	var events []LiveEvent
	if msg.SetupComplete != nil {
		events = append(events, SetupCompleteEvent{})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, InterruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, InputTranscriptEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, OutputTranscriptEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				switch {
				case part.InlineData != nil:
					pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						return nil, fmt.Errorf("decode audio chunk: %w", err)
					}
					events = append(events, AudioChunkEvent{PCM: pcm, MIMEType: part.InlineData.MIMEType})
				case part.Text != "":
					events = append(events, TextDeltaEvent{Text: part.Text})
				}
			}
		}
		if sc.TurnComplete {
			events = append(events, TurnCompleteEvent{})
		}
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			events = append(events, FunctionCallEvent{Call: call})
		}
	}

	return events, nil
}
