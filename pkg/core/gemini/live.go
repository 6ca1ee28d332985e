package gemini

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// LiveConfig configures a Live session.
type LiveConfig struct {
	Model             string
	SystemInstruction string
	VoiceName         string
	// ResponseModalities defaults to ["AUDIO"].
	ResponseModalities []string
	// Transcription enables input and output audio transcription events.
	Transcription bool
	Tools         []Tool
}

// MediaChunk is one realtime input chunk (audio block or video frame).
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64 encoded
}

// LiveSession is a bidirectional streaming session over the Live websocket
// API. Server payloads are decoded into LiveEvents and delivered in arrival
// order on Events.
type LiveSession struct {
	conn    *websocket.Conn
	events  chan LiveEvent
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// liveClientMessage is the wire shape of outbound Live payloads.
type liveClientMessage struct {
	Setup         *liveSetup         `json:"setup,omitempty"`
	RealtimeInput *liveRealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *liveToolResponse  `json:"toolResponse,omitempty"`
}

type liveSetup struct {
	Model                    string            `json:"model"`
	GenerationConfig         *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *Content          `json:"systemInstruction,omitempty"`
	Tools                    []Tool            `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type liveRealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

type liveToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// ConnectLive dials the Live websocket, sends the setup message, and starts
// the read loop. The session is usable immediately; the SetupCompleteEvent
// arrives on Events once the server acknowledges.
func (c *Client) ConnectLive(ctx context.Context, cfg LiveConfig) (*LiveSession, error) {
	u, err := url.Parse(c.liveURL)
	if err != nil {
		return nil, fmt.Errorf("parse live URL: %w", err)
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("live connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("live connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("live connect: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = ModelLive
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	setup := &liveSetup{
		Model: "models/" + model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: modalities,
		},
		Tools: cfg.Tools,
	}
	if cfg.VoiceName != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.Transcription {
		setup.InputAudioTranscription = &struct{}{}
		setup.OutputAudioTranscription = &struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &LiveSession{
		conn:   conn,
		events: make(chan LiveEvent, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.writeJSON(liveClientMessage{Setup: setup}); err != nil {
		s.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	go s.readLoop()

	return s, nil
}

func (s *LiveSession) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.deliver(SessionErrorEvent{Err: err})
			}
			return
		}

		events, err := decodeServerMessage(data)
		if err != nil {
			s.deliver(SessionErrorEvent{Err: err})
			continue
		}
		for _, ev := range events {
			s.deliver(ev)
		}
	}
}

func (s *LiveSession) deliver(ev LiveEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Events returns the channel of decoded session events. It is closed when
// the session ends.
func (s *LiveSession) Events() <-chan LiveEvent {
	return s.events
}

// SendRealtimeInput pushes audio blocks or video frames into the session.
func (s *LiveSession) SendRealtimeInput(chunks ...MediaChunk) error {
	if s.closed.Load() {
		return fmt.Errorf("live session closed")
	}
	return s.writeJSON(liveClientMessage{
		RealtimeInput: &liveRealtimeInput{MediaChunks: chunks},
	})
}

// SendToolResponse reports function call results back into the session.
func (s *LiveSession) SendToolResponse(responses ...FunctionResponse) error {
	if s.closed.Load() {
		return fmt.Errorf("live session closed")
	}
	return s.writeJSON(liveClientMessage{
		ToolResponse: &liveToolResponse{FunctionResponses: responses},
	})
}

func (s *LiveSession) writeJSON(msg liveClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Close tears the session down. Safe to call multiple times.
func (s *LiveSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}
