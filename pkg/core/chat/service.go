// Package chat is the single point of contact with the Gemini backend for
// the companion app. It owns the stateful chat session, the image and
// speech one-shot calls, and the live session factory, and it hides retry,
// multimodal encoding, and function calling from everything above it.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
	"github.com/hamrah-ai/hamrah/pkg/core/types"
)

// ErrNotInitialized is returned when a turn is sent before StartNewChat.
var ErrNotInitialized = errors.New("chat: session not initialized")

// Reply is the outcome of one chat turn.
type Reply struct {
	Text           string
	GeneratedImage string
}

// Service wraps the Gemini client with session state and retry policy.
type Service struct {
	newClient func() *gemini.Client
	logger    *slog.Logger

	// Injectable for tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	mu            sync.Mutex
	client        *gemini.Client
	settings      types.ChatSettings
	system        string
	history       []gemini.Content
	lastMessageAt time.Time
	ready         bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates the facade. clientOpts are applied to every client the
// service builds, including the rebuilt ones after persistent errors.
func NewService(apiKey string, clientOpts []gemini.Option, opts ...ServiceOption) *Service {
	s := &Service{
		newClient: func() *gemini.Client { return gemini.New(apiKey, clientOpts...) },
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client = s.newClient()
	return s
}

// StartNewChat opens a fresh session from settings and prior messages,
// replacing any existing session outright.
func (s *Service) StartNewChat(settings types.ChatSettings, messages []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startNewChatLocked(settings, messages)
}

func (s *Service) startNewChatLocked(settings types.ChatSettings, messages []types.Message) {
	s.settings = settings
	if len(messages) > 0 {
		s.lastMessageAt = messages[len(messages)-1].Timestamp
	}
	now := s.now()
	s.system = systemInstruction(settings, now) + timeGapNote(s.lastMessageAt, now)
	s.history = historyContents(messages)
	s.ready = true
}

// SendMessage sends one turn, executing any generate_image function call
// the model requests and reporting its result back into the session. On
// exhausted retries or non-transient failure it returns a fixed apology
// reply instead of an error; only credential problems surface as errors.
func (s *Service) SendMessage(ctx context.Context, text, imageDataURL, audioDataURL string) (Reply, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return Reply{}, ErrNotInitialized
	}

	parts := buildUserParts(text, imageDataURL, audioDataURL)

	var reply Reply
	err := s.runWithRetry(ctx, chatRetryCap, s.rebuildClientAndSession, func() error {
		r, err := s.sendTurn(ctx, parts)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		if gemini.IsAuthError(err) {
			return Reply{}, err
		}
		s.logger.Error("chat turn failed", "error", err)
		return Reply{Text: apologyText}, nil
	}
	return reply, nil
}

// sendTurn performs one request round trip, including the function call
// follow-up when the model asks for an image. History is committed only
// when the whole turn succeeds, so a retried turn never duplicates content.
func (s *Service) sendTurn(ctx context.Context, userParts []gemini.Part) (Reply, error) {
	s.mu.Lock()
	contents := append(slices.Clone(s.history), gemini.Content{Role: "user", Parts: userParts})
	client := s.client
	req := s.chatRequestLocked(contents)
	s.mu.Unlock()

	resp, err := client.GenerateContent(ctx, gemini.ModelChat, req)
	if err != nil {
		return Reply{}, err
	}

	calls := resp.FunctionCalls()
	if len(calls) > 0 && calls[0].Name == "generate_image" {
		return s.handleImageCall(ctx, client, contents, resp, calls[0])
	}

	text := resp.Text()
	if text == "" {
		return Reply{}, &gemini.Error{Type: gemini.ErrEmptyResponse, Message: "empty response"}
	}
	s.commitHistory(append(contents, resp.Candidates[0].Content))
	return Reply{Text: text}, nil
}

// handleImageCall executes a generate_image function call, reports the
// result into the session, and returns the model's follow-up text.
func (s *Service) handleImageCall(ctx context.Context, client *gemini.Client, contents []gemini.Content, resp *gemini.Response, call gemini.FunctionCall) (Reply, error) {
	prompt, _ := call.Args["prompt"].(string)
	aspect, _ := call.Args["aspectRatio"].(string)
	if aspect == "" {
		aspect = "1:1"
	}

	generated := s.GenerateImage(ctx, prompt, aspect)

	msg := "Image generated successfully"
	if generated == "" {
		msg = "Image generation failed. The prompt might have been too explicit for the image model's hard-coded filters. Try a slightly less explicit prompt or focus on the atmosphere without using forbidden words."
	}
	fnResp := gemini.FunctionResponse{
		Name:     "generate_image",
		Response: map[string]any{"success": generated != "", "message": msg},
	}

	followContents := append(slices.Clone(contents),
		resp.Candidates[0].Content,
		gemini.Content{Role: "user", Parts: []gemini.Part{{FunctionResponse: &fnResp}}},
	)

	s.mu.Lock()
	followReq := s.chatRequestLocked(followContents)
	s.mu.Unlock()

	follow, err := client.GenerateContent(ctx, gemini.ModelChat, followReq)
	if err != nil {
		return Reply{}, err
	}
	text := follow.Text()
	if text == "" {
		text = defaultImageCaption
	}
	s.commitHistory(append(followContents, follow.Candidates[0].Content))
	return Reply{Text: text, GeneratedImage: generated}, nil
}

// SendToolResponse forwards a function call result into the open session
// and returns the model's reaction text. Used by the streaming path when a
// function call is detected after the stream ends.
func (s *Service) SendToolResponse(ctx context.Context, fnResp gemini.FunctionResponse) (string, error) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return "", ErrNotInitialized
	}
	contents := append(slices.Clone(s.history),
		gemini.Content{Role: "user", Parts: []gemini.Part{{FunctionResponse: &fnResp}}})
	client := s.client
	req := s.chatRequestLocked(contents)
	s.mu.Unlock()

	resp, err := client.GenerateContent(ctx, gemini.ModelChat, req)
	if err != nil {
		return "", err
	}
	s.commitHistory(append(contents, resp.Candidates[0].Content))
	return resp.Text(), nil
}

// GenerateImage calls the image model with the fixed style preamble and the
// persona portrait as a conditioning input when it is inline image data.
// Returns a data URL, or "" after exhausted retries or when the model
// returns no image.
func (s *Service) GenerateImage(ctx context.Context, scene, aspectRatio string) string {
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}
	s.mu.Lock()
	portrait := s.settings.AIProfilePic
	s.mu.Unlock()

	var parts []gemini.Part
	referenceDesc := ""
	if strings.HasPrefix(portrait, "data:image") {
		mime, data := splitDataURL(portrait, "image/png")
		parts = append(parts, gemini.Part{InlineData: &gemini.Blob{MIMEType: mime, Data: data}})
	} else if portrait != "" {
		// A remote URL cannot be inlined; substitute a textual description.
		referenceDesc = "The woman looks exactly like this: " + portrait + ". "
	}
	parts = append(parts, gemini.Part{Text: imagePrompt(referenceDesc, scene)})

	req := &gemini.Request{
		Contents: []gemini.Content{{Parts: parts}},
		GenerationConfig: &gemini.GenerationConfig{
			ImageConfig: &gemini.ImageConfig{AspectRatio: aspectRatio},
		},
		SafetySettings: gemini.PermissiveSafetySettings(),
	}

	var result string
	err := s.runWithRetry(ctx, imageRetryCap, s.rebuildClient, func() error {
		resp, err := s.currentClient().GenerateContent(ctx, gemini.ModelImage, req)
		if err != nil {
			return err
		}
		if blobs := resp.InlineImages(); len(blobs) > 0 {
			result = "data:image/png;base64," + blobs[0].Data
		}
		return nil
	})
	if err != nil {
		s.logger.Error("image generation failed", "error", err)
		return ""
	}
	return result
}

// GenerateSpeech synthesizes one utterance in the persona's voice. Returns
// base64 audio, or "" after exhausted retries.
func (s *Service) GenerateSpeech(ctx context.Context, text string) string {
	s.mu.Lock()
	voice := string(s.settings.TTSVoice)
	s.mu.Unlock()
	if voice == "" {
		voice = string(types.VoiceZephyr)
	}

	req := &gemini.Request{
		Contents: []gemini.Content{{Parts: []gemini.Part{{Text: ttsStylePrefix + text}}}},
		GenerationConfig: &gemini.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &gemini.SpeechConfig{
				VoiceConfig: &gemini.VoiceConfig{
					PrebuiltVoiceConfig: &gemini.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
		SafetySettings: gemini.PermissiveSafetySettings(),
	}

	var result string
	err := s.runWithRetry(ctx, speechRetryCap, s.rebuildClient, func() error {
		resp, err := s.currentClient().GenerateContent(ctx, gemini.ModelTTS, req)
		if err != nil {
			return err
		}
		if len(resp.Candidates) > 0 {
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.InlineData != nil {
					result = part.InlineData.Data
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("speech synthesis failed", "error", err)
		return ""
	}
	return result
}

// ConnectLive opens a bidirectional live session with audio response
// modality, the persona system prompt extended with call behavior rules,
// and transcription enabled both ways. A fresh client is built first so the
// session never reuses a stale connection.
func (s *Service) ConnectLive(ctx context.Context) (*gemini.LiveSession, error) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	s.client = s.newClient()
	client := s.client
	settings := s.settings
	now := s.now()
	system := systemInstruction(settings, now) + timeGapNote(s.lastMessageAt, now) + callRules
	s.mu.Unlock()

	// The native-audio live model supports a narrower voice set.
	voice := "Puck"
	if settings.TTSVoice == types.VoiceKore {
		voice = "Kore"
	}

	return client.ConnectLive(ctx, gemini.LiveConfig{
		SystemInstruction: system,
		VoiceName:         voice,
		Transcription:     true,
	})
}

// Settings returns the current settings snapshot.
func (s *Service) Settings() types.ChatSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Service) currentClient() *gemini.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Service) rebuildClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = s.newClient()
}

// rebuildClientAndSession clears potential stale state after persistent
// chat errors: a fresh client and a fresh session from current settings.
func (s *Service) rebuildClientAndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = s.newClient()
	s.startNewChatLocked(s.settings, nil)
}

func (s *Service) commitHistory(contents []gemini.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = contents
	s.lastMessageAt = s.now()
}

func (s *Service) chatRequestLocked(contents []gemini.Content) *gemini.Request {
	temp := 1.0
	return &gemini.Request{
		Contents:          contents,
		SystemInstruction: &gemini.Content{Parts: []gemini.Part{{Text: s.system}}},
		Tools:             []gemini.Tool{generateImageTool()},
		GenerationConfig:  &gemini.GenerationConfig{Temperature: &temp},
		SafetySettings:    gemini.PermissiveSafetySettings(),
	}
}

// buildUserParts assembles the outbound parts for one turn. Attachments
// come first; when the user sent no text a short instruction stands in so
// the model knows what to do with the attachment.
func buildUserParts(text, imageDataURL, audioDataURL string) []gemini.Part {
	var parts []gemini.Part
	if imageDataURL != "" {
		mime, data := splitDataURL(imageDataURL, "image/jpeg")
		parts = append(parts, gemini.Part{InlineData: &gemini.Blob{MIMEType: mime, Data: data}})
	}
	if audioDataURL != "" {
		mime, data := splitDataURL(audioDataURL, "audio/webm")
		parts = append(parts, gemini.Part{InlineData: &gemini.Blob{MIMEType: mime, Data: data}})
	}
	switch {
	case text != "":
		parts = append(parts, gemini.Part{Text: text})
	case audioDataURL != "":
		parts = append(parts, gemini.Part{Text: "این پیام صوتی من هست، گوش بده و جواب بده."})
	default:
		parts = append(parts, gemini.Part{Text: "در مورد این عکس چی فکر می‌کنی؟"})
	}
	return parts
}

// splitDataURL splits "data:<mime>;base64,<data>" into its parts. Raw
// base64 without a data URL header passes through with the fallback mime.
func splitDataURL(s, fallbackMIME string) (mime, data string) {
	if !strings.HasPrefix(s, "data:") {
		return fallbackMIME, s
	}
	header, rest, ok := strings.Cut(s, ",")
	if !ok {
		return fallbackMIME, s
	}
	mime = strings.TrimPrefix(header, "data:")
	mime = strings.TrimSuffix(mime, ";base64")
	if mime == "" {
		mime = fallbackMIME
	}
	return mime, rest
}
