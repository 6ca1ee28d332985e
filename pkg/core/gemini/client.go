// Package gemini is a thin wire client for the Google Gemini API surfaces
// this application needs: turn-based content generation (with SSE
// streaming), image generation, speech synthesis, and the Live bidirectional
// websocket session. It normalizes wire payloads into strict internal types
// before anything above it consumes them.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// DefaultBaseURL is the default Gemini REST endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultLiveURL is the default Gemini Live websocket endpoint.
	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// Default model identifiers for each API surface.
const (
	ModelChat  = "gemini-3-flash-preview"
	ModelImage = "gemini-2.5-flash-image"
	ModelTTS   = "gemini-2.5-flash-preview-tts"
	ModelLive  = "gemini-2.5-flash-native-audio-preview-09-2025"
)

// Client talks to the Gemini API.
type Client struct {
	apiKey     string
	baseURL    string
	liveURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the REST endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithLiveURL overrides the Live websocket endpoint.
func WithLiveURL(u string) Option {
	return func(c *Client) { c.liveURL = u }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a new Gemini client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		liveURL:    DefaultLiveURL,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateContent sends a non-streaming request to the given model.
func (c *Client) GenerateContent(ctx context.Context, model string, req *Request) (*Response, error) {
	respBody, err := c.doRequest(ctx, model, "generateContent", req)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &Error{Type: ErrEmptyResponse, Message: "no candidates in response"}
	}
	return &resp, nil
}

// StreamGenerateContent sends a streaming request to the given model and
// returns an iterator over response chunks.
func (c *Client) StreamGenerateContent(ctx context.Context, model string, req *Request) (*ChunkStream, error) {
	body, err := c.doStreamRequest(ctx, model, req)
	if err != nil {
		return nil, err
	}
	return newChunkStream(body), nil
}

func (c *Client) doRequest(ctx context.Context, model, method string, req *Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, false)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Type: ErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, parseError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

func (c *Client) doStreamRequest(ctx context.Context, model string, req *Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq, true)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Type: ErrNetwork, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}
