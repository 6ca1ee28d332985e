package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
	"github.com/hamrah-ai/hamrah/pkg/core/types"
)

// fakeTransport routes every HTTP request through a handler and records
// what was sent.
type fakeTransport struct {
	mu       sync.Mutex
	handler  func(call int, req *http.Request, body []byte) *http.Response
	calls    int
	requests []capturedRequest
}

type capturedRequest struct {
	url  string
	body []byte
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.requests = append(f.requests, capturedRequest{url: req.URL.String(), body: body})
	handler := f.handler
	f.mu.Unlock()
	return handler(call, req, body), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func textReply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}},
		},
	})
	return string(b)
}

func newTestService(ft *fakeTransport) *Service {
	svc := NewService("test-key", []gemini.Option{
		gemini.WithHTTPClient(&http.Client{Transport: ft}),
	})
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	svc.jitter = func() float64 { return 0 }
	return svc
}

func TestSendMessage_TextOnly(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			if !strings.Contains(req.URL.Path, gemini.ModelChat) {
				t.Errorf("unexpected model in URL: %s", req.URL.Path)
			}
			return jsonResponse(200, textReply("جانم؟ ❤️"))
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	reply, err := svc.SendMessage(context.Background(), "سلام", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Text != "جانم؟ ❤️" {
		t.Errorf("unexpected text: %q", reply.Text)
	}
	if reply.GeneratedImage != "" {
		t.Errorf("expected no generated image, got %q", reply.GeneratedImage)
	}
	// Exactly one request: the chat turn. No speech or image call.
	if got := ft.callCount(); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
}

func TestSendMessage_GenerateImageCall(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(call int, req *http.Request, body []byte) *http.Response {
		switch {
		case call == 0:
			// Model asks for an image.
			return jsonResponse(200, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"generate_image","args":{"prompt":"a red dress","aspectRatio":"9:16"}}}]}}]}`)
		case strings.Contains(req.URL.Path, gemini.ModelImage):
			if !strings.Contains(string(body), `"aspectRatio":"9:16"`) {
				t.Errorf("image request missing aspect ratio: %s", body)
			}
			return jsonResponse(200, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aW1n"}}]}}]}`)
		default:
			// Follow-up after the tool response.
			if !strings.Contains(string(body), `"functionResponse"`) {
				t.Errorf("follow-up request missing function response: %s", body)
			}
			if !strings.Contains(string(body), `"success":true`) {
				t.Errorf("follow-up should report success: %s", body)
			}
			return jsonResponse(200, textReply("اینم عکس 😈"))
		}
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	reply, err := svc.SendMessage(context.Background(), "یه عکس بفرست", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Text != "اینم عکس 😈" {
		t.Errorf("unexpected text: %q", reply.Text)
	}
	if reply.GeneratedImage != "data:image/png;base64,aW1n" {
		t.Errorf("unexpected generated image: %q", reply.GeneratedImage)
	}
	if got := ft.callCount(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestSendMessage_ImageFailureReportedToSession(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(call int, req *http.Request, body []byte) *http.Response {
		switch {
		case call == 0:
			return jsonResponse(200, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"generate_image","args":{"prompt":"a red dress"}}}]}}]}`)
		case strings.Contains(req.URL.Path, gemini.ModelImage):
			// Image model returns no inline data.
			return jsonResponse(200, textReply("cannot comply"))
		default:
			if !strings.Contains(string(body), `"success":false`) {
				t.Errorf("follow-up should report failure: %s", body)
			}
			return jsonResponse(200, textReply("ببخشید عزیزم، نشد."))
		}
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	reply, err := svc.SendMessage(context.Background(), "عکس", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.GeneratedImage != "" {
		t.Errorf("expected empty generated image, got %q", reply.GeneratedImage)
	}
	if reply.Text == "" {
		t.Error("text must always be populated")
	}
}

func TestSendMessage_RetriesThenApology(t *testing.T) {
	var slept []time.Duration
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(503, `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`)
		},
	}
	svc := newTestService(ft)
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	svc.StartNewChat(types.DefaultSettings(), nil)

	reply, err := svc.SendMessage(context.Background(), "سلام", "", "")
	if err != nil {
		t.Fatalf("SendMessage must not return an error for transient failures: %v", err)
	}
	if reply.Text != apologyText {
		t.Errorf("expected apology fallback, got %q", reply.Text)
	}
	if got := ft.callCount(); got != chatRetryCap+1 {
		t.Errorf("expected %d attempts, got %d", chatRetryCap+1, got)
	}
	if len(slept) != chatRetryCap {
		t.Fatalf("expected %d backoff sleeps, got %d", chatRetryCap, len(slept))
	}
	// Exponential: 1s, 2s, 4s, ...
	for i, d := range slept {
		want := time.Duration(1<<uint(i)) * time.Second
		if d != want {
			t.Errorf("sleep %d: expected %v, got %v", i, want, d)
		}
	}
}

func TestSendMessage_NonRetryableFailsFast(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(400, `{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`)
		},
	}
	svc := newTestService(ft)
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		t.Error("must not sleep on non-retryable errors")
		return nil
	}
	svc.StartNewChat(types.DefaultSettings(), nil)

	reply, err := svc.SendMessage(context.Background(), "سلام", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Text != apologyText {
		t.Errorf("expected apology fallback, got %q", reply.Text)
	}
	if got := ft.callCount(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestSendMessage_EmptyResponseApologizesImmediately(t *testing.T) {
	replies := []string{
		`{"candidates":[]}`,
		textReply(""),
	}
	for _, body := range replies {
		ft := &fakeTransport{
			handler: func(call int, req *http.Request, body2 []byte) *http.Response {
				return jsonResponse(200, body)
			},
		}
		svc := newTestService(ft)
		svc.sleep = func(ctx context.Context, d time.Duration) error {
			t.Error("must not back off on an empty model response")
			return nil
		}
		svc.StartNewChat(types.DefaultSettings(), nil)

		reply, err := svc.SendMessage(context.Background(), "سلام", "", "")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if reply.Text != apologyText {
			t.Errorf("expected apology fallback, got %q", reply.Text)
		}
		if got := ft.callCount(); got != 1 {
			t.Errorf("expected a single attempt, got %d", got)
		}
	}
}

func TestSendMessage_AuthErrorSurfaces(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(401, `{"error":{"code":401,"message":"invalid credentials","status":"UNAUTHENTICATED"}}`)
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	_, err := svc.SendMessage(context.Background(), "سلام", "", "")
	if err == nil {
		t.Fatal("expected credential error to surface")
	}
	if !gemini.IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestSendMessage_NotInitialized(t *testing.T) {
	svc := newTestService(&fakeTransport{
		handler: func(int, *http.Request, []byte) *http.Response { return jsonResponse(200, textReply("x")) },
	})
	if _, err := svc.SendMessage(context.Background(), "سلام", "", ""); err != ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestStartNewChat_ReplacesSession(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(200, textReply("باشه"))
		},
	}
	svc := newTestService(ft)

	svc.StartNewChat(types.DefaultSettings(), nil)
	if _, err := svc.SendMessage(context.Background(), "اول", "", ""); err != nil {
		t.Fatalf("first session: %v", err)
	}

	// A second session with identical settings and empty history starts
	// clean: the next request must not carry the first session's turns.
	svc.StartNewChat(types.DefaultSettings(), nil)
	if _, err := svc.SendMessage(context.Background(), "دوم", "", ""); err != nil {
		t.Fatalf("second session: %v", err)
	}

	last := ft.requests[len(ft.requests)-1]
	if strings.Contains(string(last.body), "اول") {
		t.Error("second session leaked history from the first")
	}
}

func TestGenerateSpeech_RetryCap(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(503, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	if got := svc.GenerateSpeech(context.Background(), "سلام"); got != "" {
		t.Errorf("expected empty fallback, got %q", got)
	}
	if got := ft.callCount(); got != speechRetryCap+1 {
		t.Errorf("expected %d attempts, got %d", speechRetryCap+1, got)
	}
}

func TestGenerateSpeech_UsesVoiceAndPrefix(t *testing.T) {
	var sent []byte
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			sent = body
			return jsonResponse(200, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"cGNt"}}]}}]}`)
		},
	}
	svc := newTestService(ft)
	settings := types.DefaultSettings()
	settings.TTSVoice = types.VoiceKore
	svc.StartNewChat(settings, nil)

	got := svc.GenerateSpeech(context.Background(), "دوستت دارم")
	if got != "cGNt" {
		t.Errorf("unexpected audio: %q", got)
	}
	if !strings.Contains(string(sent), `"voiceName":"Kore"`) {
		t.Errorf("request missing voice: %s", sent)
	}
	if !strings.Contains(string(sent), "بخوان") {
		t.Errorf("request missing tone prefix: %s", sent)
	}
}

func TestSplitDataURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		fallback string
		wantMIME string
		wantData string
	}{
		{"data url", "data:image/png;base64,QUJD", "image/jpeg", "image/png", "QUJD"},
		{"raw base64", "QUJD", "image/jpeg", "image/jpeg", "QUJD"},
		{"audio", "data:audio/webm;base64,eHl6", "audio/webm", "audio/webm", "eHl6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data := splitDataURL(tt.in, tt.fallback)
			if mime != tt.wantMIME || data != tt.wantData {
				t.Errorf("splitDataURL(%q) = (%q, %q), want (%q, %q)",
					tt.in, mime, data, tt.wantMIME, tt.wantData)
			}
		})
	}
}

func TestTimeGapNote(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		last time.Time
		want string
	}{
		{"zero", time.Time{}, ""},
		{"under an hour", now.Add(-30 * time.Minute), ""},
		{"hours", now.Add(-5 * time.Hour), "ساعت"},
		{"days", now.Add(-49 * time.Hour), "روز"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timeGapNote(tt.last, now)
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected empty note, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("note %q missing %q", got, tt.want)
			}
		})
	}
}
