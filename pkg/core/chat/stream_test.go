package chat

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/hamrah-ai/hamrah/pkg/core/types"
)

func TestSendMessageStream(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"سلام"}]}}]}`,
		``,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":" عشقم"}]},"finishReason":"STOP"}]}`,
		``,
	}, "\n")

	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			if !strings.Contains(req.URL.Path, "streamGenerateContent") {
				t.Errorf("expected streaming endpoint, got %s", req.URL.Path)
			}
			return jsonResponse(200, sse)
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	stream, err := svc.SendMessageStream(context.Background(), "سلام", "", "")
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}
	defer stream.Close()

	var frags []string
	for {
		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frags = append(frags, frag)
	}
	if len(frags) != 2 || frags[0] != "سلام" || frags[1] != " عشقم" {
		t.Errorf("unexpected fragments: %v", frags)
	}

	// The accumulated reply is now part of the session history.
	svc.mu.Lock()
	history := svc.history
	svc.mu.Unlock()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[1].Parts[0].Text != "سلام عشقم" {
		t.Errorf("unexpected committed reply: %q", history[1].Parts[0].Text)
	}
}

func TestSendMessageStream_CollectsFunctionCalls(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"generate_image","args":{"prompt":"a red dress"}}}]}}]}`,
		``,
	}, "\n")

	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			return jsonResponse(200, sse)
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	stream, err := svc.SendMessageStream(context.Background(), "عکس بفرست", "", "")
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}
	for {
		if _, err := stream.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	calls := stream.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "generate_image" {
		t.Fatalf("unexpected function calls: %#v", calls)
	}
}

func TestSendMessageStream_AttachmentFallback(t *testing.T) {
	ft := &fakeTransport{
		handler: func(call int, req *http.Request, body []byte) *http.Response {
			if strings.Contains(req.URL.Path, "streamGenerateContent") {
				t.Error("attachment turns must not use the streaming endpoint")
			}
			return jsonResponse(200, textReply("چه عکس قشنگی"))
		},
	}
	svc := newTestService(ft)
	svc.StartNewChat(types.DefaultSettings(), nil)

	stream, err := svc.SendMessageStream(context.Background(), "", "data:image/jpeg;base64,QUJD", "")
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}

	frag, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frag != "چه عکس قشنگی" {
		t.Errorf("unexpected fragment: %q", frag)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("expected EOF after single fragment, got %v", err)
	}
}
