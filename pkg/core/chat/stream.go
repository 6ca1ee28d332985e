package chat

import (
	"context"
	"io"
	"slices"
	"strings"

	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
)

// TextStream is an iterator over the incremental text fragments of one
// streaming chat turn. After Next returns io.EOF the accumulated reply has
// been committed to the session history and FunctionCalls reports any tool
// invocations the model produced along the way.
type TextStream struct {
	svc    *Service
	stream *gemini.ChunkStream

	// Prefilled fragments for the non-streaming fallback.
	pending []string

	contents []gemini.Content
	full     strings.Builder
	calls    []gemini.FunctionCall
	finished bool
}

// SendMessageStream sends one turn and streams the model's text back
// fragment by fragment. The backend does not stream over multimodal input,
// so turns with an image or audio attachment fall back to SendMessage and
// yield the whole reply as a single fragment.
func (s *Service) SendMessageStream(ctx context.Context, text, imageDataURL, audioDataURL string) (*TextStream, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}

	if imageDataURL != "" || audioDataURL != "" {
		reply, err := s.SendMessage(ctx, text, imageDataURL, audioDataURL)
		if err != nil {
			return nil, err
		}
		return &TextStream{svc: s, pending: []string{reply.Text}, finished: true}, nil
	}

	parts := buildUserParts(text, "", "")

	s.mu.Lock()
	contents := append(slices.Clone(s.history), gemini.Content{Role: "user", Parts: parts})
	client := s.client
	req := s.chatRequestLocked(contents)
	s.mu.Unlock()

	stream, err := client.StreamGenerateContent(ctx, gemini.ModelChat, req)
	if err != nil {
		if gemini.IsAuthError(err) {
			return nil, err
		}
		s.logger.Error("stream open failed", "error", err)
		return &TextStream{svc: s, pending: []string{apologyText}, finished: true}, nil
	}

	return &TextStream{svc: s, stream: stream, contents: contents}, nil
}

// Next returns the next text fragment, or io.EOF when the turn is done.
func (t *TextStream) Next() (string, error) {
	if len(t.pending) > 0 {
		frag := t.pending[0]
		t.pending = t.pending[1:]
		return frag, nil
	}
	if t.stream == nil {
		return "", io.EOF
	}

	for {
		chunk, err := t.stream.Next()
		if err == io.EOF {
			t.finish()
			return "", io.EOF
		}
		if err != nil {
			t.finish()
			return "", err
		}
		t.calls = append(t.calls, chunk.FunctionCalls()...)
		if frag := chunk.Text(); frag != "" {
			t.full.WriteString(frag)
			return frag, nil
		}
	}
}

// FunctionCalls returns the tool invocations seen during the stream. Valid
// after Next has returned io.EOF; the caller executes them and reports back
// via SendToolResponse.
func (t *TextStream) FunctionCalls() []gemini.FunctionCall {
	return t.calls
}

// Close releases the underlying stream without committing further input.
func (t *TextStream) Close() error {
	if t.stream != nil {
		return t.stream.Close()
	}
	return nil
}

// finish commits the accumulated model reply into the session history.
func (t *TextStream) finish() {
	if t.finished {
		return
	}
	t.finished = true

	var parts []gemini.Part
	if text := t.full.String(); text != "" {
		parts = append(parts, gemini.Part{Text: text})
	}
	for i := range t.calls {
		parts = append(parts, gemini.Part{FunctionCall: &t.calls[i]})
	}
	if len(parts) == 0 {
		return
	}
	t.svc.commitHistory(append(t.contents, gemini.Content{Role: "model", Parts: parts}))
}
