package gemini

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ChunkStream iterates over the response chunks of a streaming
// generateContent call. Each chunk is a partial Response whose first
// candidate carries the incremental parts.
type ChunkStream struct {
	reader io.ReadCloser
	buf    *bufio.Reader
	closed bool
}

func newChunkStream(body io.ReadCloser) *ChunkStream {
	return &ChunkStream{
		reader: body,
		buf:    bufio.NewReader(body),
	}
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
func (s *ChunkStream) Next() (*Response, error) {
	if s.closed {
		return nil, io.EOF
	}

	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.Close()
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.Close()
			return nil, io.EOF
		}

		var chunk Response
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		return &chunk, nil
	}
}

// Close releases the underlying response body. Safe to call multiple times.
func (s *ChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
