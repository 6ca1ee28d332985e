package call

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func jpegFrame(payload []byte) []byte {
	frame := []byte{0xFF, 0xD8}
	frame = append(frame, payload...)
	return append(frame, 0xFF, 0xD9)
}

func TestFrameSplitter(t *testing.T) {
	frameA := jpegFrame([]byte{0x01, 0x02, 0x03})
	frameB := jpegFrame([]byte{0x04, 0x05})

	var stream []byte
	stream = append(stream, 0xAA, 0xBB) // leading garbage before the first marker
	stream = append(stream, frameA...)
	stream = append(stream, frameB...)

	fs := newFrameSplitter(bytes.NewReader(stream))

	got, err := fs.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(got, frameA) {
		t.Errorf("first frame = %x, want %x", got, frameA)
	}

	got, err = fs.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(got, frameB) {
		t.Errorf("second frame = %x, want %x", got, frameB)
	}

	if _, err := fs.Next(); err != io.EOF {
		t.Errorf("after stream end err = %v, want io.EOF", err)
	}
}

func TestFrameSplitter_TruncatedFrame(t *testing.T) {
	stream := []byte{0xFF, 0xD8, 0x01, 0x02} // start marker, no end marker
	fs := newFrameSplitter(bytes.NewReader(stream))
	if _, err := fs.Next(); err != io.EOF {
		t.Errorf("truncated frame err = %v, want io.EOF", err)
	}
}

// chanFrameSource feeds frames from a channel; Close unblocks readers
// with io.EOF.
type chanFrameSource struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func newChanFrameSource() *chanFrameSource {
	return &chanFrameSource{
		frames: make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (s *chanFrameSource) ReadFrame() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *chanFrameSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestVideoCapture_ForwardsFrames(t *testing.T) {
	src := newChanFrameSource()
	sent := make(chan []byte, 8)
	v := NewVideoCapture(
		func(Facing) (FrameSource, error) { return src, nil },
		func(jpeg []byte) error { sent <- jpeg; return nil },
		slog.Default(),
	)
	defer v.Close()

	go func() { _ = v.Run(context.Background()) }()

	frame := jpegFrame([]byte{0x10})
	src.frames <- frame
	select {
	case got := <-sent:
		if !bytes.Equal(got, frame) {
			t.Errorf("forwarded frame = %x, want %x", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not forwarded")
	}
}

func TestVideoCapture_SwitchCameraReplacesSource(t *testing.T) {
	var (
		mu      sync.Mutex
		sources []*chanFrameSource
		facings []Facing
	)
	newSource := func(f Facing) (FrameSource, error) {
		mu.Lock()
		defer mu.Unlock()
		src := newChanFrameSource()
		sources = append(sources, src)
		facings = append(facings, f)
		return src, nil
	}
	sent := make(chan []byte, 8)
	v := NewVideoCapture(
		newSource,
		func(jpeg []byte) error { sent <- jpeg; return nil },
		slog.Default(),
	)
	defer v.Close()

	go func() { _ = v.Run(context.Background()) }()
	waitFor(t, "front camera opened", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) == 1
	})

	if err := v.SwitchCamera(); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	if got := v.Facing(); got != FacingBack {
		t.Errorf("facing = %v, want back", got)
	}

	mu.Lock()
	if len(sources) != 2 {
		mu.Unlock()
		t.Fatalf("opened %d sources, want 2", len(sources))
	}
	first, second := sources[0], sources[1]
	if facings[1] != FacingBack {
		t.Errorf("second source facing = %v, want back", facings[1])
	}
	mu.Unlock()

	select {
	case <-first.closed:
	default:
		t.Error("previous camera stream was not stopped before switching")
	}

	// Frames from the replacement source keep flowing.
	frame := jpegFrame([]byte{0x22})
	second.frames <- frame
	select {
	case got := <-sent:
		if !bytes.Equal(got, frame) {
			t.Errorf("forwarded frame = %x, want %x", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame from switched camera was not forwarded")
	}
}

func TestCameraFFmpegArgs(t *testing.T) {
	tests := []struct {
		goos    string
		facing  Facing
		device  string
		wantErr bool
	}{
		{"darwin", FacingFront, "0", false},
		{"darwin", FacingBack, "1", false},
		{"linux", FacingFront, "/dev/video0", false},
		{"linux", FacingBack, "/dev/video1", false},
		{"windows", FacingFront, "", true},
	}
	for _, tt := range tests {
		args, err := cameraFFmpegArgs(tt.goos, tt.facing)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.goos)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%v: %v", tt.goos, tt.facing, err)
			continue
		}
		found := false
		for _, a := range args {
			if a == tt.device {
				found = true
			}
		}
		if !found {
			t.Errorf("%s/%v: device %q missing from args %v", tt.goos, tt.facing, tt.device, args)
		}
	}
}
