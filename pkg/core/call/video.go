package call

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
)

const (
	// videoFrameWidth is the downscaled frame width sent to the
	// backend; height follows the source aspect ratio.
	videoFrameWidth = 320

	// videoFrameInterval expressed as an ffmpeg fps filter value.
	// One frame every 1.5 seconds.
	videoFrameRate = "2/3"

	videoMIMEType = "image/jpeg"
)

// Facing selects which camera a frame source opens.
type Facing int

const (
	FacingFront Facing = iota
	FacingBack
)

func (f Facing) String() string {
	if f == FacingBack {
		return "back"
	}
	return "front"
}

// FrameSource yields complete encoded video frames. The production
// implementation is an ffmpeg MJPEG subprocess.
type FrameSource interface {
	// ReadFrame returns the next complete JPEG frame. io.EOF means the
	// camera stream ended.
	ReadFrame() ([]byte, error)
	Close() error
}

// VideoCapture periodically samples the local camera and forwards
// downscaled still frames into the live session. At most one camera
// stream is open at a time; switching facing tears down the previous
// stream before opening the next.
type VideoCapture struct {
	newSource func(facing Facing) (FrameSource, error)
	send      func(jpeg []byte) error
	logger    *slog.Logger

	mu     sync.Mutex
	source FrameSource
	facing Facing
	closed bool
}

// NewVideoCapture builds a camera pipeline. newSource opens a camera for
// the given facing; send forwards each frame to the session.
func NewVideoCapture(newSource func(facing Facing) (FrameSource, error), send func(jpeg []byte) error, logger *slog.Logger) *VideoCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoCapture{
		newSource: newSource,
		send:      send,
		logger:    logger,
		facing:    FacingFront,
	}
}

// Run opens the camera and forwards frames until the context is
// cancelled, the stream ends, or Close is called.
func (v *VideoCapture) Run(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	facing := v.facing
	v.mu.Unlock()

	src, err := v.newSource(facing)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		_ = src.Close()
		return nil
	}
	v.source = src
	v.mu.Unlock()

	defer v.closeSource()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		v.mu.Lock()
		src := v.source
		v.mu.Unlock()
		if src == nil {
			return nil
		}

		frame, err := src.ReadFrame()
		if err != nil {
			if err == io.EOF {
				v.mu.Lock()
				stale := src != v.source || v.closed
				v.mu.Unlock()
				if stale {
					// Camera switch closed this source; keep reading
					// from its replacement.
					continue
				}
				v.logger.Warn("camera stream ended")
				return nil
			}
			v.mu.Lock()
			closed := v.closed
			v.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		if err := v.send(frame); err != nil {
			v.logger.Error("send video frame", "error", err)
		}
	}
}

// SwitchCamera flips between the front and back camera. The previous
// stream is fully stopped before the replacement opens. The lock is held
// across the swap so the read loop never observes a half-switched state.
func (v *VideoCapture) SwitchCamera() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("video capture closed")
	}
	next := FacingFront
	if v.facing == FacingFront {
		next = FacingBack
	}
	if v.source != nil {
		_ = v.source.Close()
		v.source = nil
	}
	src, err := v.newSource(next)
	if err != nil {
		return fmt.Errorf("switch camera to %s: %w", next, err)
	}
	v.facing = next
	v.source = src
	return nil
}

// Facing reports the currently selected camera.
func (v *VideoCapture) Facing() Facing {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.facing
}

// Close stops the pipeline and releases the camera. Idempotent.
func (v *VideoCapture) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()
	v.closeSource()
	return nil
}

func (v *VideoCapture) closeSource() {
	v.mu.Lock()
	src := v.source
	v.source = nil
	v.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}

// ffmpegCamera captures the selected camera through ffmpeg as a
// low-rate MJPEG stream, already downscaled for the wire.
type ffmpegCamera struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frames *frameSplitter
}

func newFFmpegCamera(facing Facing) (*ffmpegCamera, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for call video capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := cameraFFmpegArgs(runtime.GOOS, facing)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg camera capture: %w", err)
	}
	return &ffmpegCamera{cmd: cmd, stdout: stdout, frames: newFrameSplitter(stdout)}, nil
}

func cameraFFmpegArgs(goos string, facing Facing) ([]string, error) {
	filter := fmt.Sprintf("fps=%s,scale=%d:-2", videoFrameRate, videoFrameWidth)
	out := []string{"-vf", filter, "-q:v", "7", "-f", "mjpeg", "-"}
	switch goos {
	case "darwin":
		device := "0"
		if facing == FacingBack {
			device = "1"
		}
		return append([]string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-framerate", "30", "-i", device,
		}, out...), nil
	case "linux":
		device := "/dev/video0"
		if facing == FacingBack {
			device = "/dev/video1"
		}
		return append([]string{
			"-hide_banner", "-loglevel", "error",
			"-f", "v4l2", "-i", device,
		}, out...), nil
	default:
		return nil, fmt.Errorf("camera capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

// ReadFrame implements FrameSource.
func (c *ffmpegCamera) ReadFrame() ([]byte, error) {
	return c.frames.Next()
}

// Close implements FrameSource.
func (c *ffmpegCamera) Close() error {
	if c == nil {
		return nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

// frameSplitter carves complete JPEG images out of a concatenated MJPEG
// byte stream by scanning for the start-of-image and end-of-image
// markers.
type frameSplitter struct {
	r *bufio.Reader
}

func newFrameSplitter(r io.Reader) *frameSplitter {
	return &frameSplitter{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame including both markers.
func (f *frameSplitter) Next() ([]byte, error) {
	if err := f.seekMarker(0xD8); err != nil {
		return nil, err
	}
	frame := []byte{0xFF, 0xD8}
	prev := byte(0)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}
		prev = b
	}
}

// seekMarker discards bytes until an 0xFF followed by the wanted marker
// byte has been consumed.
func (f *frameSplitter) seekMarker(marker byte) error {
	prev := byte(0)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return err
		}
		if prev == 0xFF && b == marker {
			return nil
		}
		prev = b
	}
}
