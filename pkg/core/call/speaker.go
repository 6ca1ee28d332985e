package call

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// ffplaySink plays scheduled PCM through an ffplay subprocess reading s16le
// from stdin. Writes are sequential; a buffer scheduled in the future waits
// out the gap before writing so ffplay's stream clock stays aligned with
// the cursor.
type ffplaySink struct {
	path       string
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFPlaySink(path string, sampleRate int) *ffplaySink {
	if path == "" {
		path = "ffplay"
	}
	return &ffplaySink{path: path, sampleRate: sampleRate}
}

func (s *ffplaySink) ensureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS; prefer CoreAudio.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

// Schedule implements Sink.
func (s *ffplaySink) Schedule(pcm []byte, start time.Time, _ time.Duration) error {
	if err := s.ensureRunning(); err != nil {
		return err
	}
	if wait := time.Until(start); wait > 0 {
		time.Sleep(wait)
	}
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(pcm)
	return err
}

// Close implements Sink.
func (s *ffplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}
