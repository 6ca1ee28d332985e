package call

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// BlockSource yields fixed-size capture blocks of 16-bit mono PCM at the
// wire rate. The production implementation is an ffmpeg subprocess; tests
// substitute a scripted source.
type BlockSource interface {
	// ReadBlock fills a full capture block. io.EOF means the device is gone.
	ReadBlock(p []byte) error
	Close() error
}

// ffmpegMic captures the default microphone through ffmpeg, already
// downmixed to mono s16le at the wire rate.
type ffmpegMic struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegMic() (*ffmpegMic, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for call audio capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS)
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
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMic{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", MicSampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", MicSampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

// ReadBlock implements BlockSource.
func (m *ffmpegMic) ReadBlock(p []byte) error {
	if m == nil || m.stdout == nil {
		return io.EOF
	}
	_, err := io.ReadFull(m.stdout, p)
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}

// Close implements BlockSource.
func (m *ffmpegMic) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}
