package call

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
)

var (
	// ErrNotConnected is returned by controls that need a connected call.
	ErrNotConnected = errors.New("call is not connected")
	// ErrVideoOff is returned by camera controls while video is off.
	ErrVideoOff = errors.New("video is not running")
)

// Status is the call lifecycle state. Transitions are one way:
// connecting, then connected, then ended.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "ended"
	}
}

// Subtitle lifetimes. The user's line clears faster than the model's.
const (
	userTranscriptTTL = 5 * time.Second
	aiTranscriptTTL   = 8 * time.Second
)

// The live model occasionally narrates in English ("Initiating...",
// "I've noted...") before speaking. Ten or more leading characters of
// pure English letters and punctuation marks a line as meta-talk, which
// is dropped from the subtitle.
var englishMetaPattern = regexp.MustCompile(`^[A-Za-z\s*.']{10,}`)

// liveConn is the slice of the live session the call engine drives.
// *gemini.LiveSession satisfies it; tests substitute a scripted fake.
type liveConn interface {
	Events() <-chan gemini.LiveEvent
	SendRealtimeInput(chunks ...gemini.MediaChunk) error
	Close() error
}

// SessionOptions configures device and output wiring for a call. Zero
// values select the production ffmpeg and ffplay implementations.
type SessionOptions struct {
	Logger *slog.Logger

	// NewMic opens a microphone block source.
	NewMic func() (BlockSource, error)
	// NewCamera opens a camera frame source for the given facing.
	NewCamera func(facing Facing) (FrameSource, error)
	// Sink receives scheduled playback audio.
	Sink Sink
	// Clock drives the playback scheduler.
	Clock Clock
}

// Session runs one live voice/video call: ringback while connecting,
// then microphone capture, playback scheduling, the proactive-speech
// heartbeat, and optional camera frames, all torn down together when the
// call ends for any reason.
type Session struct {
	live      liveConn
	scheduler *Scheduler
	capture   *Capture
	ringer    *Ringer
	heartbeat *Heartbeat
	sink      Sink
	newCamera func(facing Facing) (FrameSource, error)
	logger    *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group

	mu             sync.Mutex
	status         Status
	video          *VideoCapture
	videoCancel    context.CancelFunc
	userTranscript string
	aiTranscript   string
	userExpire     *time.Timer
	aiExpire       *time.Timer
	speakerOn      bool

	endOnce sync.Once
	done    chan struct{}
}

// StartSession takes ownership of an open live connection and runs the
// call until End is called or the connection drops. The returned session
// is already ringing; capture starts once the backend acknowledges setup.
func StartSession(ctx context.Context, live liveConn, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = newFFPlaySink("ffplay", PlaybackSampleRate)
	}
	newMic := opts.NewMic
	if newMic == nil {
		newMic = func() (BlockSource, error) { return newFFmpegMic() }
	}
	newCamera := opts.NewCamera
	if newCamera == nil {
		newCamera = func(f Facing) (FrameSource, error) { return newFFmpegCamera(f) }
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	s := &Session{
		live:      live,
		scheduler: NewScheduler(sink, opts.Clock, logger),
		sink:      sink,
		newCamera: newCamera,
		logger:    logger,
		cancel:    cancel,
		group:     group,
		status:    StatusConnecting,
		speakerOn: true,
		done:      make(chan struct{}),
	}
	s.capture = NewCapture(newMic, s.sendAudioBlock, logger)
	s.ringer = NewRinger(sink, logger)
	s.heartbeat = NewHeartbeat(s.sendAudioBlock, s.heartbeatIdle, logger)

	go s.ringer.Run()
	group.Go(func() error { return s.eventLoop(ctx) })
	go func() {
		err := group.Wait()
		if err != nil {
			logger.Error("call pipeline failed", "error", err)
		}
		s.End()
	}()
	return s
}

// eventLoop consumes decoded session events until the channel closes or
// the context is cancelled.
func (s *Session) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.live.Events():
			if !ok {
				s.logger.Info("live session closed by server")
				go s.End()
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev gemini.LiveEvent) {
	switch e := ev.(type) {
	case gemini.SetupCompleteEvent:
		s.onConnected(ctx)
	case gemini.AudioChunkEvent:
		s.scheduler.Enqueue(e.PCM)
	case gemini.OutputTranscriptEvent:
		s.setAITranscript(e.Text)
	case gemini.TextDeltaEvent:
		s.setAITranscript(e.Text)
	case gemini.InputTranscriptEvent:
		s.setUserTranscript(e.Text)
	case gemini.InterruptedEvent:
		// Let the current sentence finish rather than cutting playback.
		s.logger.Debug("interruption reported, continuing playback")
	case gemini.TurnCompleteEvent:
		s.logger.Debug("model turn complete")
	case gemini.FunctionCallEvent:
		s.logger.Debug("unexpected tool call during voice call", "name", e.Call.Name)
	case gemini.SessionErrorEvent:
		s.logger.Error("live session error", "error", e.Err)
		go s.End()
	}
}

// onConnected flips the status, silences the ringer, and starts capture
// and the heartbeat. Only the first setup acknowledgement acts.
func (s *Session) onConnected(ctx context.Context) {
	s.mu.Lock()
	if s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.mu.Unlock()

	s.ringer.Stop()
	s.group.Go(func() error { return s.capture.Run(ctx) })
	s.group.Go(func() error {
		s.heartbeat.Run(ctx)
		return nil
	})
}

// sendAudioBlock pushes one PCM block into the live session as a
// realtime media chunk.
func (s *Session) sendAudioBlock(pcm []byte) error {
	return s.live.SendRealtimeInput(gemini.MediaChunk{
		MIMEType: micMIMEType,
		Data:     base64.StdEncoding.EncodeToString(pcm),
	})
}

// sendVideoFrame pushes one JPEG frame into the live session.
func (s *Session) sendVideoFrame(jpeg []byte) error {
	return s.live.SendRealtimeInput(gemini.MediaChunk{
		MIMEType: videoMIMEType,
		Data:     base64.StdEncoding.EncodeToString(jpeg),
	})
}

// heartbeatIdle reports whether a proactive nudge is appropriate: the
// model is quiet, the mic is live, and push-to-talk is not parked idle.
func (s *Session) heartbeatIdle() bool {
	if s.Status() != StatusConnected {
		return false
	}
	if s.scheduler.Responding() || s.capture.Muted() {
		return false
	}
	if s.capture.PTTMode() && !s.capture.PTTActive() {
		return false
	}
	return true
}

func (s *Session) setUserTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userTranscript = text
	if s.userExpire != nil {
		s.userExpire.Stop()
	}
	s.userExpire = time.AfterFunc(userTranscriptTTL, func() {
		s.mu.Lock()
		s.userTranscript = ""
		s.mu.Unlock()
	})
}

func (s *Session) setAITranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if englishMetaPattern.MatchString(text) {
		s.logger.Debug("filtered meta-talk from subtitle", "text", text)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aiTranscript = text
	if s.aiExpire != nil {
		s.aiExpire.Stop()
	}
	s.aiExpire = time.AfterFunc(aiTranscriptTTL, func() {
		s.mu.Lock()
		s.aiTranscript = ""
		s.mu.Unlock()
	})
}

// Transcripts returns the current user and model subtitle lines. Either
// may be empty once its display window has lapsed.
func (s *Session) Transcripts() (user, ai string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTranscript, s.aiTranscript
}

// Status reports the call lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Responding reports whether the model is currently speaking.
func (s *Session) Responding() bool {
	return s.scheduler.Responding()
}

// MicLevel returns the current microphone RMS level in [0, 1].
func (s *Session) MicLevel() float64 {
	return s.capture.Level()
}

// SetMuted gates the microphone.
func (s *Session) SetMuted(muted bool) { s.capture.SetMuted(muted) }

// Muted reports the microphone gate.
func (s *Session) Muted() bool { return s.capture.Muted() }

// SetPTTMode toggles push-to-talk capture gating.
func (s *Session) SetPTTMode(enabled bool) { s.capture.SetPTTMode(enabled) }

// PTTMode reports whether push-to-talk gating is active.
func (s *Session) PTTMode() bool { return s.capture.PTTMode() }

// SetPTTActive marks the talk key held or released.
func (s *Session) SetPTTActive(active bool) { s.capture.SetPTTActive(active) }

// PTTActive reports whether the talk key is held.
func (s *Session) PTTActive() bool { return s.capture.PTTActive() }

// SetSpeakerOn toggles playback audio without disturbing scheduling.
func (s *Session) SetSpeakerOn(on bool) {
	s.mu.Lock()
	s.speakerOn = on
	s.mu.Unlock()
	if on {
		s.scheduler.SetSpeakerGain(1)
	} else {
		s.scheduler.SetSpeakerGain(0)
	}
}

// SpeakerOn reports whether playback audio is audible.
func (s *Session) SpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

// StartVideo opens the camera and begins forwarding frames. No-op when
// video is already running.
func (s *Session) StartVideo() error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.video != nil {
		s.mu.Unlock()
		return nil
	}
	v := NewVideoCapture(s.newCamera, s.sendVideoFrame, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	s.video = v
	s.videoCancel = cancel
	s.mu.Unlock()

	s.group.Go(func() error {
		err := v.Run(ctx)
		s.mu.Lock()
		if s.video == v {
			s.video = nil
			s.videoCancel = nil
		}
		s.mu.Unlock()
		return err
	})
	return nil
}

// StopVideo releases the camera. No-op when video is off.
func (s *Session) StopVideo() {
	s.mu.Lock()
	v := s.video
	cancel := s.videoCancel
	s.video = nil
	s.videoCancel = nil
	s.mu.Unlock()
	if v != nil {
		_ = v.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// SwitchCamera flips between the front and back camera when video is
// running.
func (s *Session) SwitchCamera() error {
	s.mu.Lock()
	v := s.video
	s.mu.Unlock()
	if v == nil {
		return ErrVideoOff
	}
	return v.SwitchCamera()
}

// Facing reports the selected camera while video is running, front
// otherwise.
func (s *Session) Facing() Facing {
	s.mu.Lock()
	v := s.video
	s.mu.Unlock()
	if v == nil {
		return FacingFront
	}
	return v.Facing()
}

// VideoOn reports whether the camera pipeline is running.
func (s *Session) VideoOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video != nil
}

// End tears down the entire call: capture, camera, heartbeat, ringer,
// playback, and the live connection. Idempotent; safe from any
// goroutine, including error paths inside the pipeline itself.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusEnded
		if s.userExpire != nil {
			s.userExpire.Stop()
		}
		if s.aiExpire != nil {
			s.aiExpire.Stop()
		}
		s.mu.Unlock()

		s.cancel()
		s.heartbeat.Stop()
		s.ringer.Stop()
		_ = s.capture.Close()
		s.StopVideo()
		_ = s.live.Close()
		s.scheduler.Close()
		_ = s.sink.Close()
		close(s.done)
	})
}

// Done is closed once the call has fully ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
