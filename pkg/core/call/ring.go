package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ringback cadence. 2 seconds of tone, 4 seconds of silence, the North
// American pattern.
const (
	ringToneFreqA = 440
	ringToneFreqB = 480
	ringOnPeriod  = 2 * time.Second
	ringOffPeriod = 4 * time.Second
	ringAmplitude = 0.1
)

// Wake-up and heartbeat bursts. Low-amplitude noise, just enough for the
// backend's voice-activity detector to hand the turn to the model.
const (
	wakeUpDelay       = 1 * time.Second
	wakeUpSamples     = 2048
	wakeUpAmplitude   = 5.0 / 32767
	heartbeatInterval = 12 * time.Second
	heartbeatSamples  = 4096
	heartbeatAmp      = 15.0 / 32767
)

// Ringer plays the synthesized ringback tone into the output sink while
// the call is still connecting.
type Ringer struct {
	sink   Sink
	clock  Clock
	logger *slog.Logger
	sleep  func(d time.Duration, stop <-chan struct{}) bool

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// NewRinger builds a ringer writing into sink. Start it with Run in its
// own goroutine and silence it with Stop.
func NewRinger(sink Sink, logger *slog.Logger) *Ringer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ringer{
		sink:   sink,
		clock:  realClock{},
		logger: logger,
		sleep:  sleepOrStop,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run loops the on/off cadence until Stop is called. The tone buffer for
// a full on-period is written at the start of each cycle, so a stop can
// leave at most one on-period of tail audio in the device buffer.
func (r *Ringer) Run() {
	defer close(r.done)
	tone := dualTonePCM(ringToneFreqA, ringToneFreqB, PlaybackSampleRate, ringOnPeriod, ringAmplitude)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if err := r.sink.Schedule(tone, r.clock.Now(), ringOnPeriod); err != nil {
			r.logger.Debug("ringback playback failed", "error", err)
			return
		}
		if !r.sleep(ringOnPeriod+ringOffPeriod, r.stop) {
			return
		}
	}
}

// Stop silences the ringer. Idempotent; returns once Run has exited.
func (r *Ringer) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

// Heartbeat keeps an idle call alive. One second after connect it sends
// a wake-up noise burst so the model greets first, then on a fixed
// interval it nudges the backend's turn detector whenever the line has
// gone quiet.
type Heartbeat struct {
	send   func(pcm []byte) error
	idle   func() bool
	logger *slog.Logger

	// Overridable in tests.
	wakeDelay time.Duration
	interval  time.Duration

	stop chan struct{}
	once sync.Once
}

// NewHeartbeat builds a heartbeat. send pushes a PCM burst into the live
// session; idle reports whether a nudge is appropriate right now (the
// model is not speaking, the mic is not muted, push-to-talk is not
// holding the line).
func NewHeartbeat(send func(pcm []byte) error, idle func() bool, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		send:      send,
		idle:      idle,
		logger:    logger,
		wakeDelay: wakeUpDelay,
		interval:  heartbeatInterval,
		stop:      make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	wake := time.NewTimer(h.wakeDelay)
	defer wake.Stop()
	select {
	case <-ctx.Done():
		return
	case <-h.stop:
		return
	case <-wake.C:
		if err := h.send(noiseBurstPCM(wakeUpSamples, wakeUpAmplitude)); err != nil {
			h.logger.Debug("wake-up burst failed", "error", err)
		}
	}

	tick := time.NewTicker(h.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-tick.C:
			if !h.idle() {
				continue
			}
			h.logger.Debug("sending proactive speech nudge")
			if err := h.send(noiseBurstPCM(heartbeatSamples, heartbeatAmp)); err != nil {
				h.logger.Debug("heartbeat burst failed", "error", err)
			}
		}
	}
}

// Stop terminates the heartbeat loop. Idempotent.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// sleepOrStop waits d or until stop closes, whichever comes first. It
// reports false when interrupted.
func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
