package call

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Playback tuning. Arriving chunks are jitter-buffered until minChunks are
// queued (or the safety flush fires) and then drained in one pass,
// scheduling each buffer back to back on a monotonic cursor.
const (
	minBufferChunks = 3
	safetyFlush     = 150 * time.Millisecond

	// cursorSafetyMargin is where the cursor restarts after going stale
	// (behind the clock) or outlier (too far ahead).
	cursorSafetyMargin = 100 * time.Millisecond
	cursorOutlier      = 5 * time.Second

	// settleWindow is how long after the last scheduled buffer finishes
	// the AI-responding flag stays up waiting for chunks in flight.
	settleWindow = 100 * time.Millisecond
)

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sink consumes scheduled PCM buffers. Start times are monotonically
// non-decreasing and buffers never overlap.
type Sink interface {
	Schedule(pcm []byte, start time.Time, duration time.Duration) error
	Close() error
}

// Scheduler converts an arrival stream of PCM chunks into gapless ordered
// playback and reports whether the AI is currently speaking. At most one
// drain pass runs at a time; re-entrant drains are suppressed by the
// draining flag.
type Scheduler struct {
	clock  Clock
	sink   Sink
	logger *slog.Logger

	// afterFunc is time.AfterFunc unless a test substitutes it.
	afterFunc func(d time.Duration, f func()) *time.Timer

	responding atomic.Bool

	mu          sync.Mutex
	queue       [][]byte
	cursor      time.Time
	draining    bool
	closed      bool
	speakerGain float64
	flushTimer  *time.Timer
	settleTimer *time.Timer
}

// NewScheduler creates a playback scheduler over sink.
func NewScheduler(sink Sink, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:       clock,
		sink:        sink,
		logger:      logger,
		afterFunc:   time.AfterFunc,
		speakerGain: 1.0,
	}
}

// Enqueue queues one decoded PCM chunk for playback. Chunks play in
// arrival order.
func (s *Scheduler) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, pcm)
	s.responding.Store(true)
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.draining {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= minBufferChunks {
		s.startDrainLocked()
		s.mu.Unlock()
		return
	}
	// Not enough buffered yet. Arm the safety flush so a short tail is
	// not held hostage waiting for chunks that never come.
	if s.flushTimer == nil {
		s.flushTimer = s.afterFunc(safetyFlush, s.flush)
	}
	s.mu.Unlock()
}

func (s *Scheduler) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = nil
	if !s.draining && !s.closed && len(s.queue) > 0 {
		s.startDrainLocked()
	}
}

func (s *Scheduler) startDrainLocked() {
	s.draining = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	go s.drain()
}

// drain empties the queue, scheduling every chunk at max(now, cursor) and
// advancing the cursor by the chunk duration.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.closed {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.draining = false
			s.armSettleLocked()
			s.mu.Unlock()
			return
		}
		pcm := s.queue[0]
		s.queue = s.queue[1:]

		now := s.clock.Now()
		if s.cursor.Before(now) || s.cursor.After(now.Add(cursorOutlier)) {
			s.cursor = now.Add(cursorSafetyMargin)
		}
		start := s.cursor
		duration := pcmDuration(pcm, PlaybackSampleRate)
		s.cursor = start.Add(duration)
		gain := s.speakerGain
		sink := s.sink
		s.mu.Unlock()

		if err := sink.Schedule(scaleGain(pcm, gain), start, duration); err != nil {
			s.logger.Warn("playback schedule failed", "error", err)
		}
	}
}

// armSettleLocked keeps the responding flag up until the scheduled audio
// has finished playing plus the settle window, then drops it unless new
// chunks arrived in the meantime.
func (s *Scheduler) armSettleLocked() {
	remaining := s.cursor.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = s.afterFunc(remaining+settleWindow, func() {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.draining
		s.mu.Unlock()
		if idle {
			s.responding.Store(false)
		}
	})
}

// Responding reports whether the AI is currently speaking (scheduled audio
// still playing or chunks expected within the settle window).
func (s *Scheduler) Responding() bool {
	return s.responding.Load()
}

// SetSpeakerGain scales playback volume in [0, 1]. Zero mutes the speaker
// path without disturbing scheduling.
func (s *Scheduler) SetSpeakerGain(gain float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gain < 0 {
		gain = 0
	} else if gain > 1 {
		gain = 1
	}
	s.speakerGain = gain
}

// Close drops pending chunks and stops timers. The sink is left to the
// owner to close.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.responding.Store(false)
}
