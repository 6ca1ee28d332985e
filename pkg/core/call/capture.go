package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// pttTrailingBlocks is the run of silence blocks sent after a
	// push-to-talk release (~960ms at the wire rate) so the backend's
	// voice-activity detector registers end of utterance.
	pttTrailingBlocks = 15

	// signalThreshold is deliberately near the noise floor so even
	// whispers count as signal for the watchdog.
	signalThreshold = 0.0005

	// watchdogWindow is how long the capture path tolerates a dead
	// microphone before restarting the source. The restart fires at
	// most once per call.
	watchdogWindow = 5 * time.Second
)

// Capture pumps microphone blocks into the live session. It owns the
// push-to-talk state machine, the input gain stage, the mic level meter,
// and a dead-microphone watchdog.
type Capture struct {
	newSource func() (BlockSource, error)
	send      func(pcm []byte) error
	logger    *slog.Logger

	now          func() time.Time
	watchdogTick time.Duration

	mu          sync.Mutex
	source      BlockSource
	muted       bool
	pttMode     bool
	pttActive   bool
	pttTrailing int
	lastSignal  time.Time
	restarted   bool
	level       float64
	closed      bool
}

// NewCapture builds a capture pipeline that reads blocks from sources
// produced by newSource and forwards processed PCM through send. The
// first source is opened lazily by Run.
func NewCapture(newSource func() (BlockSource, error), send func(pcm []byte) error, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		newSource:    newSource,
		send:         send,
		logger:       logger,
		now:          time.Now,
		watchdogTick: time.Second,
	}
}

// Run reads capture blocks until the context is cancelled, the source
// reports EOF, or Close is called. It returns nil on orderly shutdown.
func (c *Capture) Run(ctx context.Context) error {
	src, err := c.newSource()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = src.Close()
		return nil
	}
	c.source = src
	c.lastSignal = c.now()
	c.mu.Unlock()

	defer c.closeSource()

	// The watchdog runs off its own ticker so a source that stops
	// delivering blocks entirely still gets restarted.
	watchStop := make(chan struct{})
	defer close(watchStop)
	go c.watchdog(ctx, watchStop)

	block := make([]byte, blockSamples*bytesPerSample)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		src := c.source
		c.mu.Unlock()
		if src == nil {
			return nil
		}

		if err := src.ReadBlock(block); err != nil {
			c.mu.Lock()
			closed := c.closed
			stale := src != c.source
			c.mu.Unlock()
			if closed {
				return nil
			}
			if stale {
				// The watchdog swapped sources under this read.
				continue
			}
			if err == io.EOF {
				if c.restartAfterEOF() {
					continue
				}
				c.logger.Warn("microphone stream ended")
				return nil
			}
			return err
		}

		out, ok := c.processBlock(block)
		if !ok {
			continue
		}
		if err := c.send(out); err != nil {
			c.logger.Error("send capture block", "error", err)
		}
	}
}

// watchdog restarts the source once per call when no signal has been
// seen for a full window. It is driven by its own ticker, not by block
// arrival, so a source blocked in ReadBlock still trips it.
func (c *Capture) watchdog(ctx context.Context, stop <-chan struct{}) {
	tick := time.NewTicker(c.watchdogTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick.C:
			c.mu.Lock()
			if !c.closed && !c.restarted && c.now().Sub(c.lastSignal) > watchdogWindow {
				c.restarted = true
				c.lastSignal = c.now()
				c.logger.Warn("no microphone signal, restarting capture", "window", watchdogWindow)
				c.reopenSourceLocked()
			}
			c.mu.Unlock()
		}
	}
}

// restartAfterEOF consumes the single restart budget when the stream
// ends before the call does. Reports whether a fresh source is in place.
func (c *Capture) restartAfterEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.restarted {
		return false
	}
	c.restarted = true
	c.lastSignal = c.now()
	c.logger.Warn("microphone stream ended early, restarting capture")
	return c.reopenSourceLocked()
}

// processBlock applies push-to-talk gating, the gain stage, and level
// metering. The second return is false when the block should not be
// sent at all.
func (c *Capture) processBlock(block []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	// Raw signal feeds the watchdog before any gating, so a live mic
	// behind mute or an idle talk key is not mistaken for a dead one.
	if peakAmplitude(block) > signalThreshold {
		c.lastSignal = c.now()
	}
	if c.muted {
		c.level = 0
		return nil, false
	}

	silence := false
	if c.pttMode {
		switch {
		case c.pttActive:
			c.pttTrailing = pttTrailingBlocks
		case c.pttTrailing > 0:
			c.pttTrailing--
			silence = true
		default:
			c.level = 0
			return nil, false
		}
	}

	if silence {
		c.level = 0
		return silenceBlock(), true
	}

	boosted := applyGain(block, micGain)
	c.level = rmsEnergy(boosted)
	out := make([]byte, len(boosted))
	copy(out, boosted)
	return out, true
}

// reopenSourceLocked swaps in a fresh source. Callers hold c.mu. On
// factory failure the old source stays in place and false is returned.
func (c *Capture) reopenSourceLocked() bool {
	fresh, err := c.newSource()
	if err != nil {
		c.logger.Error("restart capture", "error", err)
		return false
	}
	if c.source != nil {
		_ = c.source.Close()
	}
	c.source = fresh
	return true
}

// SetMuted toggles the microphone gate. Muted capture keeps reading
// blocks to hold the device open but sends nothing.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	if muted {
		c.level = 0
	}
	c.mu.Unlock()
}

// Muted reports the current microphone gate state.
func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SetPTTMode switches between continuous capture and push-to-talk.
// Entering PTT mode starts in the idle (not transmitting) state.
func (c *Capture) SetPTTMode(enabled bool) {
	c.mu.Lock()
	c.pttMode = enabled
	c.pttActive = false
	c.pttTrailing = 0
	c.mu.Unlock()
}

// PTTMode reports whether push-to-talk gating is active.
func (c *Capture) PTTMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pttMode
}

// SetPTTActive marks the talk key held or released. Release arms the
// trailing-silence run; the pipeline drains it on subsequent blocks.
func (c *Capture) SetPTTActive(active bool) {
	c.mu.Lock()
	c.pttActive = active
	c.mu.Unlock()
}

// PTTActive reports whether the talk key is currently held.
func (c *Capture) PTTActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pttActive
}

// Level returns the most recent microphone RMS level in [0, 1].
func (c *Capture) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Close stops the pipeline and releases the capture device. Safe to call
// more than once and concurrently with Run.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.closeSource()
	return nil
}

func (c *Capture) closeSource() {
	c.mu.Lock()
	src := c.source
	c.source = nil
	c.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
}
