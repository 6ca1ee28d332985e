package chat

import (
	"context"
	"time"

	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
)

// Retry caps per operation. Speech is cheaper to give up on since the
// message text is already on screen.
const (
	chatRetryCap   = 5
	imageRetryCap  = 5
	speechRetryCap = 3

	retryBaseDelay = time.Second
)

// runWithRetry executes op, retrying transient failures with exponential
// backoff plus jitter up to maxRetries. From the third attempt on it calls
// rebuild first to clear any stale client or session state. Non-transient
// errors and exhausted retries return the last error.
func (s *Service) runWithRetry(ctx context.Context, maxRetries int, rebuild func(), op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !gemini.IsTransient(err) {
			return err
		}
		if attempt > 1 && rebuild != nil {
			rebuild()
		}
		delay := time.Duration(1<<uint(attempt))*retryBaseDelay +
			time.Duration(s.jitter()*float64(time.Second))
		s.logger.Debug("retrying after transient error",
			"attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
