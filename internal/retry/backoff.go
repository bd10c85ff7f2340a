package retry

import (
	"context"
	"math/rand"
	"time"

	"socialbridge/internal/models"
)

// Policy is exponential backoff with optional jitter
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FromConfig builds a jittered doubling policy from the retry config section
func FromConfig(cfg models.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.InitialBackoffMs > 0 {
		p.InitialDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	return p
}

// Delay returns the wait before the given retry attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// +/-25%
	if p.Jitter {
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. A nil retryable treats every error as retryable.
func (p Policy) Do(ctx context.Context, op func() error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
