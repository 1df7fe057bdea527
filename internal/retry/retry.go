// Package retry provides exponential-backoff retry with jitter for remote
// provider operations, plus an offline-aware wrapper that defers work to the
// operation queue instead of surfacing transient failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Lobster444/brevedu/internal/errs"
)

// Config tunes the backoff schedule.
type Config struct {
	// MaxAttempts includes the initial attempt. 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each retry. 2.0 is exponential.
	Multiplier float64
	// Jitter adds up to ±Jitter fraction of randomness to each delay.
	Jitter float64

	// Sleep waits out a backoff delay; nil uses a context-aware time.After.
	// Tests inject a recorder here.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig matches the provider-call budget: three attempts, one second
// base delay, ten second cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned once every attempt has failed with a retryable
// error.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn up to cfg.MaxAttempts times. A non-retryable failure propagates
// immediately without any backoff wait. Do holds no state outside its
// arguments, so attempt counts and delays are fully driven by inputs.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, Backoff(cfg, attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, LastError: lastErr}
}

// Backoff computes the delay after the given (1-based) attempt:
// min(initial × multiplier^(attempt-1), cap), plus jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if max := float64(cfg.MaxBackoff); d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
