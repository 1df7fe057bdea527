package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Lobster444/brevedu/internal/errs"
)

// recordingSleep captures requested delays without waiting.
func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func testConfig(maxAttempts int, delays *[]time.Duration) Config {
	return Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		Sleep:          recordingSleep(delays),
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := Do(context.Background(), testConfig(3, &delays), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(delays) != 0 {
		t.Errorf("expected no backoff waits, got %d", len(delays))
	}
}

func TestDoNonRetryableSingleAttempt(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := Do(context.Background(), testConfig(3, &delays), func(context.Context) error {
		attempts++
		return errs.API(401, "unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(delays) != 0 {
		t.Errorf("expected no backoff waits before propagating, got %d", len(delays))
	}
	if !errs.IsCode(err, errs.CodeAPI) {
		t.Errorf("expected the original API error, got %v", err)
	}
}

func TestDoRetryableExhaustsBudget(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := Do(context.Background(), testConfig(3, &delays), func(context.Context) error {
		attempts++
		return errs.API(503, "unavailable")
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", exhausted.Attempts)
	}
	if !errs.IsCode(exhausted.LastError, errs.CodeAPI) {
		t.Errorf("expected wrapped API error, got %v", exhausted.LastError)
	}

	// Two waits between three attempts, non-decreasing up to jitter, capped.
	if len(delays) != 2 {
		t.Fatalf("got %d waits, want 2", len(delays))
	}
	for i, d := range delays {
		if d > 10*time.Second {
			t.Errorf("delay[%d] = %v exceeds cap", i, d)
		}
	}
}

func TestDoRecoversMidway(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := Do(context.Background(), testConfig(5, &delays), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errs.Network("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := DefaultConfig()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		return errs.Network("down")
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBackoffMonotoneAndCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := Config{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}

	properties.Property("without jitter, backoff never decreases", prop.ForAll(
		func(attempt int) bool {
			return Backoff(cfg, attempt+1) >= Backoff(cfg, attempt)
		},
		gen.IntRange(1, 20),
	))

	properties.Property("backoff respects the cap", prop.ForAll(
		func(attempt int, jitter float64) bool {
			c := cfg
			c.Jitter = jitter
			return Backoff(c, attempt) <= c.MaxBackoff
		},
		gen.IntRange(1, 30),
		gen.Float64Range(0, 0.5),
	))

	properties.Property("backoff is never negative", prop.ForAll(
		func(attempt int, jitter float64) bool {
			c := cfg
			c.Jitter = jitter
			return Backoff(c, attempt) >= 0
		},
		gen.IntRange(1, 30),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestDoOrDeferOfflineEnqueues(t *testing.T) {
	called := false
	out := DoOrDefer(context.Background(), DefaultConfig(),
		func() bool { return false },
		func() (string, error) { return "item-1", nil },
		func(context.Context) error { called = true; return nil },
	)
	if called {
		t.Error("operation must not run while offline")
	}
	if out.Status != StatusDeferred {
		t.Errorf("status = %q, want deferred", out.Status)
	}
	if out.QueueItemID != "item-1" {
		t.Errorf("queue item id = %q, want item-1", out.QueueItemID)
	}
}

func TestDoOrDeferExhaustedDefers(t *testing.T) {
	var delays []time.Duration
	enqueued := 0
	out := DoOrDefer(context.Background(), testConfig(2, &delays),
		func() bool { return true },
		func() (string, error) { enqueued++; return "item-2", nil },
		func(context.Context) error { return errs.API(503, "unavailable") },
	)
	if out.Status != StatusDeferred {
		t.Fatalf("status = %q, want deferred (err=%v)", out.Status, out.Err)
	}
	if enqueued != 1 {
		t.Errorf("enqueued %d times, want 1", enqueued)
	}
}

func TestDoOrDeferNonRetryableFails(t *testing.T) {
	out := DoOrDefer(context.Background(), DefaultConfig(),
		func() bool { return true },
		func() (string, error) { t.Error("must not enqueue non-retryable failure"); return "", nil },
		func(context.Context) error { return errs.Config("missing persona id") },
	)
	if out.Status != StatusFailed {
		t.Errorf("status = %q, want failed", out.Status)
	}
	if !errs.IsCode(out.Err, errs.CodeConfig) {
		t.Errorf("expected config error, got %v", out.Err)
	}
}
