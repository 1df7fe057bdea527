package retry

import (
	"context"
	"errors"
)

// Status tags the result of an offline-aware call.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDeferred Status = "deferred"
	StatusFailed   Status = "failed"
)

// Outcome is the result of DoOrDefer. Callers branch on Status instead of
// inspecting error types: deferred work is not an error.
type Outcome struct {
	Status      Status
	QueueItemID string
	Err         error
}

// EnqueueFunc hands the operation to the offline queue and returns the
// generated item id.
type EnqueueFunc func() (string, error)

// DoOrDefer runs fn through Do when online. When offline, the operation is
// queued and a deferred outcome is returned instead of an error. A retryable
// failure that survives the attempt budget is likewise queued; non-retryable
// failures surface immediately.
func DoOrDefer(ctx context.Context, cfg Config, online func() bool, enqueue EnqueueFunc, fn func(ctx context.Context) error) Outcome {
	if online != nil && !online() {
		id, err := enqueue()
		if err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		return Outcome{Status: StatusDeferred, QueueItemID: id}
	}

	err := Do(ctx, cfg, fn)
	if err == nil {
		return Outcome{Status: StatusOK}
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && enqueue != nil {
		id, qerr := enqueue()
		if qerr != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		return Outcome{Status: StatusDeferred, QueueItemID: id, Err: err}
	}
	return Outcome{Status: StatusFailed, Err: err}
}
