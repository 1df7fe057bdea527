// Package queue implements the persisted offline operation queue. Remote
// operations that fail while offline (or exhaust their retry budget online)
// are appended here and replayed in FIFO order once connectivity returns.
// The whole queue is serialized into a single durable blob slot so it
// survives process restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lobster444/brevedu/internal/errs"
	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/retry"
	"github.com/Lobster444/brevedu/internal/storage"
)

// Operation names dispatched through the queue.
const (
	OpStartSession       = "start-session"
	OpCreateConversation = "create-conversation"
	OpEndConversation    = "end-conversation"
	OpUpdateCompletion   = "update-completion"
)

const (
	// StorageKey is the blob slot holding the serialized queue.
	StorageKey = "tavus_operation_queue"

	// MaxItems bounds the queue; the oldest item is evicted on overflow.
	MaxItems = 100

	// MaxItemRetries drops an item after this many failed replays.
	MaxItemRetries = 5

	// MaxItemAge drops an item once it has waited this long.
	MaxItemAge = 24 * time.Hour

	sweepInterval = time.Hour
)

// HandlerFunc replays one deferred operation from its persisted payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Options configures a Queue. Blobs is required; zero-value fields get
// defaults.
type Options struct {
	Blobs  storage.BlobStore
	Online func() bool // nil means always online
	Log    *logger.Logger
	Now    func() time.Time // nil means time.Now
	Retry  retry.Config     // zero value means retry.DefaultConfig()
}

// Queue is a bounded, persisted FIFO of deferred operations. All methods are
// safe for concurrent use; a drain pass works on a snapshot, so items
// appended mid-pass are picked up on the next pass.
type Queue struct {
	blobs    storage.BlobStore
	online   func() bool
	log      *logger.Logger
	now      func() time.Time
	retryCfg retry.Config

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	draining bool
}

// New constructs a queue with injected storage and clock, so tests can
// substitute an in-memory store and a controllable clock.
func New(opts Options) *Queue {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Queue{
		blobs:    opts.Blobs,
		online:   opts.Online,
		log:      opts.Log,
		now:      opts.Now,
		retryCfg: opts.Retry,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs the replay handler for an operation name.
func (q *Queue) Register(op string, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[op] = fn
}

// Enqueue appends a deferred operation and returns the generated item id.
// If the queue is full the oldest item is evicted first.
func (q *Queue) Enqueue(ctx context.Context, op string, payload any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload for %s: %w", op, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load(ctx)
	item := storage.QueueItem{
		ID:         uuid.New().String(),
		Op:         op,
		Payload:    raw,
		EnqueuedAt: q.now().UTC(),
	}
	items = append(items, item)
	if len(items) > MaxItems {
		evicted := items[0]
		items = items[1:]
		q.log.Warn("queue full, evicting oldest item",
			"evicted_op", evicted.Op, "evicted_id", evicted.ID)
	}

	if err := q.persist(ctx, items); err != nil {
		return "", err
	}
	q.log.Info("operation queued", "op", op, "item_id", item.ID, "queue_size", len(items))
	return item.ID, nil
}

// DrainIfOnline replays queued items in insertion order. It is a no-op when
// the queue is empty, the device is offline, or another drain is running.
// Items that keep failing are dropped once they exceed the retry or age
// limit; there is no caller left to surface their errors to, so they are
// only logged.
func (q *Queue) DrainIfOnline(ctx context.Context) error {
	if q.online != nil && !q.online() {
		return nil
	}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	snapshot := q.load(ctx)
	handlers := q.handlers
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	if len(snapshot) == 0 {
		return nil
	}
	q.log.Info("draining operation queue", "size", len(snapshot))

	type replayResult struct {
		ok   bool
		drop bool // permanently rejected, replaying cannot help
		err  string
	}
	results := make(map[string]replayResult, len(snapshot))
	for _, item := range snapshot {
		handler, ok := handlers[item.Op]
		if !ok {
			results[item.ID] = replayResult{err: "no handler registered for " + item.Op}
			continue
		}

		payload := item.Payload
		err := retry.Do(ctx, q.retryCfg, func(ctx context.Context) error {
			return handler(ctx, payload)
		})
		if err == nil {
			results[item.ID] = replayResult{ok: true}
			q.log.Info("queued operation replayed", "op", item.Op, "item_id", item.ID)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if e, ok := errs.As(err); ok && !e.Retryable {
			results[item.ID] = replayResult{drop: true, err: err.Error()}
			continue
		}
		results[item.ID] = replayResult{err: err.Error()}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current := q.load(ctx)
	survivors := current[:0]
	now := q.now().UTC()
	for _, item := range current {
		res, seen := results[item.ID]
		if res.ok {
			continue
		}
		if seen && res.drop {
			q.log.Warn("dropping permanently failed queue item",
				"op", item.Op, "item_id", item.ID, "error", res.err)
			continue
		}
		if seen {
			item.RetryCount++
			item.LastError = res.err
		}
		if item.RetryCount >= MaxItemRetries {
			q.log.Warn("dropping queue item after retry limit",
				"op", item.Op, "item_id", item.ID, "retries", item.RetryCount)
			continue
		}
		if now.Sub(item.EnqueuedAt) > MaxItemAge {
			q.log.Warn("dropping expired queue item",
				"op", item.Op, "item_id", item.ID, "age", now.Sub(item.EnqueuedAt))
			continue
		}
		survivors = append(survivors, item)
	}
	return q.persist(ctx, survivors)
}

// Status reports the queue size and the enqueue time of the oldest item
// (zero when empty).
func (q *Queue) Status(ctx context.Context) (size int, oldest time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.load(ctx)
	if len(items) == 0 {
		return 0, time.Time{}
	}
	return len(items), items[0].EnqueuedAt
}

// Sweep removes items past the retry or age limit without dispatching
// anything. It runs on a timer independent of connectivity.
func (q *Queue) Sweep(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load(ctx)
	if len(items) == 0 {
		return nil
	}

	now := q.now().UTC()
	survivors := items[:0]
	for _, item := range items {
		if item.RetryCount >= MaxItemRetries || now.Sub(item.EnqueuedAt) > MaxItemAge {
			q.log.Warn("sweeping stale queue item", "op", item.Op, "item_id", item.ID)
			continue
		}
		survivors = append(survivors, item)
	}
	if len(survivors) == len(items) {
		return nil
	}
	return q.persist(ctx, survivors)
}

// Run sweeps hourly until ctx is done. Drain-on-reconnect is wired by the
// caller through the connectivity monitor.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Sweep(ctx); err != nil {
				q.log.Error("queue sweep failed", "error", err)
			}
			if err := q.DrainIfOnline(ctx); err != nil {
				q.log.Error("queue drain failed", "error", err)
			}
		}
	}
}

// load reads the queue blob. Corrupt or unreadable content yields an empty
// queue; the queue must never wedge the process.
func (q *Queue) load(ctx context.Context) []storage.QueueItem {
	data, err := q.blobs.GetBlob(ctx, StorageKey)
	if err != nil {
		q.log.Error("reading queue storage", "error", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var items []storage.QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		q.log.Warn("corrupt queue storage, starting empty", "error", err)
		return nil
	}
	return items
}

func (q *Queue) persist(ctx context.Context, items []storage.QueueItem) error {
	if items == nil {
		items = []storage.QueueItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling queue: %w", err)
	}
	if err := q.blobs.PutBlob(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("persisting queue: %w", err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
