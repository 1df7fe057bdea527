// Package connectivity tracks whether the provider is reachable. It stands
// in for the browser online/offline signal of the original front end: a
// periodic health probe flips a boolean flag and notifies subscribers on
// transitions.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lobster444/brevedu/internal/logger"
)

// Probe checks reachability; nil error means online.
type Probe func(ctx context.Context) error

// Monitor polls a probe and exposes the current online/offline state.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger

	online atomic.Bool

	mu   sync.Mutex
	subs []func(online bool)
}

// NewMonitor builds a monitor around the given probe. The state starts
// online so the first operations are attempted rather than queued blindly.
func NewMonitor(probe Probe, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  10 * time.Second,
		log:      log,
	}
	m.online.Store(true)
	return m
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Notify registers a callback invoked on every online/offline transition.
// Callbacks run on the monitor goroutine and must not block.
func (m *Monitor) Notify(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Run polls until ctx is done. The first probe fires immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(probeCtx)
	cancel()

	now := err == nil
	was := m.online.Swap(now)
	if was == now {
		return
	}

	if now {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost", "error", err)
	}

	m.mu.Lock()
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(now)
	}
}

// SetState forces the state, firing subscribers on change. Used by tests and
// by the CLI's forced drain.
func (m *Monitor) SetState(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	m.mu.Lock()
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}
