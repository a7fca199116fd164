// Package timerpool provides a bounded-concurrency delay scheduler. Retry
// backoff waits go through a pool instance so the number of outstanding
// timers system-wide stays capped under sustained transmission failure.
package timerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMaxConcurrent caps outstanding delays per pool.
	DefaultMaxConcurrent = 10
	// DefaultPollInterval is how often a caller waiting for a free slot
	// re-checks the pool.
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrCancelled is returned from Delay when ClearAll force-cancels the
// caller's timer before it fires.
var ErrCancelled = errors.New("timerpool: delay cancelled")

var (
	timersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nbpulse_timerpool_active",
		Help: "Number of currently outstanding timers",
	})

	timersScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_timerpool_scheduled_total",
		Help: "Total number of timers registered",
	})

	timersCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_timerpool_cancelled_total",
		Help: "Total number of timers force-cancelled via ClearAll",
	})
)

func init() {
	prometheus.MustRegister(timersActive)
	prometheus.MustRegister(timersScheduledTotal)
	prometheus.MustRegister(timersCancelledTotal)
}

// Handle is one registered timer in a pool's active set.
type Handle struct {
	ID        uint64
	CreatedAt time.Time
	Duration  time.Duration

	cancel chan struct{}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Active     int
	PeakActive int
	Scheduled  uint64
	Completed  uint64
	Cancelled  uint64
}

// Pool schedules bounded-concurrency delays. The zero value is not usable;
// construct with New. A Pool is an explicit instance owned by its
// composition root, so tests and pipelines never share timer state.
type Pool struct {
	maxConcurrent int
	pollInterval  time.Duration

	mu     sync.Mutex
	active map[uint64]*Handle
	peak   int

	nextID    atomic.Uint64
	scheduled atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval overrides the slot-wait polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// New creates a pool allowing at most maxConcurrent outstanding delays.
// Values below 1 fall back to DefaultMaxConcurrent.
func New(maxConcurrent int, opts ...Option) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	p := &Pool{
		maxConcurrent: maxConcurrent,
		pollInterval:  DefaultPollInterval,
		active:        make(map[uint64]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay suspends the caller for d. When the pool is full the caller first
// waits, polling for a free slot; it is delayed, never rejected. Returns
// nil after the full duration elapsed, ErrCancelled if ClearAll abandoned
// the timer, or the context error if ctx was done first.
func (p *Pool) Delay(ctx context.Context, d time.Duration) error {
	h, err := p.register(ctx, d)
	if err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		p.release(h.ID)
		p.completed.Add(1)
		return nil
	case <-h.cancel:
		// ClearAll already removed the handle.
		return ErrCancelled
	case <-ctx.Done():
		p.release(h.ID)
		return ctx.Err()
	}
}

// register waits for a free slot and adds a handle to the active set.
func (p *Pool) register(ctx context.Context, d time.Duration) (*Handle, error) {
	for {
		p.mu.Lock()
		if len(p.active) < p.maxConcurrent {
			h := &Handle{
				ID:        p.nextID.Add(1),
				CreatedAt: time.Now(),
				Duration:  d,
				cancel:    make(chan struct{}),
			}
			p.active[h.ID] = h
			if len(p.active) > p.peak {
				p.peak = len(p.active)
			}
			p.mu.Unlock()

			p.scheduled.Add(1)
			timersScheduledTotal.Inc()
			timersActive.Inc()
			return h, nil
		}
		p.mu.Unlock()

		// Pool full: poll until a slot frees.
		poll := time.NewTimer(p.pollInterval)
		select {
		case <-poll.C:
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		}
		poll.Stop()
	}
}

func (p *Pool) release(id uint64) {
	p.mu.Lock()
	_, ok := p.active[id]
	delete(p.active, id)
	p.mu.Unlock()
	if ok {
		timersActive.Dec()
	}
}

// ActiveCount returns the number of outstanding timers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// MaxConcurrent returns the pool's concurrency cap.
func (p *Pool) MaxConcurrent() int {
	return p.maxConcurrent
}

// Stats returns a snapshot of pool activity counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active, peak := len(p.active), p.peak
	p.mu.Unlock()
	return Stats{
		Active:     active,
		PeakActive: peak,
		Scheduled:  p.scheduled.Load(),
		Completed:  p.completed.Load(),
		Cancelled:  p.cancelled.Load(),
	}
}

// ClearAll force-cancels every outstanding timer. The associated Delay
// calls return ErrCancelled instead of resolving normally, abandoning
// whatever retry waits they were backing. This is an emergency operation
// for shutdown and tests, not part of normal scheduling.
func (p *Pool) ClearAll() int {
	p.mu.Lock()
	cleared := len(p.active)
	for id, h := range p.active {
		close(h.cancel)
		delete(p.active, id)
	}
	p.mu.Unlock()

	if cleared > 0 {
		p.cancelled.Add(uint64(cleared))
		timersCancelledTotal.Add(float64(cleared))
		timersActive.Sub(float64(cleared))
	}
	return cleared
}
