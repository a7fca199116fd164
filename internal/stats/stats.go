// Package stats tracks pipeline throughput counters and logs a periodic
// summary so sustained overload or delivery failure is visible without a
// metrics backend.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mkowalik/nbpulse/internal/logging"
)

// Collector accumulates pipeline counters. All methods are safe for
// concurrent use from the capture path and in-flight batch goroutines.
type Collector struct {
	captured        atomic.Uint64
	normalizeErrors atomic.Uint64
	evicted         atomic.Uint64

	batchesDispatched atomic.Uint64
	batchesDelivered  atomic.Uint64
	batchesDropped    atomic.Uint64
	eventsDispatched  atomic.Uint64
	eventsDelivered   atomic.Uint64
	eventsDropped     atomic.Uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Captured        uint64
	NormalizeErrors uint64
	Evicted         uint64

	BatchesDispatched uint64
	BatchesDelivered  uint64
	BatchesDropped    uint64
	EventsDispatched  uint64
	EventsDelivered   uint64
	EventsDropped     uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordCaptured counts one normalized event entering the buffer.
func (c *Collector) RecordCaptured() { c.captured.Add(1) }

// RecordNormalizeError counts one raw event rejected by normalization.
func (c *Collector) RecordNormalizeError() { c.normalizeErrors.Add(1) }

// RecordEvicted counts one event lost to drop-oldest overflow.
func (c *Collector) RecordEvicted() { c.evicted.Add(1) }

// RecordBatchDispatched counts a batch handed to the transmission service.
func (c *Collector) RecordBatchDispatched(events int) {
	c.batchesDispatched.Add(1)
	c.eventsDispatched.Add(uint64(events))
}

// RecordBatchDelivered counts a batch accepted by the collector.
func (c *Collector) RecordBatchDelivered(events int) {
	c.batchesDelivered.Add(1)
	c.eventsDelivered.Add(uint64(events))
}

// RecordBatchDropped counts a batch discarded after exhausting retries.
func (c *Collector) RecordBatchDropped(events int) {
	c.batchesDropped.Add(1)
	c.eventsDropped.Add(uint64(events))
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Captured:          c.captured.Load(),
		NormalizeErrors:   c.normalizeErrors.Load(),
		Evicted:           c.evicted.Load(),
		BatchesDispatched: c.batchesDispatched.Load(),
		BatchesDelivered:  c.batchesDelivered.Load(),
		BatchesDropped:    c.batchesDropped.Load(),
		EventsDispatched:  c.eventsDispatched.Load(),
		EventsDelivered:   c.eventsDelivered.Load(),
		EventsDropped:     c.eventsDropped.Load(),
	}
}

// StartPeriodicLogging logs a stats summary at the given interval until the
// context is done. A final summary is logged on exit.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logSummary("pipeline stats (final)")
			return
		case <-ticker.C:
			c.logSummary("pipeline stats")
		}
	}
}

func (c *Collector) logSummary(msg string) {
	s := c.Snapshot()
	logging.Info(msg, logging.F(
		"events_captured", s.Captured,
		"events_evicted", s.Evicted,
		"normalize_errors", s.NormalizeErrors,
		"batches_dispatched", s.BatchesDispatched,
		"batches_delivered", s.BatchesDelivered,
		"batches_dropped", s.BatchesDropped,
		"events_delivered", s.EventsDelivered,
		"events_dropped", s.EventsDropped,
	))
}
