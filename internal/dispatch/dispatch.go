// Package dispatch wires capture, buffering and transmission into the
// telemetry pipeline. The push path is synchronous and O(1); network
// delivery always runs on detached goroutines tracked in a join set so
// shutdown can wait for or abandon in-flight batches deliberately.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mkowalik/nbpulse/internal/buffer"
	"github.com/mkowalik/nbpulse/internal/errclass"
	"github.com/mkowalik/nbpulse/internal/event"
	"github.com/mkowalik/nbpulse/internal/logging"
	"github.com/mkowalik/nbpulse/internal/settings"
	"github.com/mkowalik/nbpulse/internal/transmit"
)

// Transmitter runs the delivery attempt sequence for one batch.
// *transmit.Service satisfies it.
type Transmitter interface {
	Send(ctx context.Context, batch []*event.Record) transmit.State
}

// Sink receives classified capture failures. *errclass.Classifier satisfies it.
type Sink interface {
	Handle(err error, category errclass.Category, severity errclass.Severity, context string, metadata map[string]interface{}) error
}

// StatsRecorder collects pipeline throughput counters. All methods must be
// safe for concurrent use.
type StatsRecorder interface {
	RecordCaptured()
	RecordNormalizeError()
	RecordEvicted()
	RecordBatchDispatched(events int)
	RecordBatchDelivered(events int)
	RecordBatchDropped(events int)
}

// Pipeline is the composition root of the capture side.
type Pipeline struct {
	buf    *buffer.Buffer
	store  *settings.Store
	tx     Transmitter
	errors Sink
	stats  StatsRecorder

	// ctx is the base context for in-flight sends; cancel abandons them.
	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	inFlight atomic.Int64
	closed   atomic.Bool
}

// New creates a pipeline. The buffer capacity tracks the live settings;
// errors and stats may be nil.
func New(store *settings.Store, tx Transmitter, errors Sink, stats StatsRecorder) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		buf:    buffer.New(store.Current().BufferCapacity),
		store:  store,
		tx:     tx,
		errors: errors,
		stats:  stats,
		ctx:    ctx,
		cancel: cancel,
	}
	store.OnUpdate(func(s settings.Settings) {
		p.buf.SetCapacity(s.BufferCapacity)
	})
	return p
}

// Buffer exposes the event buffer for introspection.
func (p *Pipeline) Buffer() *buffer.Buffer {
	return p.buf
}

// InFlight returns the number of batches currently in their attempt
// sequence.
func (p *Pipeline) InFlight() int {
	return int(p.inFlight.Load())
}

// Capture normalizes one raw host event and pushes it. Normalization
// failures are fully recovered here: classified CELL_PROCESSING, logged,
// dropped, never surfaced, so one malformed event cannot stall the
// pipeline.
func (p *Pipeline) Capture(raw event.Raw) {
	rec, err := event.Normalize(raw)
	if err != nil {
		if p.stats != nil {
			p.stats.RecordNormalizeError()
		}
		if p.errors != nil {
			_ = p.errors.Handle(err, errclass.CategoryCellProcessing, errclass.SeverityLow, "event normalization", nil)
		}
		return
	}
	p.Push(rec)
}

// Push inserts a record and dispatches a batch when the buffer reaches the
// configured batch size. The check-and-drain is atomic in the buffer, so
// each threshold crossing produces exactly one dispatch. Push never blocks
// on transmission.
func (p *Pipeline) Push(rec *event.Record) {
	if p.closed.Load() {
		return
	}
	if p.stats != nil {
		p.stats.RecordCaptured()
	}
	if evicted := p.buf.Push(rec); evicted && p.stats != nil {
		p.stats.RecordEvicted()
	}

	if batch := p.buf.TryDrain(p.store.Current().BatchSize); batch != nil {
		p.dispatch(batch)
	}
}

// Flush drains whatever the buffer holds into one final batch and
// dispatches it regardless of the batch-size threshold.
func (p *Pipeline) Flush() {
	if batch := p.buf.DrainAll(); batch != nil {
		p.dispatch(batch)
	}
}

// dispatch hands a batch to the transmitter fire-and-forget. Later-formed
// batches may complete before earlier ones still in their retry loop;
// cross-batch ordering is explicitly not guaranteed.
func (p *Pipeline) dispatch(batch []*event.Record) {
	if p.stats != nil {
		p.stats.RecordBatchDispatched(len(batch))
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		switch p.tx.Send(p.ctx, batch) {
		case transmit.StateDelivered:
			if p.stats != nil {
				p.stats.RecordBatchDelivered(len(batch))
			}
		default:
			if p.stats != nil {
				p.stats.RecordBatchDropped(len(batch))
			}
		}
	}()
}

// Shutdown stops accepting events, flushes the remainder as a final batch
// and waits for in-flight batches. When ctx expires first, remaining
// batches are abandoned by cancelling their base context and the ctx error
// is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.Flush()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		abandoned := p.inFlight.Load()
		p.cancel()
		p.wg.Wait()
		logging.Warn("shutdown abandoned in-flight batches", logging.F(
			"batches", abandoned,
		))
		return ctx.Err()
	}
}
