// Package buffer implements the bounded in-memory event queue feeding the
// batch dispatcher. Overflow uses drop-oldest eviction: recency is favored
// over completeness, and every eviction is counted so sustained overload is
// visible to operators.
package buffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkowalik/nbpulse/internal/event"
)

var (
	bufferEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_buffer_evicted_total",
		Help: "Total number of events evicted by drop-oldest overflow",
	})

	bufferSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nbpulse_buffer_size",
		Help: "Current number of buffered events",
	})
)

func init() {
	prometheus.MustRegister(bufferEvictedTotal)
	prometheus.MustRegister(bufferSizeGauge)

	bufferEvictedTotal.Add(0)
	bufferSizeGauge.Set(0)
}

// Buffer is a bounded FIFO of event records. All operations are safe for
// concurrent use; DrainAll and TryDrain are atomic with respect to Push, so
// no interleaved insert is lost or duplicated across a drain.
type Buffer struct {
	mu       sync.Mutex
	records  []*event.Record
	capacity int
	evicted  uint64
}

// New creates a buffer with the given capacity. Capacity below 1 is
// clamped to 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		records:  make([]*event.Record, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a record at the tail. At capacity the oldest record is
// evicted first; eviction is silent but counted. Returns true if a record
// was evicted.
func (b *Buffer) Push(rec *event.Record) bool {
	b.mu.Lock()
	evicted := false
	if len(b.records) >= b.capacity {
		b.dropOldestLocked(len(b.records) - b.capacity + 1)
		evicted = true
	}
	b.records = append(b.records, rec)
	size := len(b.records)
	b.mu.Unlock()

	bufferSizeGauge.Set(float64(size))
	return evicted
}

// dropOldestLocked removes n records from the head. Caller holds b.mu.
func (b *Buffer) dropOldestLocked(n int) {
	if n > len(b.records) {
		n = len(b.records)
	}
	// Shift rather than re-slice so evicted heads become collectable.
	copy(b.records, b.records[n:])
	for i := len(b.records) - n; i < len(b.records); i++ {
		b.records[i] = nil
	}
	b.records = b.records[:len(b.records)-n]
	b.evicted += uint64(n)
	bufferEvictedTotal.Add(float64(n))
}

// DrainAll atomically snapshots the current contents in FIFO order and
// resets the buffer to empty. The returned slice is owned by the caller.
func (b *Buffer) DrainAll() []*event.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// TryDrain drains the buffer only if it holds at least threshold records.
// Check and drain happen under one lock acquisition, so exactly one drain
// occurs per threshold crossing even with concurrent pushers. Returns nil
// when below threshold.
func (b *Buffer) TryDrain(threshold int) []*event.Record {
	if threshold < 1 {
		threshold = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < threshold {
		return nil
	}
	return b.drainLocked()
}

func (b *Buffer) drainLocked() []*event.Record {
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = make([]*event.Record, 0, b.capacity)
	bufferSizeGauge.Set(0)
	return out
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Capacity returns the current capacity.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Evicted returns the total number of records dropped by overflow.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// SetCapacity applies a settings change. Shrinking below the current size
// evicts oldest records first.
func (b *Buffer) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	b.capacity = capacity
	if len(b.records) > capacity {
		b.dropOldestLocked(len(b.records) - capacity)
	}
	size := len(b.records)
	b.mu.Unlock()
	bufferSizeGauge.Set(float64(size))
}
