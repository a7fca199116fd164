package transmit

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkowalik/nbpulse/internal/errclass"
	"github.com/mkowalik/nbpulse/internal/event"
	"github.com/mkowalik/nbpulse/internal/logging"
	"github.com/mkowalik/nbpulse/internal/settings"
	"github.com/mkowalik/nbpulse/internal/timerpool"
)

// DefaultBaseDelay is the backoff base before the first retry.
const DefaultBaseDelay = 1000 * time.Millisecond

// State is the delivery state of one batch.
type State int32

const (
	// StatePending means the batch was formed but no attempt started.
	StatePending State = iota
	// StateSending means an attempt is in flight.
	StateSending
	// StateRetryWait means the batch is waiting out a backoff delay.
	StateRetryWait
	// StateDelivered is terminal: the collector accepted the batch.
	StateDelivered
	// StateDropped is terminal: retries were exhausted and the batch discarded.
	StateDropped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSending:
		return "SENDING"
	case StateRetryWait:
		return "RETRY_WAIT"
	case StateDelivered:
		return "DELIVERED"
	case StateDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

var (
	batchesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_batches_delivered_total",
		Help: "Total batches accepted by the collector",
	})

	batchesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_batches_dropped_total",
		Help: "Total batches dropped after exhausting retries",
	})

	sendRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_send_retries_total",
		Help: "Total retry attempts across all batches",
	})
)

func init() {
	prometheus.MustRegister(batchesDeliveredTotal)
	prometheus.MustRegister(batchesDroppedTotal)
	prometheus.MustRegister(sendRetriesTotal)
}

// Sink receives the terminal-failure classification. *errclass.Classifier
// satisfies it.
type Sink interface {
	Handle(err error, category errclass.Category, severity errclass.Severity, context string, metadata map[string]interface{}) error
}

// Service owns the attempt sequence for each batch: send, back off through
// the timer pool, retry up to the configured limit, then drop. A batch is
// atomic; it is delivered whole or dropped whole, never split or reordered
// across retries.
type Service struct {
	sender    BatchSender
	store     *settings.Store
	pool      *timerpool.Pool
	errors    Sink
	baseDelay time.Duration
	jitter    bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithJitter randomizes each backoff wait over (0, computed delay],
// de-correlating retry storms across a fleet of clients.
func WithJitter() ServiceOption {
	return func(s *Service) { s.jitter = true }
}

// NewService creates a transmission service. errors may be nil.
func NewService(sender BatchSender, store *settings.Store, pool *timerpool.Pool, errors Sink, opts ...ServiceOption) *Service {
	s := &Service{
		sender:    sender,
		store:     store,
		pool:      pool,
		errors:    errors,
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send runs the full attempt sequence for one batch and returns its
// terminal state. With retryAttempts = r from the live settings, a failing
// batch is attempted exactly r+1 times; the wait before retry k (1-indexed)
// is baseDelay * 2^(k-1), scheduled through the bounded timer pool.
//
// The context bounds the entire sequence: cancellation between attempts
// drops the batch without the terminal classification, which is the
// deliberate shutdown path.
func (s *Service) Send(ctx context.Context, batch []*event.Record) State {
	if len(batch) == 0 {
		return StateDelivered
	}

	retries := s.store.Current().RetryAttempts
	state := StatePending
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			state = StateRetryWait
			sendRetriesTotal.Inc()
			if err := s.pool.Delay(ctx, s.backoff(attempt)); err != nil {
				logging.Warn("retry wait abandoned, dropping batch", logging.F(
					"batch_size", len(batch),
					"attempt", attempt,
					"reason", err.Error(),
				))
				return StateDropped
			}
			// A settings change may lower the retry budget mid-sequence.
			if limit := s.store.Current().RetryAttempts; limit < retries {
				retries = limit
				if attempt > retries {
					break
				}
			}
		}

		state = StateSending
		err := s.sender.Send(ctx, batch)
		if err == nil {
			batchesDeliveredTotal.Inc()
			logging.Debug("batch delivered", logging.F(
				"batch_size", len(batch),
				"attempts", attempt+1,
			))
			return StateDelivered
		}
		lastErr = err

		if ctx.Err() != nil {
			return StateDropped
		}

		te := classify(err)
		logging.Warn("batch send attempt failed", logging.F(
			"batch_size", len(batch),
			"attempt", attempt+1,
			"attempts_allowed", retries+1,
			"error", err.Error(),
			"error_type", string(te.Type),
			"state", state.String(),
		))
	}

	s.drop(batch, lastErr)
	return StateDropped
}

// drop records the terminal failure of a batch.
func (s *Service) drop(batch []*event.Record, lastErr error) {
	batchesDroppedTotal.Inc()
	if s.errors == nil {
		return
	}
	meta := map[string]interface{}{
		"batch_size": len(batch),
	}
	if lastErr != nil {
		meta["last_error"] = lastErr.Error()
		meta["error_type"] = string(classify(lastErr).Type)
	}
	_ = s.errors.Handle(lastErr, errclass.CategoryDataTransmission, errclass.SeverityMedium, "batch transmission", meta)
}

// backoff returns the wait before retry k (1-indexed): base * 2^(k-1),
// optionally jittered.
func (s *Service) backoff(k int) time.Duration {
	d := s.baseDelay << (k - 1)
	if s.jitter {
		d = time.Duration(rand.Int63n(int64(d))) + time.Millisecond //nolint:gosec // jitter needs no crypto randomness
	}
	return d
}
