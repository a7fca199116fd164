// Package errclass is the single funnel for pipeline failures. Every error
// is categorized by domain and severity, logged accordingly, optionally
// surfaced to the user notification sink, and optionally forwarded to a
// remote reporter.
package errclass

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkowalik/nbpulse/internal/logging"
)

// Category identifies the failure domain.
type Category string

const (
	CategoryNetwork          Category = "NETWORK"
	CategorySettings         Category = "SETTINGS"
	CategoryCellProcessing   Category = "CELL_PROCESSING"
	CategoryUI               Category = "UI"
	CategoryDataTransmission Category = "DATA_TRANSMISSION"
	CategoryInitialization   Category = "INITIALIZATION"
)

// Severity orders failures by impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Sticky marks a notification that never auto-closes.
const Sticky time.Duration = 0

// autoClose maps severity to the notification display duration.
// CRITICAL notifications stay until dismissed.
func autoClose(s Severity) time.Duration {
	switch s {
	case SeverityCritical:
		return Sticky
	case SeverityHigh:
		return 10 * time.Second
	case SeverityMedium:
		return 5 * time.Second
	default:
		return 3 * time.Second
	}
}

// Notifier is the abstract user-notification sink. autoClose of Sticky (0)
// means the notification does not close on its own.
type Notifier interface {
	Notify(message string, severity Severity, autoClose time.Duration)
}

// Reporter forwards classified errors to a remote error-tracking backend.
// The default classifier carries none; this is an extension point.
type Reporter interface {
	Report(err error, category Category, severity Severity, metadata map[string]interface{})
}

var errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "nbpulse_errors_total",
	Help: "Total classified pipeline errors by category and severity",
}, []string{"category", "severity"})

func init() {
	prometheus.MustRegister(errorsTotal)
}

// Classifier applies the error-handling policy of the pipeline.
type Classifier struct {
	notifier Notifier
	reporter Reporter
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithNotifier attaches a user-notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Classifier) { c.notifier = n }
}

// WithReporter attaches a remote error reporter.
func WithReporter(r Reporter) Option {
	return func(c *Classifier) { c.reporter = r }
}

// New creates a classifier. With no options it only logs.
func New(opts ...Option) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle classifies a single failure. It logs at the severity-derived
// level, notifies the user when policy allows, and forwards to the
// reporter if one is attached.
//
// CELL_PROCESSING errors are never surfaced to the user: capture failures
// can fire at cell-execution frequency and must not spam notifications.
// INITIALIZATION errors are always surfaced and returned wrapped as fatal;
// every other category returns nil so the caller continues.
func (c *Classifier) Handle(err error, category Category, severity Severity, context string, metadata map[string]interface{}) error {
	if err == nil {
		return nil
	}

	errorsTotal.WithLabelValues(string(category), severity.String()).Inc()

	fields := logging.F(
		"category", string(category),
		"severity", severity.String(),
		"error", err.Error(),
	)
	if context != "" {
		fields["context"] = context
	}
	for k, v := range metadata {
		fields[k] = v
	}

	msg := "pipeline error"
	switch severity {
	case SeverityCritical, SeverityHigh:
		logging.Error(msg, fields)
	case SeverityMedium:
		logging.Warn(msg, fields)
	default:
		logging.Info(msg, fields)
	}

	if c.notifier != nil && shouldNotify(category) {
		c.notifier.Notify(userMessage(category, err), severity, autoClose(severity))
	}

	if c.reporter != nil {
		c.reporter.Report(err, category, severity, metadata)
	}

	if category == CategoryInitialization {
		return fmt.Errorf("initialization failed: %w", err)
	}
	return nil
}

// shouldNotify applies the per-category notification policy.
func shouldNotify(category Category) bool {
	switch category {
	case CategoryCellProcessing:
		return false
	case CategoryInitialization:
		return true
	default:
		return true
	}
}

// userMessage renders a short operator-facing message per category.
func userMessage(category Category, err error) string {
	switch category {
	case CategoryDataTransmission:
		return "Telemetry delivery failed; a batch of events was dropped."
	case CategorySettings:
		return fmt.Sprintf("Invalid telemetry setting rejected: %v", err)
	case CategoryNetwork:
		return fmt.Sprintf("Telemetry network problem: %v", err)
	case CategoryInitialization:
		return fmt.Sprintf("Telemetry plugin failed to start: %v", err)
	default:
		return err.Error()
	}
}
