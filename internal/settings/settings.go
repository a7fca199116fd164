// Package settings holds the validated, live-reloadable pipeline
// configuration. Readers always observe a fully valid immutable snapshot;
// invalid fields fail closed and retain the last-known-good value.
package settings

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkowalik/nbpulse/internal/errclass"
	"github.com/mkowalik/nbpulse/internal/logging"
)

// Setting keys as delivered by the provider.
const (
	KeyServerURL           = "serverUrl"
	KeyBatchSize           = "batchSize"
	KeyRetryAttempts       = "retryAttempts"
	KeyDebounceMs          = "debounceMs"
	KeyConnectionTimeoutMs = "connectionTimeoutMs"
	KeyBufferCapacity      = "bufferCapacity"
)

// Settings is one immutable configuration snapshot.
type Settings struct {
	ServerURL           string
	BatchSize           int
	RetryAttempts       int
	DebounceMs          int
	ConnectionTimeoutMs int
	BufferCapacity      int
}

// Defaults returns the safe default configuration.
func Defaults() Settings {
	return Settings{
		ServerURL:           "http://localhost:8917/events",
		BatchSize:           50,
		RetryAttempts:       3,
		DebounceMs:          500,
		ConnectionTimeoutMs: 5000,
		BufferCapacity:      50,
	}
}

// ConnectionTimeout returns the per-attempt HTTP timeout.
func (s Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

// Debounce returns the capture debounce window.
func (s Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// validate checks one field value against its declared range or pattern
// and writes it into dst on success.
func validate(dst *Settings, key string, value interface{}) error {
	switch key {
	case KeyServerURL:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", key, value)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", key, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, s)
		}
		dst.ServerURL = s
		return nil
	case KeyBatchSize:
		return validateInt(&dst.BatchSize, key, value, 1, 100)
	case KeyRetryAttempts:
		return validateInt(&dst.RetryAttempts, key, value, 0, 10)
	case KeyDebounceMs:
		return validateInt(&dst.DebounceMs, key, value, 100, 2000)
	case KeyConnectionTimeoutMs:
		return validateInt(&dst.ConnectionTimeoutMs, key, value, 1000, 30000)
	case KeyBufferCapacity:
		return validateInt(&dst.BufferCapacity, key, value, 1, 1000)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func validateInt(dst *int, key string, value interface{}, min, max int) error {
	n, err := toInt(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if n < min || n > max {
		return fmt.Errorf("%s must be in [%d,%d], got %d", key, min, max, n)
	}
	*dst = n
	return nil
}

// toInt coerces the loosely typed values YAML and JSON providers deliver.
func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

// Sink receives classified settings errors. *errclass.Classifier satisfies it.
type Sink interface {
	Handle(err error, category errclass.Category, severity errclass.Severity, context string, metadata map[string]interface{}) error
}

// Store publishes validated settings snapshots. Every component reads the
// current snapshot at each decision point; updates replace the whole
// snapshot atomically, so a reader sees either the previous valid settings
// or the new valid ones, never a partial application.
type Store struct {
	current atomic.Pointer[Settings]
	version atomic.Uint64
	errors  Sink

	mu        sync.Mutex
	listeners []func(Settings)
}

// NewStore creates a store publishing Defaults until Initialize runs.
// errors may be nil, in which case validation failures are only logged.
func NewStore(errors Sink) *Store {
	s := &Store{errors: errors}
	def := Defaults()
	s.current.Store(&def)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() Settings {
	return *s.current.Load()
}

// Version returns the snapshot version counter. It increments once per
// published update.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// OnUpdate registers a callback invoked with each newly published snapshot.
// Used for push-style propagation (e.g. resizing the event buffer).
func (s *Store) OnUpdate(fn func(Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Initialize loads initial values from the provider, validates them field
// by field, and subscribes to change notifications. Invalid fields are
// rejected (SETTINGS / HIGH) and their defaults retained. A provider load
// failure is an error the caller treats as fatal to startup.
func (s *Store) Initialize(provider Provider, pluginID string) error {
	values, err := provider.Load(pluginID)
	if err != nil {
		return fmt.Errorf("settings load for %q: %w", pluginID, err)
	}

	next := Defaults()
	for key, value := range values {
		if err := validate(&next, key, value); err != nil {
			s.reject(err)
		}
	}
	s.publish(next)

	provider.Subscribe(func(changes []Change) {
		s.apply(changes)
	})

	logging.Info("settings initialized", logging.F(
		"plugin_id", pluginID,
		"server_url", next.ServerURL,
		"batch_size", next.BatchSize,
		"retry_attempts", next.RetryAttempts,
		"buffer_capacity", next.BufferCapacity,
	))
	return nil
}

// apply re-validates changed fields against the current snapshot and
// publishes the result. Rejected fields keep their last-known-good value.
func (s *Store) apply(changes []Change) {
	if len(changes) == 0 {
		return
	}
	next := s.Current()
	accepted := 0
	for _, ch := range changes {
		if err := validate(&next, ch.Key, ch.New); err != nil {
			s.reject(err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return
	}
	s.publish(next)
	logging.Info("settings updated", logging.F(
		"changes", len(changes),
		"accepted", accepted,
		"version", s.Version(),
	))
}

func (s *Store) publish(next Settings) {
	s.current.Store(&next)
	s.version.Add(1)

	s.mu.Lock()
	listeners := make([]func(Settings), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
}

func (s *Store) reject(err error) {
	if s.errors != nil {
		_ = s.errors.Handle(err, errclass.CategorySettings, errclass.SeverityHigh, "settings validation", nil)
		return
	}
	logging.Error("settings field rejected", logging.F("error", err.Error()))
}
