// Package transmit delivers event batches to the remote collector and
// implements the retry policy around an unreliable network.
package transmit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"

	"github.com/mkowalik/nbpulse/internal/compression"
	"github.com/mkowalik/nbpulse/internal/event"
	"github.com/mkowalik/nbpulse/internal/settings"
)

var (
	sendRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nbpulse_send_requests_total",
		Help: "Total number of collector POST attempts",
	})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbpulse_send_errors_total",
		Help: "Total number of failed collector POST attempts by error type",
	}, []string{"error_type"})

	sendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nbpulse_send_bytes_total",
		Help: "Total request body bytes sent to the collector",
	}, []string{"compression"})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendBytesTotal)
}

// BatchSender performs one delivery attempt for a batch.
type BatchSender interface {
	Send(ctx context.Context, batch []*event.Record) error
}

// HTTPSenderConfig tunes the collector HTTP client.
type HTTPSenderConfig struct {
	// Compression selects the request body encoding.
	Compression compression.Type
	// MaxIdleConns caps idle keep-alive connections. Zero uses 10.
	MaxIdleConns int
	// IdleConnTimeout closes idle connections after this duration. Zero uses 90s.
	IdleConnTimeout time.Duration
}

// HTTPSender posts JSON event batches to the collector endpoint from the
// live settings snapshot. The per-attempt timeout also comes from settings,
// applied as a context deadline so a stuck connection cannot outlive it.
type HTTPSender struct {
	client      *http.Client
	store       *settings.Store
	compression compression.Type
}

// NewHTTPSender creates a sender reading endpoint and timeout from store.
func NewHTTPSender(store *settings.Store, cfg HTTPSenderConfig) *HTTPSender {
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Enables h2 against TLS collectors; plain HTTP endpoints are untouched.
	_, _ = http2.ConfigureTransports(transport)

	return &HTTPSender{
		client:      &http.Client{Transport: transport},
		store:       store,
		compression: cfg.Compression,
	}
}

// Send implements BatchSender. Success is any 2xx response; everything
// else returns a classified *Error.
func (s *HTTPSender) Send(ctx context.Context, batch []*event.Record) error {
	body, err := event.EncodeBatch(batch)
	if err != nil {
		return &Error{Err: fmt.Errorf("encode batch: %w", err), Type: ErrorTypeUnknown}
	}

	compressed, err := compression.Compress(body, s.compression)
	if err != nil {
		return &Error{Err: fmt.Errorf("compress batch: %w", err), Type: ErrorTypeUnknown}
	}

	cfg := s.store.Current()
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServerURL, bytes.NewReader(compressed))
	if err != nil {
		return &Error{Err: fmt.Errorf("build request: %w", err), Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding := s.compression.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	sendRequestsTotal.Inc()

	resp, err := s.client.Do(req)
	if err != nil {
		te := classify(fmt.Errorf("send batch: %w", err))
		sendErrorsTotal.WithLabelValues(string(te.Type)).Inc()
		return te
	}
	defer resp.Body.Close()

	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &Error{
			Err:        fmt.Errorf("collector returned status %d", resp.StatusCode),
			Type:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
		sendErrorsTotal.WithLabelValues(string(te.Type)).Inc()
		return te
	}

	label := string(s.compression)
	if label == "" {
		label = string(compression.TypeNone)
	}
	sendBytesTotal.WithLabelValues(label).Add(float64(len(compressed)))
	return nil
}

// Close releases idle connections.
func (s *HTTPSender) Close() {
	s.client.CloseIdleConnections()
}
