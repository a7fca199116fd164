package transmit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType is a low-cardinality category of transmission failure, used
// for metrics labels and logging.
type ErrorType string

const (
	// ErrorTypeNetwork covers DNS failures, refused connections and the like.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout covers deadline and i/o timeouts.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError covers 5xx responses.
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError covers 4xx responses other than auth/rate-limit.
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth covers 401 and 403 responses.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit covers 429 responses.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown covers everything else.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Error is a structured transmission failure carrying the classified type
// and, for HTTP failures, the response status code.
type Error struct {
	Err        error
	Type       ErrorType
	StatusCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("transmit error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps an attempt failure into a typed Error.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Err: err, Type: classifyErr(err)}
}

// classifyErr categorizes a transport-level error.
func classifyErr(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// classifyStatus categorizes a non-2xx HTTP status code.
func classifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}
