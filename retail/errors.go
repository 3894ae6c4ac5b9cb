package retail

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidRequest is returned synchronously, before any network
	// activity, for malformed scan or watch requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMissingConfig is returned synchronously when required
	// configuration (adapters, thresholds) is absent or invalid.
	ErrMissingConfig = errors.New("missing configuration")

	// ErrNotSent marks a request abandoned while it was queued or paced,
	// before it reached the network. It says nothing about the retailer.
	ErrNotSent = errors.New("request not sent")
)

// ErrorKind is the classification of a retailer task failure.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTransient ErrorKind = "transient"
	KindBlocked   ErrorKind = "blocked"
	KindParse     ErrorKind = "parse"
	KindTimeout   ErrorKind = "timeout"
	KindCancelled ErrorKind = "cancelled"
)

// TransientError is a network-level failure (connection refused, reset,
// 5xx). It is retried per the backoff policy and counted by the breaker.
type TransientError struct {
	Retailer   string
	StatusCode int
	Cause      error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retail: transient failure from %s: http %d", e.Retailer, e.StatusCode)
	}
	return fmt.Sprintf("retail: transient failure from %s: %v", e.Retailer, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// BlockedError is an explicit bot challenge or access denial. It is a
// stronger failure signal than TransientError and accelerates circuit
// opening.
type BlockedError struct {
	Retailer   string
	StatusCode int
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("retail: blocked by %s (http %d): %s", e.Retailer, e.StatusCode, e.Reason)
}

// ParseError means the adapter could not interpret a response. It lowers
// confidence but does not by itself open the circuit, since it usually
// indicates a markup change rather than blocking.
type ParseError struct {
	Retailer string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("retail: parse failure for %s: %v", e.Retailer, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// TimeoutError is a request or task that exceeded its deadline. It is
// handled like TransientError.
type TimeoutError struct {
	Retailer string
	Cause    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retail: timeout talking to %s: %v", e.Retailer, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Classify maps an error to its ErrorKind. Unknown errors are treated as
// transient; deadline errors (context or net) as timeouts.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var blocked *BlockedError
	var parse *ParseError
	var timeout *TimeoutError
	var transient *TransientError

	switch {
	case errors.As(err, &blocked):
		return KindBlocked
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &transient):
		// a transient wrapper around a deadline is still a timeout
		if isDeadline(transient.Cause) {
			return KindTimeout
		}
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case isDeadline(err):
		return KindTimeout
	default:
		return KindTransient
	}
}

func isDeadline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
