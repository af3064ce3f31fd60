package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUpstreamFailure is wrapped by every resolution failure
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrNoUpstreams is returned when no DoH endpoint is configured
	ErrNoUpstreams = errors.New("no DoH upstreams configured")

	// ErrCircuitOpen is returned when an endpoint's circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrResponseTooLarge is returned when a DoH body exceeds a DNS message
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// UpstreamError describes one failed DoH exchange. StatusCode is zero for
// transport errors.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Err)
}

// Unwrap exposes both ErrUpstreamFailure and the cause.
func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamFailure}
	}
	return []error{ErrUpstreamFailure, e.Err}
}

// IsTimeout reports whether err was caused by the upstream timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
