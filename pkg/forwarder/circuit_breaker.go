package forwarder

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed means requests are forwarded normally
	StateClosed CircuitState = iota
	// StateOpen means requests fail fast
	StateOpen
	// StateHalfOpen means a few trial requests are let through
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a single DoH endpoint.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64 // consecutive failures
	successes       atomic.Int64 // consecutive successes while half-open
	lastStateChange atomic.Int64 // unix nanos
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int32
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. It opens after
// failureThreshold consecutive failures, waits timeout, then closes again
// after successThreshold successful trial requests.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMax:      3,
		now:              time.Now,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(cb.now().UnixNano())
	return cb
}

// Call runs fn unless the circuit is open. fn is not called when Call
// returns ErrCircuitOpen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	switch CircuitState(cb.state.Load()) {
	case StateOpen:
		if cb.now().Sub(time.Unix(0, cb.lastStateChange.Load())) <= cb.timeout {
			return ErrCircuitOpen
		}
		if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			cb.lastStateChange.Store(cb.now().UnixNano())
			cb.successes.Store(0)
			cb.failures.Store(0)
			cb.halfOpenReqs.Store(0)
		}
		if CircuitState(cb.state.Load()) != StateHalfOpen {
			return ErrCircuitOpen
		}
		fallthrough

	case StateHalfOpen:
		current := cb.halfOpenReqs.Add(1)
		defer cb.halfOpenReqs.Add(-1)
		if current > cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}

	err := fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				cb.lastStateChange.Store(cb.now().UnixNano())
			}
		}

	case StateHalfOpen:
		// Any failure while probing reopens.
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			cb.lastStateChange.Store(cb.now().UnixNano())
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			cb.lastStateChange.Store(cb.now().UnixNano())
		}
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int64 {
	return cb.failures.Load()
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastStateChange.Store(cb.now().UnixNano())
}
