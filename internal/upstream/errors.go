package upstream

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingCredential is returned before any network attempt when no API
// key is configured.
var ErrMissingCredential = errors.New("upstream: missing API key")

// TimeoutError reports that the call was aborted at its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream: timed out after %s", e.After)
}

// Timeout lets callers use the net.Error style check.
func (e *TimeoutError) Timeout() bool { return true }

// HTTPError is a non-success status from the upstream. Body is the raw
// response body.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.Status)
}

// TransportError covers every other failure: DNS, connection resets,
// unreadable bodies.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned by Breaker without calling the upstream while
// the circuit is open.
var ErrCircuitOpen = errors.New("upstream: circuit open")
