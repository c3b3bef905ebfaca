// Package errs defines the typed error taxonomy shared by the broker,
// bearer and pipeline packages.
package errs

import "fmt"

// NetworkError wraps a transport failure on either the broker or the
// bearer side. Callers treat it as transient: the owning link marks
// itself disconnected and the pipeline drives a reconnect.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// MalformedInputError marks a broker delivery that failed to decode or
// was missing a required field. Never retried; surfaced to the failed
// queue by the caller.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "invalid message format: " + e.Reason
}

// PolicyRejectError marks a sender that failed the allow-list check.
type PolicyRejectError struct {
	Sender string
}

func (e *PolicyRejectError) Error() string {
	return "sender not authorized: " + e.Sender
}

// InternalInvariantError marks a violated internal invariant, such as a
// spool record whose declared length is out of range. The caller logs
// it as an error and continues operating.
type InternalInvariantError struct {
	Reason string
}

func (e *InternalInvariantError) Error() string {
	return "internal invariant violated: " + e.Reason
}
