package ledger

import (
	"errors"
	"fmt"
)

// ErrSequencerClosed is returned by a NonceSequencer after Close.
var ErrSequencerClosed = errors.New("nonce sequencer closed")

// RejectionError is a deterministic refusal by the contract. Reason is the
// contract's message, unmodified.
type RejectionError struct {
	Method string
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Reject builds a RejectionError.
func Reject(method, reason string) *RejectionError {
	return &RejectionError{Method: method, Reason: reason}
}

// UnavailableError covers network failures, timeouts and submissions whose
// outcome is unknown.
type UnavailableError struct {
	Method string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Method, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// classify maps a backend error onto the two ledger error kinds.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		if rej.Method == "" {
			rej.Method = method
		}
		return rej
	}
	var un *UnavailableError
	if errors.As(err, &un) {
		return un
	}
	return &UnavailableError{Method: method, Err: err}
}

// IsRejection reports whether err is a contract rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// IsUnavailable reports whether err is a connectivity or timeout failure.
func IsUnavailable(err error) bool {
	var un *UnavailableError
	return errors.As(err, &un)
}
