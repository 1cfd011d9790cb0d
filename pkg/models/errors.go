package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by the pipeline
var (
	ErrInsufficientData  = errors.New("insufficient data")
	ErrMalformedProposal = errors.New("malformed proposal")
	ErrSanityRejected    = errors.New("sanity check rejected")
	ErrTransport         = errors.New("transport failure")
	ErrStateCorruption   = errors.New("state corruption")
	ErrNoSignal          = errors.New("no signal")
)

// RejectError carries the kind of a rejection and a human readable reason.
type RejectError struct {
	Kind   error
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Kind
}

// Malformed builds a malformed proposal error.
func Malformed(format string, args ...any) error {
	return &RejectError{Kind: ErrMalformedProposal, Reason: fmt.Sprintf(format, args...)}
}

// Rejected builds a sanity rejection error.
func Rejected(format string, args ...any) error {
	return &RejectError{Kind: ErrSanityRejected, Reason: fmt.Sprintf(format, args...)}
}
