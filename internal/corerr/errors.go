// Package corerr centralizes the error taxonomy described in the ingest
// core's error handling design: a small set of sentinels for comparison
// with errors.Is, plus a Kind-tagged wrapper used by the scheduler's retry
// classifier and the control plane's HTTP error envelope.
package corerr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is comparisons across package boundaries.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimeout         = errors.New("timeout")
	ErrAlreadyInState  = errors.New("already in state")
)

// Kind is the error taxonomy from the ingest core's design: Config,
// Storage, Validation, Transient, Fatal, Resource.
type Kind string

const (
	KindConfig     Kind = "config"
	KindStorage    Kind = "storage"
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
	KindResource   Kind = "resource"
)

// Error pairs a Kind with an underlying cause so callers downstream (the
// scheduler's retry policy, the control plane's error envelope) can act on
// the classification without re-deriving it from string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, defaulting to KindFatal when err
// carries no classification of its own. Transient-looking stdlib errors
// (timeouts, temporary network conditions) are not second-guessed here;
// callers that know better should wrap with an explicit Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTransient
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidArgument):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindValidation
	default:
		return KindFatal
	}
}

// IsTransient reports whether err should be retried by the scheduler's
// backoff policy.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
