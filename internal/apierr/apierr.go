// Package apierr is the HTTP-facing counterpart to corerr: a typed error
// the control plane's handlers return and its writeErr helper renders into
// the {error:{code,message,details?}} envelope from the control surface
// contract.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dsa110/contimg-ingestd/internal/corerr"
)

type Error struct {
	Status  int
	Code    string
	Err     error
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// FromKind maps a corerr.Kind to the HTTP status the control surface
// contract specifies (4xx client, 5xx server, 409 state conflicts, 404
// missing entities).
func FromKind(op string, err error) *Error {
	kind := corerr.KindOf(err)
	switch kind {
	case corerr.KindValidation:
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, corerr.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, corerr.ErrInvalidState), errors.Is(err, corerr.ErrAlreadyInState):
			// Not a malformed request: the resource exists but refuses this
			// transition from its current state.
			status = http.StatusConflict
		}
		return New(status, string(kind), err)
	case corerr.KindConfig:
		return New(http.StatusBadRequest, string(kind), err)
	case corerr.KindTransient, corerr.KindResource:
		return New(http.StatusConflict, string(kind), err)
	case corerr.KindStorage, corerr.KindFatal:
		return New(http.StatusInternalServerError, string(kind), err)
	default:
		return New(http.StatusInternalServerError, "internal", err)
	}
}

func NotFound(what string) *Error {
	return New(http.StatusNotFound, "not_found", fmt.Errorf("%s not found", what))
}

func Conflict(msg string) *Error {
	return New(http.StatusConflict, "conflict", fmt.Errorf("%s", msg))
}

func BadRequest(msg string) *Error {
	return New(http.StatusBadRequest, "bad_request", fmt.Errorf("%s", msg))
}
