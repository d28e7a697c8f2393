// Package errs defines the coded error taxonomy shared by the pipeline,
// the history store and the web layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	CaptureEmpty       Kind = "CAPTURE_EMPTY"
	RateLimited        Kind = "RATE_LIMITED"
	OutOfScope         Kind = "OUT_OF_SCOPE"
	ServiceError       Kind = "SERVICE_ERROR"
	SynthesisFailure   Kind = "SYNTHESIS_FAILURE"
	PersistenceFailure Kind = "PERSISTENCE_FAILURE"
	ConfigurationError Kind = "CONFIGURATION_ERROR"
	NotFound           Kind = "NOT_FOUND"
	Busy               Kind = "BUSY"
	InvalidInput       Kind = "INVALID_INPUT"
	Internal           Kind = "INTERNAL"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps a kind to the status code the web layer returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Busy:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case ServiceError:
		return http.StatusBadGateway
	case ConfigurationError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
