// Package apperr defines the error kinds surfaced by the dashboard API.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindValidation    Kind = "VALIDATION_ERROR"
	KindConflict      Kind = "CONFLICT"
	KindAuth          Kind = "AUTH_ERROR"
	KindUpstream      Kind = "UPSTREAM_ERROR"
	KindPersistence   Kind = "PERSISTENCE_ERROR"
)

// Error carries a client-safe Message; Detail is only exposed for configuration errors,
// Err is never exposed.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Configuration(msg string, detail any) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Detail: detail}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Conflict(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Message: msg, Err: err}
}

func Auth(msg string, err error) *Error {
	return &Error{Kind: KindAuth, Message: msg, Err: err}
}

func Upstream(msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

func Persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// StatusCode maps an error onto the HTTP status the API answers with.
func StatusCode(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
