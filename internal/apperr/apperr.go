package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so transports can map them to status codes and
// client-visible error events.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindService        Kind = "service"
	KindStorage        Kind = "storage"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Error is the application error carried across package boundaries.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrStorage) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrService        = &Error{Kind: KindService}
	ErrStorage        = &Error{Kind: KindStorage}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
)

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Retryable: isTimeout(err),
		Err:       err,
	}
}

func Authentication(op, message string, err error) *Error {
	return newError(KindAuthentication, op, message, err)
}

func Validation(op, message string, err error) *Error {
	return newError(KindValidation, op, message, err)
}

// Service wraps an embedding or generation upstream failure.
func Service(op, message string, err error) *Error {
	return newError(KindService, op, message, err)
}

// Storage wraps a transcript or memory store failure.
func Storage(op, message string, err error) *Error {
	return newError(KindStorage, op, message, err)
}

func NotFound(op, message string) *Error {
	return newError(KindNotFound, op, message, nil)
}

func Conflict(op, message string) *Error {
	return newError(KindConflict, op, message, nil)
}

// WithRetryable overrides the retry classification.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isTimeout(err) {
		return KindService
	}
	return KindInternal
}

// IsRetryable reports whether the client may resend the same request.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return isTimeout(err)
}

// HTTPStatus maps an error to the status code the HTTP surface responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindService:
		return http.StatusBadGateway
	case KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to show a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}
