// Package apperr defines the error taxonomy shared by the registry, the pairing
// broker, the ingestion pipeline and the relay.
package apperr

import (
	"errors"
	"net/http"
)

// Kind groups codes by how callers should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindConflict
	KindUnavailable
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInternal Code = "INTERNAL"
	CodeInvalid  Code = "VALIDATION_FAILED"

	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeExamNotAssigned       Code = "EXAM_NOT_ASSIGNED"
	CodeExamWindowClosed      Code = "EXAM_WINDOW_CLOSED"
	CodeSessionNotActive      Code = "SESSION_NOT_ACTIVE"
	CodeSessionNotSubmitted   Code = "SESSION_NOT_SUBMITTED"
	CodeActiveSessionExists   Code = "ACTIVE_SESSION_EXISTS"
	CodeTokenInvalidOrExpired Code = "TOKEN_INVALID_OR_EXPIRED"
	CodeScopeMismatch         Code = "SCOPE_MISMATCH"
	CodeForbidden             Code = "FORBIDDEN"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeNotJoined             Code = "NOT_JOINED"
	CodeUpstreamUnavailable   Code = "UPSTREAM_UNAVAILABLE"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeConflict              Code = "CONFLICT"
)

var codeKinds = map[Code]Kind{
	CodeInternal:              KindInternal,
	CodeInvalid:               KindValidation,
	CodeSessionNotFound:       KindNotFound,
	CodeExamNotAssigned:       KindNotFound,
	CodeExamWindowClosed:      KindConflict,
	CodeSessionNotActive:      KindConflict,
	CodeSessionNotSubmitted:   KindConflict,
	CodeActiveSessionExists:   KindConflict,
	CodeTokenInvalidOrExpired: KindNotFound,
	CodeScopeMismatch:         KindAuthorization,
	CodeForbidden:             KindAuthorization,
	CodeUnauthenticated:       KindAuthorization,
	CodeNotFound:              KindNotFound,
	CodeNotJoined:             KindConflict,
	CodeUpstreamUnavailable:   KindUnavailable,
	CodeRateLimited:           KindConflict,
	CodeConflict:              KindConflict,
}

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Kind of the error; unknown codes are internal.
func (e *Error) Kind() Kind {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return KindInternal
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels usable with errors.Is.
var (
	ErrSessionNotFound       = New(CodeSessionNotFound, "session not found")
	ErrExamNotAssigned       = New(CodeExamNotAssigned, "exam not assigned")
	ErrExamWindowClosed      = New(CodeExamWindowClosed, "exam not active")
	ErrSessionNotActive      = New(CodeSessionNotActive, "session not active")
	ErrSessionNotSubmitted   = New(CodeSessionNotSubmitted, "session has not been submitted")
	ErrActiveSessionExists   = New(CodeActiveSessionExists, "active session already exists")
	ErrTokenInvalidOrExpired = New(CodeTokenInvalidOrExpired, "invalid or expired pairing token")
	ErrNotFound              = New(CodeNotFound, "not found")
)

func Validation(message string) *Error {
	return New(CodeInvalid, message)
}

func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

func Unauthenticated(message string) *Error {
	return New(CodeUnauthenticated, message)
}

func ScopeMismatch(message string) *Error {
	return New(CodeScopeMismatch, message)
}

func Unavailable(message string, cause error) *Error {
	return Wrap(CodeUpstreamUnavailable, message, cause)
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindInternal
}

// HTTPStatus maps an error to the response status used by the controllers.
func HTTPStatus(err error) int {
	if CodeOf(err) == CodeRateLimited {
		return http.StatusTooManyRequests
	}
	if CodeOf(err) == CodeUnauthenticated {
		return http.StatusUnauthorized
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message is safe to return to clients; internal causes are hidden.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind() != KindInternal {
		return e.Error()
	}
	return "internal server error"
}
