// Package apperror defines the error taxonomy shared by the control plane
// and the tenant runtime. Every error that crosses a component boundary is
// wrapped in an *Error so HTTP handlers can map it to a status code without
// string-sniffing.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the taxonomy buckets.
type Kind string

const (
	BadRequest   Kind = "bad_request"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Upstream     Kind = "upstream"
	Database     Kind = "database"
	Internal     Kind = "internal"
	IsolateError Kind = "isolate_error"
)

// statusByKind maps each Kind to the HTTP status class it propagates to.
var statusByKind = map[Kind]int{
	BadRequest:   http.StatusBadRequest,
	Unauthorized: http.StatusUnauthorized,
	Forbidden:    http.StatusForbidden,
	NotFound:     http.StatusNotFound,
	Upstream:     http.StatusBadGateway,
	Database:     http.StatusInternalServerError,
	Internal:     http.StatusInternalServerError,
	IsolateError: http.StatusInternalServerError,
}

// Error is the concrete error type produced throughout this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// HTTPStatus returns the HTTP status code err should propagate as. Unknown
// errors (not *Error) map to 500, matching the taxonomy's Internal bucket.
func HTTPStatus(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		if status, ok := statusByKind[ae.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}
