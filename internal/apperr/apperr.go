// Package apperr defines the error taxonomy shared across the annex node,
// mapping structured error codes to HTTP statuses and JSON bodies.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a closed set of error categories. Unknown codes are a bug, not a
// runtime value — there is no default/unknown member.
type Code string

const (
	InvalidInput     Code = "invalid_input"
	Unauthorized     Code = "unauthorized"
	Forbidden        Code = "forbidden"
	NotFound         Code = "not_found"
	Conflict         Code = "conflict"
	PayloadTooLarge  Code = "payload_too_large"
	RateLimited      Code = "rate_limited"
	CapacityExceeded Code = "capacity_exceeded"
	Transient        Code = "transient"
	Internal         Code = "internal"
)

var statusByCode = map[Code]int{
	InvalidInput:     http.StatusBadRequest,
	Unauthorized:     http.StatusUnauthorized,
	Forbidden:        http.StatusForbidden,
	NotFound:         http.StatusNotFound,
	Conflict:         http.StatusConflict,
	PayloadTooLarge:  http.StatusRequestEntityTooLarge,
	RateLimited:      http.StatusTooManyRequests,
	CapacityExceeded: http.StatusInsufficientStorage,
	Transient:        http.StatusServiceUnavailable,
	Internal:         http.StatusInternalServerError,
}

// Error is a structured application error carrying an HTTP-mappable code.
type Error struct {
	Code          Code
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body is the wire representation returned by the HTTP surface.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON marshals the {code,message} body the HTTP surface must return.
func (e *Error) JSON() []byte {
	b, _ := json.Marshal(Body{Code: string(e.Code), Message: e.Message})
	return b
}

// New constructs a structured error of the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, preserving it via Unwrap.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// As reports whether err (or one it wraps) is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err if it is (or wraps) an *Error, else Internal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
