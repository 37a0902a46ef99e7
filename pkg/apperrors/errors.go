// Package apperrors defines the typed error taxonomy shared across the
// store, queue, and HTTP layers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the fixed fixed taxonomy members.
type Code string

const (
	CodeAlreadyExists        Code = "already-exists"
	CodeMissingData          Code = "missing-data"
	CodeInvalidTransition    Code = "invalid-transition"
	CodeStaleClaim           Code = "stale-claim"
	CodeAuthenticationFailed Code = "authentication-failure"
	CodeAuthorisationDenied  Code = "authorisation-denied"
	CodeMalformedRequest     Code = "malformed-request"
	CodeInternal             Code = "internal-error"
)

// httpStatus maps each taxonomy member to its wire status.
var httpStatus = map[Code]int{
	CodeAlreadyExists:        http.StatusBadRequest,
	CodeMissingData:          http.StatusNotFound,
	CodeInvalidTransition:    http.StatusBadRequest,
	CodeStaleClaim:           http.StatusConflict,
	CodeAuthenticationFailed: http.StatusUnauthorized,
	CodeAuthorisationDenied:  http.StatusForbidden,
	CodeMalformedRequest:     http.StatusBadRequest,
	CodeInternal:             http.StatusInternalServerError,
}

// Error is the single error type every package-level operation returns for
// expected failure modes; anything else is wrapped as CodeInternal at the
// API boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error should surface as.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs a taxonomy error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// AlreadyExists, MissingData, ... are convenience constructors mirroring the
// taxonomy members, used throughout the store and HTTP layers.
func AlreadyExists(message string) *Error { return New(CodeAlreadyExists, message) }
func MissingData(message string) *Error   { return New(CodeMissingData, message) }
func InvalidTransition(message string) *Error {
	return New(CodeInvalidTransition, message)
}
func StaleClaim(message string) *Error { return New(CodeStaleClaim, message) }
func AuthenticationFailure(message string) *Error {
	return New(CodeAuthenticationFailed, message)
}
func AuthorisationDenied(message string) *Error {
	return New(CodeAuthorisationDenied, message)
}
func MalformedRequest(message string) *Error {
	return New(CodeMalformedRequest, message)
}
func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}
