// Package apperrors provides structured errors and HTTP status mapping
// shared by every component of the store.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class across the HTTP surface and the
// internal components.
type Code string

const (
	// Input errors
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeInvalidDocument  Code = "INVALID_DOCUMENT"
	CodeInvalidQuery     Code = "INVALID_QUERY"
	CodeDocumentTooLarge Code = "DOCUMENT_TOO_LARGE"

	// Not found
	CodeDocumentNotFound    Code = "DOCUMENT_NOT_FOUND"
	CodeShardNotFound       Code = "SHARD_NOT_FOUND"
	CodeNodeNotFound        Code = "NODE_NOT_FOUND"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeNoShardsAvailable   Code = "NO_SHARDS_AVAILABLE"

	// Conflicts
	CodeDocumentAlreadyExists Code = "DOCUMENT_ALREADY_EXISTS"
	CodeTransactionConflict   Code = "TRANSACTION_CONFLICT"
	CodeConflict              Code = "CONFLICT"

	// Timeouts
	CodeQueryTimeout       Code = "QUERY_TIMEOUT"
	CodeTransactionTimeout Code = "TRANSACTION_TIMEOUT"

	// Infrastructure
	CodeNetworkError     Code = "NETWORK_ERROR"
	CodeInternalError    Code = "INTERNAL_ERROR"
	CodeSystemOverloaded Code = "SYSTEM_OVERLOADED"
	CodeMaintenanceMode  Code = "MAINTENANCE_MODE"
	CodeRateLimited      Code = "RATE_LIMITED"

	// Auth
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
)

// Error is a structured error carrying a code, a human-readable message,
// optional details for the response envelope, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidDocument, CodeInvalidQuery, CodeDocumentTooLarge:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeDocumentNotFound, CodeShardNotFound, CodeNodeNotFound,
		CodeTransactionNotFound, CodeNoShardsAvailable:
		return http.StatusNotFound
	case CodeQueryTimeout, CodeTransactionTimeout:
		return http.StatusRequestTimeout
	case CodeConflict, CodeDocumentAlreadyExists, CodeTransactionConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSystemOverloaded, CodeMaintenanceMode:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error with a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches response details to the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from an error, or INTERNAL_ERROR for
// errors that were not created by this package.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError converts any error to an *Error, wrapping foreign errors
// as INTERNAL_ERROR.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternalError, "internal error", err)
}
