// Package errors provides the standardized error taxonomy for the script studio core.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code.
type ErrorCode string

const (
	// Session errors
	AUTH_REQUIRED ErrorCode = "AUTH_REQUIRED" // No usable credential; raised before any fetch

	// Collaborator errors
	NETWORK_FAILURE    ErrorCode = "NETWORK_FAILURE"    // Fetch rejected or non-2xx response
	MALFORMED_RESPONSE ErrorCode = "MALFORMED_RESPONSE" // Response missing required fields
	NOT_FOUND          ErrorCode = "NOT_FOUND"          // Script or version does not exist

	// Internal bookkeeping, never shown to users
	STALE_WRITE_IGNORED ErrorCode = "STALE_WRITE_IGNORED" // Superseded cache write dropped

	// Local state errors
	BAD_REQUEST            ErrorCode = "BAD_REQUEST"            // Invalid caller input
	REGENERATION_IN_FLIGHT ErrorCode = "REGENERATION_IN_FLIGHT" // A regeneration is already running for the chain
	VERSION_IMMUTABLE      ErrorCode = "VERSION_IMMUTABLE"      // Only the newest version may be edited
	CHAIN_NOT_LOADED       ErrorCode = "CHAIN_NOT_LOADED"       // Operation requires a loaded chain
	STORAGE                ErrorCode = "STORAGE"                // Draft store failure

	INTERNAL ErrorCode = "INTERNAL"
)

// Error represents a standardized error.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelationID returns a copy of e tagged with id.
func (e *Error) WithCorrelationID(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// Is reports whether err, or anything it wraps, is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return INTERNAL
}

// As converts any error to an *Error, wrapping foreign errors as INTERNAL.
func As(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case BAD_REQUEST:
		return http.StatusBadRequest
	case AUTH_REQUIRED:
		return http.StatusUnauthorized
	case NOT_FOUND:
		return http.StatusNotFound
	case REGENERATION_IN_FLIGHT, VERSION_IMMUTABLE, CHAIN_NOT_LOADED:
		return http.StatusConflict
	case NETWORK_FAILURE, MALFORMED_RESPONSE:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
