package manager

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an API error.
type Code string

// API error codes and the HTTP statuses they map to.
const (
	// CodeNotFound means a state, graph template, run or node id is
	// missing.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidState means a transition was attempted from a disallowed
	// status.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeInvalidInput means a malformed placeholder, a missing required
	// store key or an input outside the registered schema.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeConflict means a unique key collision, e.g. a duplicate manual
	// retry fanout id.
	CodeConflict Code = "CONFLICT"
	// CodePreconditionFailed means the graph template is not VALID.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	// CodeInternal means a database failure or an unexpected error.
	CodeInternal Code = "INTERNAL"
)

// APIError is the error taxonomy surfaced by the service operations.
type APIError struct {
	Code    Code
	Message string
	cause   error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatus maps the code to an HTTP status.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeInvalidInput, CodePreconditionFailed:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func notFoundf(format string, args ...any) *APIError {
	return &APIError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidStatef(format string, args ...any) *APIError {
	return &APIError{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

func invalidInputf(format string, args ...any) *APIError {
	return &APIError{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *APIError {
	return &APIError{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...any) *APIError {
	return &APIError{Code: CodePreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

func internal(msg string, cause error) *APIError {
	return &APIError{Code: CodeInternal, Message: msg, cause: cause}
}

// AsAPIError returns err as an *APIError, wrapping unclassified errors as
// CodeInternal.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return internal("unexpected error", err)
}
