// Provides structured error types for store, sync and remote operations.

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode defines specific error kinds.
type ErrorCode string

const (
	// ErrorCodeValidationFailed is returned when a row violates its schema or a
	// relationship precondition.
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeNotFound is returned when an operation references a missing row.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeRemoteWriteFailed is returned when the remote write API rejected
	// an operation after retries.
	ErrorCodeRemoteWriteFailed ErrorCode = "REMOTE_WRITE_FAILED"
	// ErrorCodeStreamError is returned when a shape subscription fails.
	ErrorCodeStreamError ErrorCode = "STREAM_ERROR"
)

var (
	// ErrValidation matches any validation error with errors.Is.
	ErrValidation = &Error{code: ErrorCodeValidationFailed}
	// ErrNotFound matches any not found error with errors.Is.
	ErrNotFound = &Error{code: ErrorCodeNotFound}
	// ErrRemoteWrite matches any remote write error with errors.Is.
	ErrRemoteWrite = &Error{code: ErrorCodeRemoteWriteFailed}
	// ErrStream matches any stream error with errors.Is.
	ErrStream = &Error{code: ErrorCodeStreamError}
)

// Error is a concrete error type with a code, the table involved and an
// optional HTTP status for remote failures.
type Error struct {
	code       ErrorCode
	table      TableName
	key        string
	message    string
	statusCode int
	wrappedErr error
}

// Validation creates a validation error.
func Validation(table TableName, message string) *Error {
	return &Error{code: ErrorCodeValidationFailed, table: table, message: message}
}

// NotFound creates a not found error for the row key.
func NotFound(table TableName, key string) *Error {
	return &Error{code: ErrorCodeNotFound, table: table, key: key, message: fmt.Sprintf("%s %q not found", singular(table), key)}
}

// RemoteWrite creates a remote write error. statusCode is 0 when no HTTP
// response was received.
func RemoteWrite(table TableName, key string, statusCode int, err error) *Error {
	msg := "remote write failed"
	if statusCode != 0 {
		msg = fmt.Sprintf("remote write failed with HTTP %d", statusCode)
	}
	return &Error{code: ErrorCodeRemoteWriteFailed, table: table, key: key, message: msg, statusCode: statusCode, wrappedErr: err}
}

// Stream creates a stream error.
func Stream(table TableName, err error) *Error {
	return &Error{code: ErrorCodeStreamError, table: table, message: "shape stream failed", wrappedErr: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.message
	if e.table != "" {
		msg = string(e.table) + ": " + msg
	}
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", msg, e.wrappedErr)
	}
	return msg
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Table returns the table involved, if any.
func (e *Error) Table() TableName {
	return e.table
}

// Key returns the row key involved, if any.
func (e *Error) Key() string {
	return e.key
}

// StatusCode returns the HTTP status of a remote failure, or 0.
func (e *Error) StatusCode() int {
	return e.statusCode
}

// Retryable reports whether a remote failure may succeed if attempted again.
//
// Client errors other than timeouts and throttling are final.
func (e *Error) Retryable() bool {
	if e.code != ErrorCodeRemoteWriteFailed {
		return false
	}
	switch {
	case e.statusCode == 0:
		return true
	case e.statusCode == http.StatusRequestTimeout, e.statusCode == http.StatusTooManyRequests:
		return true
	case e.statusCode >= 400 && e.statusCode < 500:
		return false
	default:
		return true
	}
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is matches errors by code, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

func singular(t TableName) string {
	switch t {
	case TableUsers:
		return "user"
	case TableProjects:
		return "project"
	case TableProjectMembers:
		return "project member"
	case TableReviews:
		return "review"
	case TableReviewAssignments:
		return "review assignment"
	case TableChecklists:
		return "checklist"
	case TableChecklistAnswers:
		return "checklist answer"
	default:
		return "row"
	}
}
