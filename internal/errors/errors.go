/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the structured error taxonomy shared by the
// capture, diff and scheduling components. Every I/O boundary wraps its
// failures into an AppError so the work queue can decide between retrying
// a job and failing it terminally.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an error into the closed set of failure kinds the
// scheduler understands.
type ErrorType string

const (
	// ErrorTypeValidation covers malformed input: bad domains, reversed
	// snapshot pairs, invalid configuration values.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNetwork covers transient transport failures: DNS errors,
	// connection resets, TLS handshake failures. Retryable.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout covers exceeded deadlines, including the per-capture
	// wall clock budget. Retryable.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRemote covers non-200 responses from the target site.
	// Terminal for the current cycle.
	ErrorTypeRemote ErrorType = "remote"
	// ErrorTypeArtifact covers filesystem failures in the artifact store.
	ErrorTypeArtifact ErrorType = "artifact"
	// ErrorTypeDatabase covers catalog failures. Retryable: the enclosing
	// transaction has been rolled back.
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeDiff covers unreadable or malformed diff inputs.
	ErrorTypeDiff ErrorType = "diff"
	// ErrorTypeNotFound marks lookups that matched no row.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict marks uniqueness violations, e.g. a duplicate
	// (old, new) diff pair racing a concurrent writer.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeInternal is the fallback for unexpected failures.
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is a structured error with a type, human-readable message,
// optional details and an optional wrapped cause.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches detail text to the error. Modifies in place and
// returns the receiver for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text to the error.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError of the given type.
func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		StatusCode: statusCodeFor(errorType),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(errorType ErrorType, format string, args ...interface{}) *AppError {
	return New(errorType, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error with a typed message.
func Wrap(cause error, errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		StatusCode: statusCodeFor(errorType),
	}
}

// Wrapf wraps an underlying error with a formatted typed message.
func Wrapf(cause error, errorType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errorType, fmt.Sprintf(format, args...))
}

func statusCodeFor(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal when err is not
// an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsRetryable reports whether the work queue should requeue the job that
// produced err. Network, timeout and database failures are transient;
// everything else is terminal for the current cycle.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// IsType reports whether err carries the given error type.
func IsType(err error, errorType ErrorType) bool {
	return TypeOf(err) == errorType
}
