package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrInternal
	ErrUpstreamUnavailable
	ErrPersistenceFailure
	ErrJobOverlap
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal error",
		Err:     err,
	}
}

// UpstreamUnavailable wraps a failed scrape call (network/timeout/parse).
// Callers treat it as "no data this cycle", never as a cycle failure.
func UpstreamUnavailable(hospital string, err error) *AppError {
	return &AppError{
		Code:    ErrUpstreamUnavailable,
		Message: fmt.Sprintf("upstream %s unavailable", hospital),
		Err:     err,
	}
}

// PersistenceFailure wraps a failed store read/write. The affected unit is
// skipped for the cycle and retried on the next one.
func PersistenceFailure(op string, err error) *AppError {
	return &AppError{
		Code:    ErrPersistenceFailure,
		Message: fmt.Sprintf("persistence failure during %s", op),
		Err:     err,
	}
}

// JobOverlap marks a trigger that fired while the previous run of the same
// job was still active. Logged as a skip, not an error.
func JobOverlap(job string) *AppError {
	return &AppError{
		Code:    ErrJobOverlap,
		Message: fmt.Sprintf("job %s is already running", job),
	}
}

// IsJobOverlap reports whether err is a JobOverlap error.
func IsJobOverlap(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrJobOverlap
}

// IsUpstreamUnavailable reports whether err is an UpstreamUnavailable error.
func IsUpstreamUnavailable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrUpstreamUnavailable
}
