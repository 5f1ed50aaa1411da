// Package errors defines the error taxonomy shared by the adapter core.
package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError.
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCapacity         = "CAPACITY_EXCEEDED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCollaborator     = "COLLABORATOR_FAILURE"
	ErrCodeSessionCollision = "SESSION_COLLISION"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(format string, args ...interface{}) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...), nil)
}

// NotFound is shorthand for a NOT_FOUND error.
func NotFound(format string, args ...interface{}) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...), nil)
}

// CodeOf returns the code of the first AppError in err's chain,
// or ErrCodeInternal when there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// MessageOf returns the human-facing message of err without the code prefix.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Cause != nil {
			return fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
		}
		return appErr.Message
	}
	return err.Error()
}
