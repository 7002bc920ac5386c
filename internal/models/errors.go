package models

import (
	"errors"
	"fmt"
)

type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryExternal   ErrorCategory = "external"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryInternal   ErrorCategory = "internal"
	CategoryNotFound   ErrorCategory = "not_found"
)

// AppError is the error type crossing service boundaries. The category
// drives the HTTP status mapping in the handlers.
type AppError struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Category ErrorCategory          `json:"category"`
	Cause    error                  `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	copied := *e
	copied.Cause = cause
	return &copied
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	copied := *e
	copied.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		copied.Metadata[k] = v
	}
	copied.Metadata[key] = value
	return &copied
}

func newAppError(code, message string, category ErrorCategory) *AppError {
	return &AppError{Code: code, Message: message, Category: category}
}

func NewValidationError(code, message string) *AppError {
	return newAppError(code, message, CategoryValidation)
}

func NewExternalError(code, message string) *AppError {
	return newAppError(code, message, CategoryExternal)
}

func NewTimeoutError(code, message string) *AppError {
	return newAppError(code, message, CategoryTimeout)
}

func NewInternalError(code, message string) *AppError {
	return newAppError(code, message, CategoryInternal)
}

func NewNotFoundError(code, message string) *AppError {
	return newAppError(code, message, CategoryNotFound)
}

// WrapExternalError tags a provider error without losing the cause chain.
func WrapExternalError(provider string, err error) *AppError {
	return NewExternalError(provider+"_ERROR", fmt.Sprintf("%s call failed", provider)).WithCause(err)
}

var (
	ErrSessionNotFound = NewNotFoundError("SESSION_NOT_FOUND", "session not found")
	ErrTurnNotFound    = NewNotFoundError("TURN_NOT_FOUND", "turn not found or no longer active")
)

// AsAppError unwraps err to an *AppError when one is in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
