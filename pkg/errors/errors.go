package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"

	// Monitor taxonomy
	ErrCodeConfig            ErrorCode = "CONFIG_ERROR"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeAttachment        ErrorCode = "ATTACHMENT_ERROR"
	ErrCodeStorage           ErrorCode = "STORAGE_ERROR"
	ErrCodeNormalizationSkip ErrorCode = "NORMALIZATION_SKIP"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retriable  bool
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewConfigError reports a required setting that is missing or invalid.
func NewConfigError(message string) *AppError {
	return NewAppError(ErrCodeConfig, message, http.StatusPreconditionFailed)
}

// NewTimeoutError reports a bounded wait that was exceeded.
func NewTimeoutError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeTimeout, fmt.Sprintf("%s timed out", operation), http.StatusGatewayTimeout)
}

// NewAttachmentError reports a debugging channel failure. Retriable errors
// are worth another attach after a backoff; the others end the attempt.
func NewAttachmentError(message string, retriable bool, cause error) *AppError {
	err := WrapError(cause, ErrCodeAttachment, message, http.StatusConflict)
	err.Retriable = retriable
	return err
}

// NewStorageError wraps a persistence failure.
func NewStorageError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeStorage, fmt.Sprintf("storage %s failed", operation), http.StatusServiceUnavailable)
}

func NewNormalizationSkip(reason string) *AppError {
	return NewAppError(ErrCodeNormalizationSkip, reason, http.StatusUnprocessableEntity)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// IsRetriable reports whether err is an AppError marked as retriable.
func IsRetriable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Retriable
}
