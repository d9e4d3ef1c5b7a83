// Package errors provides the error taxonomy shared by the sync engine and
// the surrounding application.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Sync errors
	ErrNetwork         ErrorCode = "NETWORK_ERROR"
	ErrTimeout         ErrorCode = "SYNC_TIMEOUT"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrDeadLettered    ErrorCode = "DEAD_LETTERED"
	ErrDataCorruption  ErrorCode = "DATA_CORRUPTION"
	ErrQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	ErrOfflineLimit    ErrorCode = "OFFLINE_LIMIT_EXCEEDED"
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"

	// Conflict resolution errors
	ErrAlreadyResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrAckRequired     ErrorCode = "ACKNOWLEDGMENT_REQUIRED"

	// Session errors
	ErrPermission     ErrorCode = "PERMISSION_DENIED"
	ErrSessionExpired ErrorCode = "SESSION_EXPIRED"
	ErrCodeExhausted  ErrorCode = "ACCESS_CODE_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when the chain carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRetryable reports whether the failure is transient. Network errors and
// timeouts are retried with backoff; everything else is terminal.
func IsRetryable(err error) bool {
	return Is(err, ErrNetwork) || Is(err, ErrTimeout)
}

// IsTerminal reports whether err must be surfaced to the application rather
// than retried quietly.
func IsTerminal(err error) bool {
	switch {
	case Is(err, ErrDeadLettered), Is(err, ErrPermission), Is(err, ErrDataCorruption),
		Is(err, ErrSessionExpired), Is(err, ErrQuotaExceeded):
		return true
	}
	return false
}
