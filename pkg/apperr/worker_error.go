package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeReconnectRequired = "RECONNECT_REQUIRED"
	CodeNotConnected      = "ACCOUNT_NOT_CONNECTED"

	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeSyncInProgress = "SYNC_IN_PROGRESS"
	CodeRateLimited    = "RATE_LIMITED"

	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"

	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// ReconnectRequired is the one provider failure surfaced to callers: the
// account grant is gone and the user must re-authorize.
func ReconnectRequired(accountEmail string, err error) *AppError {
	return &AppError{
		Code:    CodeReconnectRequired,
		Message: "account requires re-authorization",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"account": accountEmail},
		Err:     err,
	}
}

func NotConnected(accountEmail string) *AppError {
	return &AppError{
		Code:    CodeNotConnected,
		Message: "account is disconnected",
		Status:  http.StatusConflict,
		Details: map[string]any{"account": accountEmail},
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

// SyncInProgress is returned when another pass holds the account lease.
func SyncInProgress(accountID string) *AppError {
	return &AppError{
		Code:    CodeSyncInProgress,
		Message: "a sync pass is already running for this account",
		Status:  http.StatusConflict,
		Details: map[string]any{"account_id": accountID},
	}
}

// RateLimited asks the caller to come back after retryAfter.
func RateLimited(retryAfter time.Duration) *AppError {
	return (&AppError{Code: CodeRateLimited, Message: "rate limit exceeded", Status: http.StatusTooManyRequests}).
		WithDetail("retry_after_seconds", int(retryAfter.Seconds()))
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{Code: CodeInternalError, Message: message, Status: http.StatusInternalServerError}
}

func ConfigError(message string) *AppError {
	return &AppError{Code: CodeConfigError, Message: message, Status: http.StatusInternalServerError}
}

// IsAppError reports whether err wraps an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError returns the AppError in err's chain, or an internal error
// wrapping err.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// HasCode reports whether err wraps an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
