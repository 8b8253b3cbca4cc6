package errors

import "fmt"

// AppError represents a custom application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidLink        = "INVALID_LINK"
	ErrCodeSessionEnded       = "SESSION_ENDED"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUpstreamError      = "UPSTREAM_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// NewAppError creates a new application error
func NewAppError(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Common errors
var (
	ErrInvalidCredentials = NewAppError(ErrCodeInvalidCredentials, "Invalid user id or password", 401)
	ErrInvalidLink        = NewAppError(ErrCodeInvalidLink, "Invalid attendance link", 400)
	ErrSessionEnded       = NewAppError(ErrCodeSessionEnded, "Login required", 401)
	ErrNotAuthenticated   = NewAppError(ErrCodeNotAuthenticated, "No active session", 401)
	ErrRateLimitExceeded  = NewAppError(ErrCodeRateLimitExceeded, "Too many check-in attempts", 429)
	ErrUnauthorized       = NewAppError(ErrCodeUnauthorized, "Missing operator credentials", 401)
)
