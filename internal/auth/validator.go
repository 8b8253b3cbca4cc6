package auth

import (
	"errors"
	"fmt"
	"strings"
)

const maxUserIDLength = 64

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateLoginRequest validates a login request
func ValidateLoginRequest(req *LoginRequest) error {
	errs := make([]ValidationError, 0)

	if req.UserID == "" {
		errs = append(errs, ValidationError{
			Field:   "user_id",
			Message: "User ID is required",
		})
	} else if len(req.UserID) > maxUserIDLength {
		errs = append(errs, ValidationError{
			Field:   "user_id",
			Message: fmt.Sprintf("User ID must be at most %d characters", maxUserIDLength),
		})
	} else if strings.ContainsAny(req.UserID, " \t\r\n") {
		errs = append(errs, ValidationError{
			Field:   "user_id",
			Message: "User ID must not contain whitespace",
		})
	}

	if req.Password == "" {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password is required",
		})
	}

	if len(errs) > 0 {
		return &validationErrors{Errors: errs}
	}

	return nil
}

// ValidateExchangeRequest validates an oauth code exchange request
func ValidateExchangeRequest(req *ExchangeRequest) error {
	if strings.TrimSpace(req.AuthCode) == "" {
		return &validationErrors{Errors: []ValidationError{{
			Field:   "auth_code",
			Message: "Authorization code is required",
		}}}
	}
	return nil
}

type validationErrors struct {
	Errors []ValidationError
}

func (e *validationErrors) Error() string {
	messages := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

// IsValidationError reports whether err came from request validation
func IsValidationError(err error) bool {
	var ve *validationErrors
	return errors.As(err, &ve)
}

// SanitizeUserID normalizes a user id as typed into a login form
func SanitizeUserID(userID string) string {
	return strings.TrimSpace(userID)
}
