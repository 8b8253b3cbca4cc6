package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/hanssup/gateway/pkg/errors"
)

var (
	// ErrSessionEnded means the credentials could not be renewed and were
	// cleared; the user has to log in again.
	ErrSessionEnded = errors.New("session ended")
	// ErrNoRefreshToken is the cause of a session end when no refresh token was stored
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// errRefreshAborted is what waiters see if the refresh cycle never reached a result
	errRefreshAborted = errors.New("token refresh aborted")
)

// DefaultErrorMessage is shown when the server gave no detail
const DefaultErrorMessage = "An error occurred while processing the request."

// APIError is a non-2xx response from the remote API
type APIError struct {
	StatusCode int
	Detail     string
	Body       []byte
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

// newAPIError builds an APIError, pulling the detail or message field out of a JSON body
func newAPIError(resp *Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: resp.Body}

	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return apiErr
	}

	var detail string
	if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &detail) == nil && detail != "" {
		apiErr.Detail = detail
	} else {
		apiErr.Detail = body.Message
	}
	return apiErr
}

// IsUnauthorized reports whether err is an authentication-failure response
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Message returns the server-provided detail for err, or fallback when there is none
func Message(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	if fallback == "" {
		return DefaultErrorMessage
	}
	return fallback
}

// AppError converts a pipeline error into the error envelope returned to
// gateway clients. 4xx responses from the remote API keep their status and
// detail; anything else becomes a 502.
func AppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, ErrSessionEnded) {
		return apperrors.ErrSessionEnded
	}

	status := http.StatusBadGateway
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		status = apiErr.StatusCode
	}
	return apperrors.NewAppError(apperrors.ErrCodeUpstreamError, Message(err, ""), status)
}
