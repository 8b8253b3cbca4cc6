package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/hanssup/gateway/pkg/errors"
)

func TestAppError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "app error passes through",
			err:         fmt.Errorf("wrapped: %w", apperrors.ErrInvalidLink),
			wantCode:    apperrors.ErrCodeInvalidLink,
			wantStatus:  http.StatusBadRequest,
			wantMessage: apperrors.ErrInvalidLink.Message,
		},
		{
			name:        "session ended",
			err:         fmt.Errorf("%w: %w", ErrSessionEnded, ErrNoRefreshToken),
			wantCode:    apperrors.ErrCodeSessionEnded,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: apperrors.ErrSessionEnded.Message,
		},
		{
			name:        "client error keeps status and detail",
			err:         &APIError{StatusCode: http.StatusBadRequest, Detail: "이미 출석했습니다."},
			wantCode:    apperrors.ErrCodeUpstreamError,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "이미 출석했습니다.",
		},
		{
			name:        "server error becomes bad gateway",
			err:         &APIError{StatusCode: http.StatusInternalServerError},
			wantCode:    apperrors.ErrCodeUpstreamError,
			wantStatus:  http.StatusBadGateway,
			wantMessage: DefaultErrorMessage,
		},
		{
			name:        "transport error",
			err:         errors.New("connection refused"),
			wantCode:    apperrors.ErrCodeUpstreamError,
			wantStatus:  http.StatusBadGateway,
			wantMessage: DefaultErrorMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppError(tt.err)
			if got.Code != tt.wantCode || got.Status != tt.wantStatus || got.Message != tt.wantMessage {
				t.Errorf("AppError() = %+v, want %s/%d/%q", got, tt.wantCode, tt.wantStatus, tt.wantMessage)
			}
		})
	}
}
