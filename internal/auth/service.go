// Package auth manages the gateway's session with the remote API: it logs in
// (password or oauth code), stores the returned token pair, and logs out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hanssup/gateway/internal/apiclient"
	"github.com/hanssup/gateway/internal/credential"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"go.uber.org/zap"
)

// Config holds the remote endpoints used to establish a session
type Config struct {
	LoginPath         string
	OAuthExchangePath string
}

// Service handles session business logic
type Service struct {
	client       *apiclient.Client
	store        credential.Store
	loginPath    string
	exchangePath string
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a new session service on top of the API client
func NewService(client *apiclient.Client, cfg Config, logger *zap.Logger) *Service {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/users/login"
	}
	if cfg.OAuthExchangePath == "" {
		cfg.OAuthExchangePath = "/users/oauth/exchange"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		client:       client,
		store:        client.Store(),
		loginPath:    cfg.LoginPath,
		exchangePath: cfg.OAuthExchangePath,
		logger:       logger,
		now:          time.Now,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// ExchangeRequest carries the one-time code issued by the remote oauth callback
type ExchangeRequest struct {
	AuthCode string `json:"auth_code"`
}

// SessionInfo describes the stored session
type SessionInfo struct {
	Authenticated bool                 `json:"authenticated"`
	Identity      *credential.Identity `json:"identity,omitempty"`
	Expired       bool                 `json:"expired"`
	UserType      string               `json:"usertype,omitempty"`
	Pipeline      apiclient.State      `json:"pipeline"`
}

// Login authenticates with user id and password and stores the returned token pair
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*SessionInfo, error) {
	req.UserID = SanitizeUserID(req.UserID)
	if err := ValidateLoginRequest(req); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, &apiclient.Request{
		Method:    http.MethodPost,
		Path:      s.loginPath,
		Body:      req,
		Anonymous: true,
	})
	if err != nil {
		switch apiclient.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound:
			s.logger.Info("login rejected", zap.String("user_id", req.UserID), zap.Error(err))
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login request failed: %w", err)
	}

	info, err := s.establish(ctx, resp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session established", zap.String("method", "password"), zap.String("user_id", req.UserID))
	return info, nil
}

// ExchangeOAuthCode trades the code from the oauth callback for a token pair and stores it
func (s *Service) ExchangeOAuthCode(ctx context.Context, req *ExchangeRequest) (*SessionInfo, error) {
	if err := ValidateExchangeRequest(req); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, &apiclient.Request{
		Method:    http.MethodPost,
		Path:      s.exchangePath,
		Body:      req,
		Anonymous: true,
	})
	if err != nil {
		if status := apiclient.StatusCode(err); status == http.StatusBadRequest || status == http.StatusUnauthorized {
			s.logger.Info("oauth code rejected", zap.Error(err))
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("oauth exchange failed: %w", err)
	}

	info, err := s.establish(ctx, resp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session established", zap.String("method", "oauth"))
	return info, nil
}

// Logout clears the stored credentials. Logging out without a session succeeds.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.logger.Info("session cleared")
	return nil
}

// Current describes the stored session, or returns ErrNotAuthenticated
func (s *Service) Current(ctx context.Context) (*SessionInfo, error) {
	access, err := credential.AccessToken(ctx, s.store)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if access == "" {
		return nil, apperrors.ErrNotAuthenticated
	}
	return s.describe(access), nil
}

func (s *Service) establish(ctx context.Context, resp *apiclient.Response) (*SessionInfo, error) {
	var pair apiclient.TokenResponse
	if err := resp.Decode(&pair); err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, errors.New("login response carried no access token")
	}

	if err := s.store.Save(ctx, pair.Token()); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	info := s.describe(pair.AccessToken)
	info.UserType = pair.UserType
	return info, nil
}

// describe never fails: an access token the gateway cannot read is still a session
func (s *Service) describe(access string) *SessionInfo {
	info := &SessionInfo{
		Authenticated: true,
		Pipeline:      s.client.State(),
	}

	id, err := credential.Inspect(access)
	if err != nil {
		s.logger.Debug("access token is not a readable JWT", zap.Error(err))
		return info
	}
	info.Identity = &id
	info.Expired = id.Expired(s.now())
	return info
}
