// Package checkin records attendance against the remote API, from a typed
// code, a scanned QR payload or a shared attendance link.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hanssup/gateway/internal/apiclient"
	"github.com/hanssup/gateway/internal/attendtoken"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"go.uber.org/zap"
)

// Check-in methods
const (
	MethodCode = "code"
	MethodQR   = "qr"
)

// Remote attendance endpoints
const (
	checkPath   = "/attend/check"
	checkQRPath = "/attend/check_qr"
)

// Result is a recorded check-in
type Result struct {
	Method  string `json:"method"`
	Club    string `json:"club_code,omitempty"`
	Message string `json:"message"`
}

// Share is a shareable attendance link
type Share struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type codeRequest struct {
	ClubCode string `json:"club_code"`
	Code     string `json:"code"`
}

type qrRequest struct {
	QRCode string `json:"qr_code"`
}

// Service handles check-in business logic
type Service struct {
	client  *apiclient.Client
	codec   *attendtoken.Codec
	pending PendingStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a new check-in service. pending may be nil, in which
// case interrupted check-ins are not kept.
func NewService(client *apiclient.Client, codec *attendtoken.Codec, pending PendingStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:  client,
		codec:   codec,
		pending: pending,
		logger:  logger,
		now:     time.Now,
	}
}

// IsQR reports whether code is a scanned QR payload (club:code) rather than a typed code
func IsQR(code string) bool {
	return strings.Contains(code, ":")
}

// CheckIn records attendance for code in club. A QR payload carries its own
// club and is sent as is.
func (s *Service) CheckIn(ctx context.Context, code, club string) (*Result, error) {
	code = strings.TrimSpace(code)
	club = strings.TrimSpace(club)

	method := MethodCode
	if IsQR(code) {
		method = MethodQR
	}

	if code == "" || (method == MethodCode && club == "") {
		checkinsTotal.WithLabelValues(method, "invalid").Inc()
		return nil, apperrors.ErrInvalidLink
	}

	req := &apiclient.Request{Method: http.MethodPost, Path: checkPath, Body: codeRequest{ClubCode: club, Code: code}}
	if method == MethodQR {
		req = &apiclient.Request{Method: http.MethodPost, Path: checkQRPath, Body: qrRequest{QRCode: code}}
		club, _, _ = strings.Cut(code, ":")
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, s.failed(ctx, method, code, club, err)
	}

	var body struct {
		Message string `json:"message"`
	}
	if len(resp.Body) > 0 {
		if err := resp.Decode(&body); err != nil {
			s.logger.Debug("check-in response has no message", zap.Error(err))
		}
	}

	checkinsTotal.WithLabelValues(method, "success").Inc()
	s.logger.Info("check-in recorded", zap.String("method", method), zap.String("club", club))

	return &Result{Method: method, Club: club, Message: body.Message}, nil
}

// CheckInToken decodes an attendance link token and checks in with its contents
func (s *Service) CheckInToken(ctx context.Context, token string) (*Result, error) {
	res := s.codec.Decode(token)
	if !res.Valid {
		checkinsTotal.WithLabelValues(MethodCode, "invalid").Inc()
		s.logger.Debug("invalid attendance token", zap.Error(res.Err))
		return nil, apperrors.ErrInvalidLink
	}
	return s.CheckIn(ctx, res.Code, res.Club)
}

// CheckInLink checks in from a full attendance link, in either the token or the query form
func (s *Service) CheckInLink(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		checkinsTotal.WithLabelValues(MethodCode, "invalid").Inc()
		return nil, apperrors.ErrInvalidLink
	}

	code, club, err := attendtoken.ParseLink(u)
	if err != nil {
		checkinsTotal.WithLabelValues(MethodCode, "invalid").Inc()
		s.logger.Debug("invalid attendance link", zap.Error(err))
		return nil, apperrors.ErrInvalidLink
	}
	return s.CheckIn(ctx, code, club)
}

// ResumePending replays the check-in interrupted by the last session end.
// It returns nil when there was none.
func (s *Service) ResumePending(ctx context.Context) (*Result, error) {
	if s.pending == nil {
		return nil, nil
	}

	p, err := s.pending.Take(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	s.logger.Info("resuming pending check-in", zap.String("club", p.Club), zap.Time("saved_at", p.SavedAt))
	return s.CheckIn(ctx, p.Code, p.Club)
}

// Share builds a shareable attendance link for code in club
func (s *Service) Share(code, club string) (*Share, error) {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(club) == "" {
		return nil, apperrors.ErrInvalidLink
	}

	token, err := s.codec.Encode(code, club)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attendance token: %w", err)
	}
	return &Share{URL: s.codec.URL(token), Token: token}, nil
}

// failed classifies a pipeline error. Authentication failures keep the
// check-in as pending and surface as a session end.
func (s *Service) failed(ctx context.Context, method, code, club string, err error) error {
	if !errors.Is(err, apiclient.ErrSessionEnded) && !apiclient.IsUnauthorized(err) {
		outcome := "error"
		if apiclient.StatusCode(err) != 0 {
			outcome = "rejected"
		}
		checkinsTotal.WithLabelValues(method, outcome).Inc()
		s.logger.Info("check-in failed", zap.String("method", method), zap.String("club", club), zap.Error(err))
		return err
	}

	checkinsTotal.WithLabelValues(method, "pending").Inc()

	if s.pending != nil {
		p := Pending{Code: code, SavedAt: s.now()}
		if method == MethodCode {
			p.Club = club
		}
		// the caller's context may be what ended the session
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if saveErr := s.pending.Save(saveCtx, p); saveErr != nil {
			s.logger.Error("failed to save pending check-in", zap.Error(saveErr))
		}
	}

	if errors.Is(err, apiclient.ErrSessionEnded) {
		return err
	}
	// rejected even with a renewed token
	return s.client.EndSession(ctx, err)
}
