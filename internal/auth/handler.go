package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/internal/apiclient"
	"github.com/hanssup/gateway/pkg/response"
	"go.uber.org/zap"
)

// ResumeFunc runs after a session is established. A nil result means there
// was nothing to resume.
type ResumeFunc func(ctx context.Context) (interface{}, error)

// HealthCheck pings one backing service
type HealthCheck func(ctx context.Context) error

// Handler handles session HTTP requests
type Handler struct {
	service *Service
	resume  ResumeFunc
	checks  map[string]HealthCheck
	logger  *zap.Logger
}

// NewHandler creates a new session handler. resume may be nil.
func NewHandler(service *Service, resume ResumeFunc, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, resume: resume, checks: make(map[string]HealthCheck), logger: logger}
}

// AddHealthCheck registers a backing service reported by Health
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Login handles user id / password login
// POST /session/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	info, err := h.service.Login(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.established(c, info)
}

// ExchangeOAuthCode handles the code returned by the remote oauth callback
// POST /session/oauth/exchange
func (h *Handler) ExchangeOAuthCode(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	info, err := h.service.ExchangeOAuthCode(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.established(c, info)
}

// Logout clears the stored session
// POST /session/logout
func (h *Handler) Logout(c *gin.Context) {
	if err := h.service.Logout(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Logged out successfully",
	})
}

// Current returns the stored session
// GET /session
func (h *Handler) Current(c *gin.Context) {
	info, err := h.service.Current(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, info)
}

// Health returns health status
// GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			services[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		services[name] = "healthy"
	}

	body := gin.H{"status": "healthy", "pipeline": h.service.client.State()}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if len(services) > 0 {
		body["services"] = services
	}
	c.JSON(status, body)
}

func (h *Handler) established(c *gin.Context, info *SessionInfo) {
	data := gin.H{"session": info}

	if h.resume != nil {
		resumed, err := h.resume(c.Request.Context())
		if err != nil {
			// the login itself succeeded
			h.logger.Warn("failed to resume pending check-in", zap.Error(err))
			data["resume_error"] = apiclient.AppError(err)
		} else if resumed != nil {
			data["resumed"] = resumed
		}
	}

	response.Success(c, http.StatusOK, data)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if IsValidationError(err) {
		response.ValidationError(c, err.Error())
		return
	}

	appErr := apiclient.AppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("session request failed", zap.Error(err))
	}
	response.Error(c, appErr)
}
