package ratelimit

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/pkg/response"
	"go.uber.org/zap"
)

// Counter exposes the attempt counters of a limiter
type Counter interface {
	GetAttemptCount(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// Handler lets operators inspect and clear per-client attempt counters
type Handler struct {
	counter     Counter
	maxAttempts int
	logger      *zap.Logger
}

// NewHandler creates a rate limit handler
func NewHandler(counter Counter, maxAttempts int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{counter: counter, maxAttempts: maxAttempts, logger: logger}
}

// Attempts reports the attempt count of one client
// GET /ratelimit/:key
func (h *Handler) Attempts(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))

	count, err := h.counter.GetAttemptCount(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("failed to read attempt count", zap.String("key", key), zap.Error(err))
		response.Error(c, err)
		return
	}

	remaining := h.maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	response.Success(c, http.StatusOK, gin.H{
		"key":       key,
		"attempts":  count,
		"remaining": remaining,
	})
}

// Clear resets the attempt counter of one client
// DELETE /ratelimit/:key
func (h *Handler) Clear(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))

	if err := h.counter.Reset(c.Request.Context(), key); err != nil {
		h.logger.Error("failed to clear attempt count", zap.String("key", key), zap.Error(err))
		response.Error(c, err)
		return
	}

	h.logger.Info("attempt counter cleared", zap.String("key", key), zap.String("operator", c.GetString("operator")))
	response.Success(c, http.StatusOK, gin.H{"key": key, "cleared": true})
}
