package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/internal/ratelimit"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"go.uber.org/zap"
)

// RateLimiter decides whether one more attempt is allowed for key
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit limits requests per client IP
func RateLimit(limiter RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			// Log error but don't fail the request
			logger.Error("rate limiter error", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			RecordRateLimitHit()
			c.Header("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
			c.AbortWithStatusJSON(apperrors.ErrRateLimitExceeded.Status, gin.H{
				"success": false,
				"error": gin.H{
					"code":    apperrors.ErrRateLimitExceeded.Code,
					"message": apperrors.ErrRateLimitExceeded.Message,
				},
			})
			return
		}

		c.Next()
	}
}
