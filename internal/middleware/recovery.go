package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"go.uber.org/zap"
)

// Recovery creates a panic recovery middleware
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("request_id", c.GetString("request_id")),
					zap.Stack("stack"),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error": gin.H{
						"code":    apperrors.ErrCodeInternalError,
						"message": "Internal server error",
					},
				})
			}
		}()

		c.Next()
	}
}
