package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/hanssup/gateway/internal/auth"
	apperrors "github.com/hanssup/gateway/pkg/errors"
	"go.uber.org/zap"
)

// OperatorAuth protects gateway management routes with HTTP basic auth
// checked against a bcrypt hash. An empty hash disables the check.
func OperatorAuth(user, passwordHash string, logger *zap.Logger) gin.HandlerFunc {
	if passwordHash == "" {
		logger.Warn("operator authentication disabled: OPERATOR_PASSWORD_HASH is empty")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			unauthorized(c, apperrors.ErrUnauthorized.Message)
			return
		}

		userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(user)) == 1
		if err := auth.VerifyPassword(password, passwordHash); err != nil || !userMatch {
			RecordOperatorAuthFailure()
			logger.Info("operator authentication failed", zap.String("ip", c.ClientIP()))
			unauthorized(c, "Invalid operator credentials")
			return
		}

		c.Set("operator", username)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", `Basic realm="hanssup-gateway"`)
	c.AbortWithStatusJSON(apperrors.ErrUnauthorized.Status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    apperrors.ErrCodeUnauthorized,
			"message": message,
		},
	})
}
