package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds security headers to responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		// Attendance links carry codes; keep them out of referrers
		c.Header("Referrer-Policy", "no-referrer")

		// Content Security Policy (basic)
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Session and check-in responses must not be cached
		c.Header("Cache-Control", "no-store")

		// Strict Transport Security (HTTPS only)
		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
