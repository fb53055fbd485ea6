// Package middleware provides Gin HTTP middleware for admin authentication,
// rate limiting, security headers, request ids and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → RateLimit → AdminAuth → Handler
//
// Security headers run early so they appear on all responses including errors.
// Rate limiting runs before admin auth so guessing the token costs budget before any
// bcrypt work.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminKey is the gin.Context key set to true once the admin token has been verified.
const AdminKey = "admin"

// AdminAuthMiddleware verifies the bearer token against a bcrypt hash. An empty
// hash disables the admin API entirely.
func AdminAuthMiddleware(tokenHash string) gin.HandlerFunc {
	hash := []byte(tokenHash)
	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
				"code":  "ADMIN_DISABLED",
			})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
				"code":  "UNAUTHORIZED",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
				"code":  "UNAUTHORIZED",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
				"code":  "UNAUTHORIZED",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid admin token",
				"code":  "UNAUTHORIZED",
			})
			return
		}

		c.Set(AdminKey, true)
		c.Next()
	}
}
