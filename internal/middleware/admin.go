package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminMiddleware guards write endpoints such as price import with a
// static API key.
type AdminMiddleware struct {
	apiKey string
}

// NewAdminMiddleware creates a new admin authentication middleware. An empty
// key rejects every request.
func NewAdminMiddleware(apiKey string) *AdminMiddleware {
	return &AdminMiddleware{apiKey: apiKey}
}

// RequireAdminAuth middleware validates admin API keys
func (am *AdminMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.apiKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin endpoints are disabled",
			})
			return
		}

		// Check for API key in Authorization header (Bearer token)
		if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && am.ValidateAdminKey(token) {
			c.Next()
			return
		}

		// Check for API key in X-API-Key header
		if am.ValidateAdminKey(c.GetHeader("X-API-Key")) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "valid admin API key required for this endpoint",
		})
	}
}

// ValidateAdminKey validates an admin API key
func (am *AdminMiddleware) ValidateAdminKey(key string) bool {
	if am.apiKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(am.apiKey)) == 1
}
