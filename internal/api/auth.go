package api

import (
	"net/http"
	"strings"

	"coretrader/pkg/auth"

	"github.com/gin-gonic/gin"
)

const userContextKey = "Subject"

// AuthMiddleware enforces JWT auth for protected routes, using the same
// auth.Manager the rest of the core validates operator tokens with.
func AuthMiddleware(secret string) gin.HandlerFunc {
	mgr := auth.NewManager(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		claims, err := mgr.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(userContextKey, claims.Subject)
		c.Next()
	}
}

// CurrentSubject returns the authenticated token subject from context.
func CurrentSubject(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}
