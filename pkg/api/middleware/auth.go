package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tidalsched/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// ContextUserKey is the key used to store caller claims in context
	ContextUserKey = "user"
)

// RequireRole authenticates a Bearer token and checks that its role is at
// least required. A nil service disables authentication entirely.
func RequireRole(jwtService *auth.JWTService, required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			c.Next()
			return
		}

		claims, err := jwtService.ValidateToken(bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"hint":  "provide a Bearer token minted with the token command",
			})
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": required,
				"current":  claims.Role,
			})
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// GetUserFromContext retrieves caller claims stored by RequireRole
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader(AuthHeaderKey), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
