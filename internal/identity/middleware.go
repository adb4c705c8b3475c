package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextKey = "subject"

// Auth enforces bearer JWT tokens signed with HS256 and stores the
// resolved subject on the request context.
func Auth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(contextKey, claims.Subject())
		c.Next()
	}
}

// RequireElevated rejects callers without an admin or manager role.
func RequireElevated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !FromContext(c).Elevated() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrInsufficientPermissions.Error()})
			return
		}
		c.Next()
	}
}

// FromContext returns the subject stored by Auth, or the zero subject.
func FromContext(c *gin.Context) Subject {
	v, ok := c.Get(contextKey)
	if !ok {
		return Subject{}
	}
	sub, _ := v.(Subject)
	return sub
}
