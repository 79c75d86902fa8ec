package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ownerKey is the gin context key the middleware stores the owner id under.
const ownerKey = "auth.owner_id"

// Middleware rejects requests without a valid bearer token and records the
// token subject as the request's owner id.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		ownerID, err := svc.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ownerKey, ownerID)
		c.Next()
	}
}

// OwnerID returns the authenticated owner id, or "" when the request did not
// pass the middleware.
func OwnerID(c *gin.Context) string {
	value, ok := c.Get(ownerKey)
	if !ok {
		return ""
	}
	ownerID, _ := value.(string)
	return ownerID
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
