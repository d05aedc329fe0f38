package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Region rejects tokens issued for another region. Requests without claims
// (authentication disabled) pass through.
func Region(region string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ClaimsKey)
		if !exists {
			c.Next()
			return
		}

		claims, ok := value.(*jwt.RegisteredClaims)
		if !ok || claims.Subject != region {
			c.JSON(http.StatusForbidden, gin.H{"error": "Token not valid for region " + region})
			c.Abort()
			return
		}

		c.Set("region", claims.Subject)
		c.Next()
	}
}
