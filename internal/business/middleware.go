package business

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyBusiness is the gin context key holding the authenticated business.
const ContextKeyBusiness = "authBusiness"

// Middleware extracts and validates the x-api-key header.
// Sets the business in context if valid; does not reject on its own.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("x-api-key")
		if apiKey == "" {
			apiKey = c.GetHeader("Authorization")
		}

		if apiKey != "" {
			if b, err := m.Authenticate(c.Request.Context(), apiKey); err == nil {
				c.Set(ContextKeyBusiness, b)
			}
		}

		c.Next()
	}
}

// RequireBusiness rejects requests without a valid API key.
func RequireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyBusiness); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid x-api-key header required.",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the authenticated business, or nil.
func FromContext(c *gin.Context) *Business {
	v, exists := c.Get(ContextKeyBusiness)
	if !exists {
		return nil
	}
	b, ok := v.(*Business)
	if !ok {
		return nil
	}
	return b
}
