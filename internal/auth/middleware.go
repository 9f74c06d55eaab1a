package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the key for storing the authenticated caller in gin context
const ContextKeyCaller = "authCaller"

// RequireKey rejects requests without a valid intake key. An empty keyring
// admits everyone; the server only builds one outside production.
func RequireKey(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if k.Len() == 0 {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		caller, err := k.Validate(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Intake API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// GetCaller returns the authenticated caller, if any.
func GetCaller(c *gin.Context) (*Caller, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok
}
