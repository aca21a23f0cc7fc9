package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const userIDKey = "user_id"

// Auth parses the Bearer token and stores the sub claim as user_id in the
// request context. A missing or invalid token leaves user_id empty; the
// ownership checks downstream then behave as not-found, so an attacker
// cannot distinguish bad credentials from a missing thread.
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		userID := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			raw := strings.TrimPrefix(header, "Bearer ")
			token, err := jwt.Parse([]byte(raw),
				jwt.WithKey(jwa.HS256, key),
				jwt.WithValidate(true),
			)
			if err == nil {
				userID = token.Subject()
			}
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// userID returns the authenticated user of the request, or "".
func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
