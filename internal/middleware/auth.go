package middleware

import (
	"strings"

	"github.com/diy-mod/core/internal/pkg/jwt"
	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

const ContextKeyUserID = "auth_user_id"

// UserIDSource extracts the user id a request acts on (path, query or body).
type UserIDSource func(c *gin.Context) string

// Auth verifies the bearer token when enforce is set and checks that its uid
// matches the user the request acts on. With enforce off, a valid token is
// still recorded on the context but requests without one pass.
func Auth(signer *jwt.Signer, enforce bool, source UserIDSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" || signer == nil {
			if enforce {
				response.Unauthorized(c)
				return
			}
			c.Next()
			return
		}

		claims, err := signer.Parse(token)
		if err != nil {
			if enforce {
				response.Unauthorized(c)
				return
			}
			c.Next()
			return
		}
		c.Set(ContextKeyUserID, claims.UserID)

		if enforce && source != nil {
			if target := source(c); target != "" && target != claims.UserID {
				response.Forbidden(c, "token does not belong to this user")
				return
			}
		}
		c.Next()
	}
}

// ParamUserID reads the user id from a path parameter.
func ParamUserID(name string) UserIDSource {
	return func(c *gin.Context) string { return c.Param(name) }
}

// QueryUserID reads the user id from a query parameter.
func QueryUserID(name string) UserIDSource {
	return func(c *gin.Context) string { return c.Query(name) }
}

// CurrentUserID extracts the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	v, _ := c.Get(ContextKeyUserID)
	id, _ := v.(string)
	return id
}

// IsAuthenticated returns true if the request carried a valid token.
func IsAuthenticated(c *gin.Context) bool {
	return CurrentUserID(c) != ""
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return NormalizeToken(auth)
	}
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
