// README: Auth middleware: verifies the bearer token and stores the caller on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vtc/internal/infra"
	"vtc/internal/types"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Auth accepts "Authorization: Bearer <jwt>" or, for websocket upgrades
// where browsers cannot set headers, a ?token= query parameter.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		kind, ok := types.ParseActorKind(tok.Role)
		if !ok {
			kind = types.ActorCustomer
		}
		c.Set(ctxCallerUID, tok.UID)
		c.Set(ctxCallerRole, string(kind))
		c.Next()
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

// CallerRole is driver, customer or system. Tokens without a role claim
// are customers.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}

func Caller(c *gin.Context) types.Actor {
	return types.Actor{Kind: types.ActorKind(CallerRole(c)), ID: types.ID(CallerUID(c))}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...types.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := types.ActorKind(CallerRole(c))
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
