package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/models"
)

const (
	identityKey = "identity"
	userKey     = "user"
)

type UserLookup interface {
	FindUserByID(ctx context.Context, userID string) (*models.User, error)
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(auth[len("Bearer "):]), true
}

// AuthMiddleware accepts user access tokens only.
func AuthMiddleware(tokens *identity.Provider, users UserLookup) gin.HandlerFunc {
	return authenticate(tokens, users, false)
}

// UserOrMobile accepts a user access token or, failing that, a session-scoped
// mobile token.
func UserOrMobile(tokens *identity.Provider, users UserLookup) gin.HandlerFunc {
	return authenticate(tokens, users, true)
}

func authenticate(tokens *identity.Provider, users UserLookup, allowMobile bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
			return
		}

		var ident identity.Identity
		var err error
		if allowMobile {
			ident, err = tokens.Authenticate(tokenStr)
		} else {
			var claims *identity.AccessClaims
			claims, err = tokens.VerifyAccess(tokenStr)
			if err == nil {
				ident = identity.Identity{Kind: identity.KindUser, UserID: claims.Subject, Role: claims.Role}
			}
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if ident.IsUser() {
			user, err := users.FindUserByID(c.Request.Context(), ident.UserID)
			if err != nil || !user.Active {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found or inactive"})
				return
			}
			// The stored role wins over a stale token claim.
			ident.Role = user.Role
			c.Set(userKey, *user)
		}
		c.Set(identityKey, ident)
		c.Next()
	}
}

// CurrentIdentity returns the identity set by the auth middleware.
func CurrentIdentity(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return identity.Identity{}, false
	}
	ident, ok := v.(identity.Identity)
	return ident, ok
}

func CurrentUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return models.User{}, false
	}
	user, ok := v.(models.User)
	return user, ok
}

// RequireRoles lets admins through any gate. Mobile identities carry no role
// and are always rejected.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		ident, ok := CurrentIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !ident.IsUser() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if _, ok := allowed[ident.Role]; !ok {
			if ident.Role != models.RoleAdmin {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
		}
		c.Next()
	}
}
