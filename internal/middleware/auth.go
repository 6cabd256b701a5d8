package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/registry"
	"github.com/Kopilov/carabiserver/internal/session"
)

const sessionContextKey = "current_session"

type SessionResolver interface {
	TokenAuthorize(ctx context.Context, token string) (*session.Session, error)
}

// Auth resolves the access token into a live session. Legacy clients send
// the token as a query parameter, newer ones as a bearer header; both are
// accepted. After the handler runs, sessions that are not long-lived give
// their backend connections back.
func Auth(resolver SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		sess, err := resolver.TokenAuthorize(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrTokenExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
			case errors.Is(err, registry.ErrTokenNotFound):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			default:
				zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("token authorization failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
			}
			return
		}

		c.Set(sessionContextKey, sess)

		c.Next()

		sess.Close(c.Request.Context())
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// CurrentSession returns the session installed by Auth.
func CurrentSession(c *gin.Context) (*session.Session, bool) {
	val, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	sess, ok := val.(*session.Session)
	return sess, ok
}
