package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dealscout/internal/observability"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"
)

var errNoToken = errors.New("authorization required")

// Middleware rejects requests without a valid token and stores the
// authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticate(c); err != nil {
			if !errors.Is(err, errNoToken) {
				observability.LoggerFromContext(c.Request.Context()).Debug("rejected token", "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// authenticate validates the presented token and records the caller on c.
func (s *Service) authenticate(c *gin.Context) error {
	authToken := s.extractToken(c)
	if authToken == "" {
		return errNoToken
	}
	userID, err := s.ValidateToken(c.Request.Context(), authToken)
	if err != nil {
		return err
	}
	c.Set(userIDContextKey, userID)
	c.Set(authTokenContextKey, authToken)
	return nil
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// OptionalMiddleware attaches the user when a valid token is presented and
// otherwise lets the request through anonymously.
func (s *Service) OptionalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticate(c); err != nil && !errors.Is(err, errNoToken) {
			observability.LoggerFromContext(c.Request.Context()).Debug("ignoring invalid token", "error", err)
		}
		c.Next()
	}
}

// extractToken prefers the Authorization header over the auth cookie.
func (s *Service) extractToken(c *gin.Context) string {
	if token := bearerToken(c.GetHeader(s.headerName)); token != "" {
		return token
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}

func bearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
