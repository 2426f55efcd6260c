package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runner/internal/response"
	"github.com/stemsi/exstem-runner/internal/service"
)

// SessionAuthorizer reports whether a session id is the one being served.
type SessionAuthorizer interface {
	Authorize(sessionID string) error
}

// CheckActiveSession rejects tokens issued for a session the runner no
// longer serves (logged out, expired, or replaced by another login).
func CheckActiveSession(runner SessionAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if err := runner.Authorize(claims.SessionID); err != nil {
			code := response.ErrSessionInvalidated
			if errors.Is(err, service.ErrNotAuthenticated) {
				code = response.ErrNoActiveSession
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		c.Next()
	}
}
