package middleware

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/session"
)

const (
	// SessionKey is the gin.Context key holding the request's session.Session.
	SessionKey = "session"
	// UserIDKey holds the acting user's ID for authenticated requests.
	UserIDKey = "user_id"
)

// LoadSession decodes the session cookie and stores the result under
// SessionKey. A missing or unreadable cookie yields an Anonymous session; the
// two cases are indistinguishable downstream.
func LoadSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sess session.Session
		if s := store.Validate(c.Request); s != nil {
			sess = *s
			c.Set(UserIDKey, sess.UserID())
		}
		c.Set(SessionKey, sess)
		c.Next()
	}
}

// SimulationGuard reports whether an impersonating session has lost the
// super-admin standing it was entered with.
type SimulationGuard interface {
	SimulationRevoked(ctx context.Context, sess session.Session) (bool, error)
}

// EndRevokedSimulation runs after LoadSession. An impersonating session whose
// user is no longer a super-admin is returned to Authenticated: the cookie is
// rewritten and the request continues with the downgraded session.
func EndRevokedSimulation(store *session.Store, guard SimulationGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := CurrentSession(c)
		if !sess.IsImpersonating() {
			c.Next()
			return
		}
		revoked, err := guard.SimulationRevoked(c.Request.Context(), sess)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if revoked {
			next, err := store.ExitImpersonation(c.Writer, c.Request)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			slog.Warn("access simulation ended: user is no longer a super-admin",
				"user_id", sess.UserID(), "project_id", sess.SimulatedProjectID())
			c.Set(SessionKey, next)
		}
		c.Next()
	}
}

// RequireSession aborts with 401 unless the request carries an authenticated session.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentSession(c).IsAuthenticated() {
			AbortWithError(c, apperr.ErrAuthentication)
			return
		}
		c.Next()
	}
}

// CurrentSession returns the session stored by LoadSession, or an Anonymous
// session when the middleware did not run.
func CurrentSession(c *gin.Context) session.Session {
	v, ok := c.Get(SessionKey)
	if !ok {
		return session.Session{}
	}
	sess, _ := v.(session.Session)
	return sess
}
