// Package middleware provides the Gin middleware shared by every route: request
// IDs, access logging, metrics, security headers, CORS, rate limiting, session
// loading and permission checks.
//
// Ordering is fixed in api.NewRouter:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders → RequestInfo
//	  → LoadSession → (per group) RateLimit → RequireSession → RequirePermission
//
// Rate limiting runs before any permission lookup so that brute force against
// the auth and invitation endpoints is cut off before it reaches the database.
package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
)

// AbortWithError writes the uniform error envelope
//
//	{"error": {"code": "...", "message": "..."}}
//
// and aborts the chain. Internal and store failures are logged with their
// cause; the caller only ever sees the generic message for those.
func AbortWithError(c *gin.Context, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.Internal || e.Kind == apperr.StoreUnavailable {
		requestID, _ := c.Get(RequestIDKey)
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", requestID,
			"error", err,
		)
	}
	c.AbortWithStatusJSON(e.Kind.Status(), gin.H{
		"error": gin.H{
			"code":    e.Kind.Code(),
			"message": e.PublicMessage(),
		},
	})
}
