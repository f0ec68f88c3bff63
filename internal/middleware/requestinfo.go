package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/audit"
)

// RequestInfo attaches the client IP and user agent to the request context so
// audit records made anywhere below the handler carry them.
func RequestInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithRequestInfo(c.Request.Context(), c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
