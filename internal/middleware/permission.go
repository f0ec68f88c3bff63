package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db/models"
)

const (
	// ProjectIDParam is the route parameter naming the project a request targets.
	ProjectIDParam = "projectId"
	// RoleKey holds the models.Role a permission decision was made with.
	RoleKey = "project_role"
)

// RequirePermission authorizes the session for action in the project named by
// the :projectId route parameter. It is meant for routes whose handler does
// not already authorize through a service, so each request is checked once.
func RequirePermission(engine *auth.Engine, action auth.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := engine.Authorize(c.Request.Context(), CurrentSession(c), c.Param(ProjectIDParam), action)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(RoleKey, role)
		c.Next()
	}
}

// CurrentRole returns the role stored by RequirePermission, or zero.
func CurrentRole(c *gin.Context) models.Role {
	v, _ := c.Get(RoleKey)
	role, _ := v.(models.Role)
	return role
}
