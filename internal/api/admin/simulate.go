// simulate.go implements the super-admin access simulation endpoints.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/session"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// ProjectReader loads projects by ID.
type ProjectReader interface {
	GetProjectByID(ctx context.Context, id string) (*models.Project, error)
}

// SimulationHandlers lets super-admins view a project with an elevated role.
type SimulationHandlers struct {
	sessions    *session.Store
	superAdmins *auth.SuperAdmins
	users       UserReader
	projects    ProjectReader
	recorder    *audit.Recorder
}

// NewSimulationHandlers creates a new SimulationHandlers instance
func NewSimulationHandlers(sessions *session.Store, superAdmins *auth.SuperAdmins, users UserReader, projects ProjectReader, recorder *audit.Recorder) *SimulationHandlers {
	return &SimulationHandlers{
		sessions:    sessions,
		superAdmins: superAdmins,
		users:       users,
		projects:    projects,
		recorder:    recorder,
	}
}

type simulateRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}

// @Summary      Enter access simulation
// @Description  Super-admin only. Switches the session into the given project with the configured impersonation role.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        body  body  simulateRequest  true  "Project to simulate"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}  "Already simulating"
// @Router       /api/v1/admin/simulate [post]
// StartHandler enters simulation
func (h *SimulationHandlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req simulateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "project_id is required"))
			return
		}

		ctx := c.Request.Context()
		sess := middleware.CurrentSession(c)

		user, err := h.users.GetUserByID(ctx, sess.UserID())
		if err != nil {
			middleware.AbortWithError(c, db.StoreError(err))
			return
		}
		if user == nil || !h.superAdmins.Contains(user.Email) {
			telemetry.PermissionDenialsTotal.WithLabelValues("admin:simulate").Inc()
			middleware.AbortWithError(c, apperr.Forbidden("admin:simulate"))
			return
		}

		project, err := h.projects.GetProjectByID(ctx, req.ProjectID)
		if err != nil {
			middleware.AbortWithError(c, db.StoreError(err))
			return
		}
		if project == nil {
			middleware.AbortWithError(c, apperr.New(apperr.NotFound, "project not found"))
			return
		}

		next, err := h.sessions.EnterImpersonation(c.Writer, c.Request, user.ID, project.ID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		telemetry.ImpersonationTransitionsTotal.WithLabelValues("started").Inc()

		h.recorder.Record(ctx, audit.Event{
			UserID:       user.ID,
			ProjectID:    project.ID,
			Action:       audit.ActionImpersonationStarted,
			ResourceType: "project",
			ResourceID:   project.ID,
			ResourceName: project.Name,
			Metadata:     map[string]interface{}{"original_user_id": user.ID},
		})

		c.JSON(http.StatusOK, gin.H{"session": next})
	}
}

// @Summary      Exit access simulation
// @Description  Returns the session to its normal state with no active project. A no-op outside simulation.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/admin/simulate [delete]
// StopHandler leaves simulation
func (h *SimulationHandlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := middleware.CurrentSession(c)

		next, err := h.sessions.ExitImpersonation(c.Writer, c.Request)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		if sess.IsImpersonating() {
			telemetry.ImpersonationTransitionsTotal.WithLabelValues("ended").Inc()
			h.recorder.Record(c.Request.Context(), audit.Event{
				UserID:       sess.OriginalUserID(),
				ProjectID:    sess.SimulatedProjectID(),
				Action:       audit.ActionImpersonationEnded,
				ResourceType: "project",
				ResourceID:   sess.SimulatedProjectID(),
				Metadata:     map[string]interface{}{"original_user_id": sess.OriginalUserID()},
			})
		}

		c.JSON(http.StatusOK, gin.H{"session": next})
	}
}
