// projects.go implements HTTP handlers for project lifecycle and membership administration.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/session"
)

// ProjectManager is implemented by services.ProjectService.
type ProjectManager interface {
	CreateProject(ctx context.Context, sess session.Session, name string) (*models.Project, *models.Membership, error)
	GetProject(ctx context.Context, sess session.Session, projectID string) (*models.Project, models.Role, error)
	ListMembers(ctx context.Context, sess session.Session, projectID string) ([]models.MemberWithUser, error)
	ListUserProjects(ctx context.Context, sess session.Session) ([]models.UserMembership, error)
	AddMember(ctx context.Context, sess session.Session, projectID, userID string, role models.Role) (*models.Membership, error)
	ChangeRole(ctx context.Context, sess session.Session, projectID, targetUserID string, role models.Role) error
	RemoveMember(ctx context.Context, sess session.Session, projectID, targetUserID string) error
	TransferOwnership(ctx context.Context, sess session.Session, projectID, newOwnerID string) error
	DeleteProject(ctx context.Context, sess session.Session, projectID string) error
}

// ProjectHandlers handles project and member endpoints
type ProjectHandlers struct {
	projects ProjectManager
	sessions *session.Store
}

// NewProjectHandlers creates a new ProjectHandlers instance
func NewProjectHandlers(projects ProjectManager, sessions *session.Store) *ProjectHandlers {
	return &ProjectHandlers{projects: projects, sessions: sessions}
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// @Summary      Create project
// @Description  Creates a project owned by the caller and makes it the active project
// @Tags         Projects
// @Accept       json
// @Produce      json
// @Param        body  body  createProjectRequest  true  "Project"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/v1/projects [post]
// CreateProjectHandler creates a project
func (h *ProjectHandlers) CreateProjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "name is required"))
			return
		}

		project, membership, err := h.projects.CreateProject(c.Request.Context(), middleware.CurrentSession(c), req.Name)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		// The creator lands in the new project.
		next, err := h.sessions.UpdateActiveProject(c.Writer, c.Request, project.ID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"project":    project,
			"membership": membership,
			"session":    next,
		})
	}
}

// ListProjectsHandler lists the caller's projects
// GET /api/v1/projects
func (h *ProjectHandlers) ListProjectsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		projects, err := h.projects.ListUserProjects(c.Request.Context(), middleware.CurrentSession(c))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"projects": projects})
	}
}

// GetProjectHandler returns a project and the caller's role in it
// GET /api/v1/projects/:projectId
func (h *ProjectHandlers) GetProjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, role, err := h.projects.GetProject(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"project": project, "role": role})
	}
}

// @Summary      Delete project
// @Description  Owner only. Disables the project; its data is kept.
// @Tags         Projects
// @Param        projectId  path  string  true  "Project ID"
// @Success      204
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/projects/{projectId} [delete]
// DeleteProjectHandler disables a project
func (h *ProjectHandlers) DeleteProjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := middleware.CurrentSession(c)
		projectID := c.Param(middleware.ProjectIDParam)

		if err := h.projects.DeleteProject(c.Request.Context(), sess, projectID); err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		if active, ok := sess.ActiveProjectID(); ok && active == projectID {
			if _, err := h.sessions.UpdateActiveProject(c.Writer, c.Request, ""); err != nil {
				middleware.AbortWithError(c, err)
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

type transferOwnershipRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// @Summary      Transfer ownership
// @Description  Owner only. The new owner must already be a member; the previous owner becomes admin.
// @Tags         Projects
// @Accept       json
// @Param        projectId  path  string                    true  "Project ID"
// @Param        body       body  transferOwnershipRequest  true  "New owner"
// @Success      204
// @Router       /api/v1/projects/{projectId}/transfer [post]
// TransferOwnershipHandler moves project ownership
func (h *ProjectHandlers) TransferOwnershipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferOwnershipRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "user_id is required"))
			return
		}
		err := h.projects.TransferOwnership(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam), req.UserID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ListMembersHandler lists a project's members
// GET /api/v1/projects/:projectId/members
func (h *ProjectHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		members, err := h.projects.ListMembers(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

type addMemberRequest struct {
	UserID string      `json:"user_id" binding:"required"`
	Role   models.Role `json:"role"`
}

// AddMemberHandler adds an existing user to a project
// POST /api/v1/projects/:projectId/members
func (h *ProjectHandlers) AddMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "user_id and a valid role are required"))
			return
		}
		m, err := h.projects.AddMember(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam), req.UserID, req.Role)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"membership": m})
	}
}

type changeRoleRequest struct {
	Role models.Role `json:"role"`
}

// ChangeRoleHandler updates a member's role
// PUT /api/v1/projects/:projectId/members/:userId
func (h *ProjectHandlers) ChangeRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changeRoleRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Role.Valid() {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "a valid role is required"))
			return
		}
		err := h.projects.ChangeRole(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam), c.Param("userId"), req.Role)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RemoveMemberHandler removes a member from a project
// DELETE /api/v1/projects/:projectId/members/:userId
func (h *ProjectHandlers) RemoveMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.projects.RemoveMember(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam), c.Param("userId"))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
