// invitations.go implements HTTP handlers for the invitation ledger: issue, list, resend,
// revoke and accept.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/services"
	"github.com/prism-analytics/prism/internal/session"
)

// InvitationManager is implemented by services.InvitationService.
type InvitationManager interface {
	Issue(ctx context.Context, sess session.Session, req services.IssueRequest) (*models.Invitation, error)
	Resend(ctx context.Context, sess session.Session, invitationID string) (*models.Invitation, error)
	Revoke(ctx context.Context, sess session.Session, invitationID string) error
	List(ctx context.Context, sess session.Session, projectID string) ([]models.Invitation, error)
	Accept(ctx context.Context, sess session.Session, token string) (*models.Membership, error)
}

// InvitationHandlers handles invitation endpoints
type InvitationHandlers struct {
	invitations InvitationManager
	sessions    *session.Store
}

// NewInvitationHandlers creates a new InvitationHandlers instance
func NewInvitationHandlers(invitations InvitationManager, sessions *session.Store) *InvitationHandlers {
	return &InvitationHandlers{invitations: invitations, sessions: sessions}
}

type issueInvitationRequest struct {
	Email string      `json:"email" binding:"required"`
	Role  models.Role `json:"role"`
}

// @Summary      Invite a user
// @Description  Issues an invitation and emails the accept link. Owner invitations are not allowed.
// @Tags         Invitations
// @Accept       json
// @Produce      json
// @Param        projectId  path  string                  true  "Project ID"
// @Param        body       body  issueInvitationRequest  true  "Invitee"
// @Success      201  {object}  models.Invitation
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}  "Pending invitation or existing member"
// @Router       /api/v1/projects/{projectId}/invitations [post]
// IssueHandler creates an invitation
func (h *InvitationHandlers) IssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueInvitationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "email and a valid role are required"))
			return
		}

		inv, err := h.invitations.Issue(c.Request.Context(), middleware.CurrentSession(c), services.IssueRequest{
			ProjectID: c.Param(middleware.ProjectIDParam),
			Email:     req.Email,
			Role:      req.Role,
		})
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, inv)
	}
}

// ListHandler lists pending invitations
// GET /api/v1/projects/:projectId/invitations
func (h *InvitationHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		invitations, err := h.invitations.List(c.Request.Context(), middleware.CurrentSession(c), c.Param(middleware.ProjectIDParam))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"invitations": invitations})
	}
}

// ResendHandler extends an invitation and sends it again
// POST /api/v1/invitations/:invitationId/resend
func (h *InvitationHandlers) ResendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		inv, err := h.invitations.Resend(c.Request.Context(), middleware.CurrentSession(c), c.Param("invitationId"))
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, inv)
	}
}

// RevokeHandler deletes a pending invitation
// DELETE /api/v1/invitations/:invitationId
func (h *InvitationHandlers) RevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.invitations.Revoke(c.Request.Context(), middleware.CurrentSession(c), c.Param("invitationId")); err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

// @Summary      Accept invitation
// @Description  Redeems an invitation for the signed-in user and switches the session to the project
// @Tags         Invitations
// @Accept       json
// @Produce      json
// @Param        body  body  acceptInvitationRequest  true  "Invitation token"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "invalid_token, expired or email_mismatch"
// @Failure      409  {object}  map[string]interface{}  "already_accepted"
// @Router       /api/v1/invitations/accept [post]
// AcceptHandler redeems an invitation token
func (h *InvitationHandlers) AcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req acceptInvitationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.ErrInvalidToken)
			return
		}

		membership, err := h.invitations.Accept(c.Request.Context(), middleware.CurrentSession(c), req.Token)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		next, err := h.sessions.UpdateActiveProject(c.Writer, c.Request, membership.ProjectID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"membership": membership, "session": next})
	}
}
