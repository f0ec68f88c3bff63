// auth.go implements HTTP handlers for OAuth login, the provider callback, logout,
// the current-session view and active project switching.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/session"
)

// LoginFlow is the OAuth authorization-code exchange.
type LoginFlow interface {
	BeginLogin(w http.ResponseWriter) (string, error)
	CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, cb auth.Callback) (*auth.LoginResult, error)
}

// UserReader loads users by ID.
type UserReader interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// MembershipLister lists a user's project memberships.
type MembershipLister interface {
	ListUserMemberships(ctx context.Context, userID string) ([]models.UserMembership, error)
}

// AuthHandlers handles authentication-related endpoints
type AuthHandlers struct {
	login       LoginFlow
	sessions    *session.Store
	engine      *auth.Engine
	users       UserReader
	memberships MembershipLister
	recorder    *audit.Recorder
	publicURL   string
}

// NewAuthHandlers creates a new AuthHandlers instance. publicURL is the
// browser-facing frontend address that login outcomes redirect to.
func NewAuthHandlers(login LoginFlow, sessions *session.Store, engine *auth.Engine, users UserReader, memberships MembershipLister, recorder *audit.Recorder, publicURL string) *AuthHandlers {
	return &AuthHandlers{
		login:       login,
		sessions:    sessions,
		engine:      engine,
		users:       users,
		memberships: memberships,
		recorder:    recorder,
		publicURL:   publicURL,
	}
}

// @Summary      Initiate OAuth login
// @Description  Redirects the browser to the identity provider with a fresh CSRF state
// @Tags         Authentication
// @Success      302  {string}  string  "Redirect to the provider authorization URL"
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/v1/auth/login [get]
// LoginHandler initiates the OAuth login flow
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		authURL, err := h.login.BeginLogin(c.Writer)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.Redirect(http.StatusFound, authURL)
	}
}

// @Summary      OAuth callback
// @Description  Completes the login. Success redirects to the frontend (onboarding for new users
// @Description  or users without a project); failure redirects to /login?error=<code>.
// @Tags         Authentication
// @Param        code   query  string  false  "Authorization code"
// @Param        state  query  string  false  "CSRF state"
// @Param        error  query  string  false  "Provider error"
// @Success      302  {string}  string  "Redirect to the frontend"
// @Router       /api/v1/auth/callback [get]
// CallbackHandler handles the provider redirect
func (h *AuthHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.login.CompleteLogin(c.Request.Context(), c.Writer, c.Request, auth.Callback{
			Code:  c.Query("code"),
			State: c.Query("state"),
			Error: c.Query("error"),
		})
		if err != nil {
			kind := apperr.KindOf(err)
			if kind == apperr.Internal || kind == apperr.StoreUnavailable || kind == apperr.UpstreamAuth {
				slog.Error("login failed", "request_id", c.GetString(middleware.RequestIDKey), "error", err)
			}
			c.Redirect(http.StatusFound, h.publicURL+"/login?error="+url.QueryEscape(kind.Code()))
			return
		}

		h.recorder.Record(c.Request.Context(), audit.Event{
			UserID:       result.User.ID,
			Action:       audit.ActionLogin,
			ResourceType: "user",
			ResourceID:   result.User.ID,
			Metadata:     map[string]interface{}{"new_user": result.IsNewUser},
		})

		target := h.publicURL + "/"
		if result.NeedsOnboarding {
			target = h.publicURL + "/onboarding"
		}
		c.Redirect(http.StatusFound, target)
	}
}

// @Summary      Logout
// @Description  Clears the session cookie. Succeeds without a session.
// @Tags         Authentication
// @Success      204
// @Router       /api/v1/auth/logout [post]
// LogoutHandler ends the session
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := middleware.CurrentSession(c)
		h.sessions.Destroy(c.Writer)
		if sess.IsAuthenticated() {
			h.recorder.Record(c.Request.Context(), audit.Event{
				UserID: sess.UserID(),
				Action: audit.ActionLogout,
			})
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Current session
// @Description  Returns the signed-in user, their memberships and the session state
// @Tags         Authentication
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Router       /api/v1/auth/me [get]
// MeHandler returns the current user
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := middleware.CurrentSession(c)
		ctx := c.Request.Context()

		user, err := h.users.GetUserByID(ctx, sess.UserID())
		if err != nil {
			middleware.AbortWithError(c, db.StoreError(err))
			return
		}
		if user == nil {
			// The cookie outlived its user.
			h.sessions.Destroy(c.Writer)
			middleware.AbortWithError(c, apperr.ErrAuthentication)
			return
		}

		memberships, err := h.memberships.ListUserMemberships(ctx, user.ID)
		if err != nil {
			middleware.AbortWithError(c, db.StoreError(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user":        user,
			"memberships": memberships,
			"session":     sess,
		})
	}
}

type switchProjectRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}

// @Summary      Switch active project
// @Description  Sets the session's active project. The caller must be able to read the project.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        body  body  switchProjectRequest  true  "Target project"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/auth/session/project [put]
// SwitchProjectHandler changes the active project
func (h *AuthHandlers) SwitchProjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperr.New(apperr.InvalidRequest, "project_id is required"))
			return
		}

		sess := middleware.CurrentSession(c)
		role, err := h.engine.Authorize(c.Request.Context(), sess, req.ProjectID, auth.ActionProjectRead)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		next, err := h.sessions.UpdateActiveProject(c.Writer, c.Request, req.ProjectID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		h.recorder.Record(c.Request.Context(), audit.Event{
			UserID:       sess.UserID(),
			ProjectID:    req.ProjectID,
			Action:       audit.ActionProjectSwitched,
			ResourceType: "project",
			ResourceID:   req.ProjectID,
		})

		c.JSON(http.StatusOK, gin.H{"session": next, "role": role})
	}
}
