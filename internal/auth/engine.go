package auth

import (
	"context"
	"log/slog"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/session"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// MembershipLookup resolves a user's membership in a project. It returns
// (nil, nil) when the user is not a member.
type MembershipLookup interface {
	GetMembership(ctx context.Context, userID, projectID string) (*models.Membership, error)
}

// ProjectLookup loads a project by ID, returning (nil, nil) when it does not exist.
type ProjectLookup interface {
	GetProjectByID(ctx context.Context, id string) (*models.Project, error)
}

// Engine decides whether a caller may act within a project.
//
// Plain checks (CanPerformAction, EnforcePermission) look only at the
// caller's Membership. The session-aware variants additionally let a
// super-admin in access simulation act inside the simulated project with
// simulationRole, without any Membership row being created. The super-admin
// standing is re-checked through superAdmin on every such decision; a nil
// check grants simulation nothing.
type Engine struct {
	memberships    MembershipLookup
	projects       ProjectLookup
	simulationRole models.Role
	superAdmin     SuperAdminCheck
}

// NewEngine creates a permission engine.
func NewEngine(memberships MembershipLookup, projects ProjectLookup, simulationRole models.Role, superAdmin SuperAdminCheck) *Engine {
	return &Engine{
		memberships:    memberships,
		projects:       projects,
		simulationRole: simulationRole,
		superAdmin:     superAdmin,
	}
}

// SimulationRevoked reports whether sess is impersonating on behalf of a user
// who is no longer a super-admin.
func (e *Engine) SimulationRevoked(ctx context.Context, sess session.Session) (bool, error) {
	if !sess.IsImpersonating() {
		return false, nil
	}
	if e.superAdmin == nil {
		return true, nil
	}
	ok, err := e.superAdmin(ctx, sess.OriginalUserID())
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// RoleIn returns the role userID holds in projectID, or zero when the user
// has no membership or the project is missing or disabled.
func (e *Engine) RoleIn(ctx context.Context, userID, projectID string) (models.Role, error) {
	if userID == "" || projectID == "" {
		return 0, nil
	}
	m, err := e.memberships.GetMembership(ctx, userID, projectID)
	if err != nil {
		return 0, db.StoreError(err)
	}
	if m == nil {
		return 0, nil
	}
	ok, err := e.projectActive(ctx, projectID)
	if err != nil || !ok {
		return 0, err
	}
	return m.Role, nil
}

func (e *Engine) projectActive(ctx context.Context, projectID string) (bool, error) {
	p, err := e.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return false, db.StoreError(err)
	}
	return p != nil && p.Enabled, nil
}

// CanPerformAction reports whether userID's role in projectID grants action.
// A user without a membership can do nothing, whatever their global standing.
func (e *Engine) CanPerformAction(ctx context.Context, userID, projectID string, action Action) (bool, error) {
	role, err := e.RoleIn(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return RoleAllows(role, action), nil
}

// EnforcePermission fails with an Authorization error when userID may not
// perform action in projectID.
func (e *Engine) EnforcePermission(ctx context.Context, userID, projectID string, action Action) error {
	ok, err := e.CanPerformAction(ctx, userID, projectID, action)
	if err != nil {
		return err
	}
	if !ok {
		return deny(userID, projectID, string(action))
	}
	return nil
}

// Authorize is the session-aware form of EnforcePermission. It returns the
// role the decision was made with so callers can log or reuse it.
func (e *Engine) Authorize(ctx context.Context, sess session.Session, projectID string, action Action) (models.Role, error) {
	if !sess.IsAuthenticated() {
		return 0, apperr.ErrAuthentication
	}

	simulating := sess.IsSimulating(projectID)
	if simulating {
		revoked, err := e.SimulationRevoked(ctx, sess)
		if err != nil {
			return 0, err
		}
		if revoked {
			slog.Warn("simulation grant refused: user is no longer a super-admin",
				"user_id", sess.UserID(), "project_id", projectID)
			simulating = false
		}
	}

	var role models.Role
	if simulating {
		ok, err := e.projectActive(ctx, projectID)
		if err != nil {
			return 0, err
		}
		if ok {
			role = e.simulationRole
		}
	} else {
		r, err := e.RoleIn(ctx, sess.UserID(), projectID)
		if err != nil {
			return 0, err
		}
		role = r
	}

	if !RoleAllows(role, action) {
		return 0, deny(sess.UserID(), projectID, string(action))
	}
	return role, nil
}

// AuthorizeOperation checks a restricted operation against its role
// allow-list. Access simulation never widens these: only the caller's own
// membership counts.
func (e *Engine) AuthorizeOperation(ctx context.Context, sess session.Session, projectID string, op Operation) (models.Role, error) {
	if !sess.IsAuthenticated() {
		return 0, apperr.ErrAuthentication
	}
	role, err := e.RoleIn(ctx, sess.UserID(), projectID)
	if err != nil {
		return 0, err
	}
	if !OperationAllows(role, op) {
		return 0, deny(sess.UserID(), projectID, string(op))
	}
	return role, nil
}

func deny(userID, projectID, action string) error {
	telemetry.PermissionDenialsTotal.WithLabelValues(action).Inc()
	slog.Debug("permission denied", "user_id", userID, "project_id", projectID, "action", action)
	return apperr.Forbidden(action)
}
