package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/session"
)

const maxProjectNameLength = 100

// ProjectService creates projects and administers their memberships.
type ProjectService struct {
	engine      *auth.Engine
	projects    ProjectStore
	memberships MembershipStore
	users       UserStore
	recorder    *audit.Recorder
}

// NewProjectService creates a ProjectService.
func NewProjectService(engine *auth.Engine, projects ProjectStore, memberships MembershipStore, users UserStore, recorder *audit.Recorder) *ProjectService {
	return &ProjectService{
		engine:      engine,
		projects:    projects,
		memberships: memberships,
		users:       users,
		recorder:    recorder,
	}
}

// CreateProject creates a project with the caller as its owner.
func (s *ProjectService) CreateProject(ctx context.Context, sess session.Session, name string) (*models.Project, *models.Membership, error) {
	if !sess.IsAuthenticated() {
		return nil, nil, apperr.ErrAuthentication
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxProjectNameLength {
		return nil, nil, apperr.New(apperr.InvalidRequest, "project name must be between 1 and 100 characters")
	}

	project := &models.Project{Name: name}
	m, err := s.projects.CreateProjectWithOwner(ctx, project, sess.UserID())
	if err != nil {
		return nil, nil, db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    project.ID,
		Action:       audit.ActionProjectCreated,
		ResourceType: "project",
		ResourceID:   project.ID,
		ResourceName: project.Name,
	})
	return project, m, nil
}

// GetProject returns the project when the caller may read it.
func (s *ProjectService) GetProject(ctx context.Context, sess session.Session, projectID string) (*models.Project, models.Role, error) {
	role, err := s.engine.Authorize(ctx, sess, projectID, auth.ActionProjectRead)
	if err != nil {
		return nil, 0, err
	}
	p, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, 0, db.StoreError(err)
	}
	if p == nil {
		return nil, 0, apperr.New(apperr.NotFound, "project not found")
	}
	return p, role, nil
}

// ListMembers returns the members of a project.
func (s *ProjectService) ListMembers(ctx context.Context, sess session.Session, projectID string) ([]models.MemberWithUser, error) {
	if _, err := s.engine.Authorize(ctx, sess, projectID, auth.ActionMembersRead); err != nil {
		return nil, err
	}
	members, err := s.memberships.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return members, nil
}

// ListUserProjects returns every project the caller belongs to.
func (s *ProjectService) ListUserProjects(ctx context.Context, sess session.Session) ([]models.UserMembership, error) {
	if !sess.IsAuthenticated() {
		return nil, apperr.ErrAuthentication
	}
	out, err := s.memberships.ListUserMemberships(ctx, sess.UserID())
	if err != nil {
		return nil, db.StoreError(err)
	}
	return out, nil
}

// AddMember gives an existing user a non-owner role in the project directly,
// without an invitation. Adding someone who is already a member is a Conflict.
func (s *ProjectService) AddMember(ctx context.Context, sess session.Session, projectID, userID string, role models.Role) (*models.Membership, error) {
	if _, err := s.engine.Authorize(ctx, sess, projectID, auth.ActionMembersManage); err != nil {
		return nil, err
	}
	if !role.Valid() || role == models.RoleOwner {
		return nil, apperr.New(apperr.InvalidRequest, "role must be one of viewer, editor, admin")
	}
	if userID == "" {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if user == nil {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}

	m := &models.Membership{UserID: user.ID, ProjectID: projectID, Role: role}
	if err := s.memberships.AddMembership(ctx, m); err != nil {
		return nil, db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    projectID,
		Action:       audit.ActionMemberAdded,
		ResourceType: "membership",
		ResourceID:   user.ID,
		ResourceName: user.Email,
		Metadata:     withActor(sess, map[string]interface{}{"role": role.String()}),
	})
	return m, nil
}

// ChangeRole sets a member's role. The owner's role cannot be changed and no
// one can be made owner here; ownership only moves through TransferOwnership.
func (s *ProjectService) ChangeRole(ctx context.Context, sess session.Session, projectID, targetUserID string, role models.Role) error {
	if _, err := s.engine.Authorize(ctx, sess, projectID, auth.ActionMembersManage); err != nil {
		return err
	}
	if !role.Valid() {
		return apperr.New(apperr.InvalidRequest, "role must be one of viewer, editor, admin")
	}
	if role == models.RoleOwner {
		return apperr.New(apperr.InvalidRequest, "ownership can only change through a transfer")
	}

	target, err := s.member(ctx, targetUserID, projectID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner {
		return apperr.New(apperr.InvalidRequest, "ownership can only change through a transfer")
	}
	if target.Role == role {
		return nil
	}

	if err := s.memberships.UpdateRole(ctx, targetUserID, projectID, role); err != nil {
		return db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    projectID,
		Action:       audit.ActionMemberRoleChanged,
		ResourceType: "membership",
		ResourceID:   targetUserID,
		Metadata: withActor(sess, map[string]interface{}{
			"old_role": target.Role.String(),
			"new_role": role.String(),
		}),
	})
	return nil
}

// RemoveMember deletes a non-owner membership. Only owners and admins may remove.
func (s *ProjectService) RemoveMember(ctx context.Context, sess session.Session, projectID, targetUserID string) error {
	if _, err := s.engine.AuthorizeOperation(ctx, sess, projectID, auth.OpRemoveMember); err != nil {
		return err
	}
	target, err := s.member(ctx, targetUserID, projectID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner {
		return apperr.New(apperr.InvalidRequest, "the project owner cannot be removed; transfer ownership first")
	}

	if err := s.memberships.RemoveMembership(ctx, targetUserID, projectID); err != nil {
		return db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    projectID,
		Action:       audit.ActionMemberRemoved,
		ResourceType: "membership",
		ResourceID:   targetUserID,
		Metadata:     map[string]interface{}{"role": target.Role.String()},
	})
	return nil
}

// TransferOwnership makes newOwnerID, an existing member, the owner and
// demotes the caller to admin in one transaction. Owner only.
func (s *ProjectService) TransferOwnership(ctx context.Context, sess session.Session, projectID, newOwnerID string) error {
	if _, err := s.engine.AuthorizeOperation(ctx, sess, projectID, auth.OpTransferOwnership); err != nil {
		return err
	}
	if newOwnerID == "" || newOwnerID == sess.UserID() {
		return apperr.New(apperr.InvalidRequest, "choose another member as the new owner")
	}
	if _, err := s.member(ctx, newOwnerID, projectID); err != nil {
		return err
	}

	if err := s.projects.TransferOwnership(ctx, projectID, sess.UserID(), newOwnerID); err != nil {
		return db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    projectID,
		Action:       audit.ActionOwnershipTransferred,
		ResourceType: "project",
		ResourceID:   projectID,
		Metadata:     map[string]interface{}{"new_owner_id": newOwnerID},
	})
	return nil
}

// DeleteProject disables the project. Owner only; rows are kept.
func (s *ProjectService) DeleteProject(ctx context.Context, sess session.Session, projectID string) error {
	if _, err := s.engine.AuthorizeOperation(ctx, sess, projectID, auth.OpDeleteProject); err != nil {
		return err
	}
	if err := s.projects.DisableProject(ctx, projectID); err != nil {
		return db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    projectID,
		Action:       audit.ActionProjectDeleted,
		ResourceType: "project",
		ResourceID:   projectID,
	})
	return nil
}

func (s *ProjectService) member(ctx context.Context, userID, projectID string) (*models.Membership, error) {
	if userID == "" {
		return nil, apperr.New(apperr.NotFound, "member not found")
	}
	m, err := s.memberships.GetMembership(ctx, userID, projectID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if m == nil {
		return nil, apperr.New(apperr.NotFound, "member not found")
	}
	return m, nil
}
