package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/session"
)

func (f *fixture) projects() *ProjectService {
	return NewProjectService(f.engine, f.store, f.store, f.store, f.recorder)
}

func role(t *testing.T, f *fixture, userID, projectID string) models.Role {
	t.Helper()
	m, err := f.store.GetMembership(context.Background(), userID, projectID)
	require.NoError(t, err)
	if m == nil {
		return 0
	}
	return m.Role
}

func TestCreateProject(t *testing.T) {
	f := newFixture()
	f.store.addUser("u1", "u1@example.com")
	svc := f.projects()

	p, m, err := svc.CreateProject(context.Background(), session.Authenticate("u1", ""), "  Growth  ")
	require.NoError(t, err)
	assert.Equal(t, "Growth", p.Name)
	assert.True(t, p.Enabled)
	assert.Equal(t, models.RoleOwner, m.Role)
	assert.Equal(t, models.RoleOwner, role(t, f, "u1", p.ID))

	f.flushAudit(t)
	assert.Equal(t, []string{audit.ActionProjectCreated}, f.audit.actions())
}

func TestCreateProject_Rejections(t *testing.T) {
	f := newFixture()
	svc := f.projects()

	_, _, err := svc.CreateProject(context.Background(), session.Session{}, "x")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	_, _, err = svc.CreateProject(context.Background(), session.Authenticate("u1", ""), "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	_, _, err = svc.CreateProject(context.Background(), session.Authenticate("u1", ""), strings.Repeat("a", 101))
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestGetProjectAndListMembers(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.projects()

	p, r, err := svc.GetProject(context.Background(), as("u-viewer"), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, models.RoleViewer, r)

	members, err := svc.ListMembers(context.Background(), as("u-viewer"), "p1")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	_, err = svc.ListMembers(context.Background(), as("u-stranger"), "p1")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, _, err = svc.GetProject(context.Background(), as("u-viewer"), "missing")
	assert.ErrorIs(t, err, apperr.ErrAuthorization, "a missing project looks the same as a forbidden one")
}

func TestListUserProjects(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addProject("p2", true)
	f.store.addMember("u-viewer", "p2", models.RoleAdmin)

	list, err := f.projects().ListUserProjects(context.Background(), as("u-viewer"))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.projects().ListUserProjects(context.Background(), session.Session{})
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestAddMember(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addUser("u-bob", "bob@example.com")
	svc := f.projects()

	m, err := svc.AddMember(context.Background(), as("u-admin"), "p1", "u-bob", models.RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, models.RoleEditor, m.Role)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, models.RoleEditor, role(t, f, "u-bob", "p1"))

	_, err = svc.AddMember(context.Background(), as("u-admin"), "p1", "u-bob", models.RoleViewer)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, models.RoleEditor, role(t, f, "u-bob", "p1"))

	f.flushAudit(t)
	require.Len(t, f.audit.rows, 1)
	row := f.audit.rows[0]
	assert.Equal(t, audit.ActionMemberAdded, row.Action)
	assert.Equal(t, "u-bob", *row.ResourceID)
	assert.Equal(t, "editor", row.Metadata["role"])
}

func TestAddMember_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		target string
		role   models.Role
		want   error
	}{
		{"viewer cannot manage", "u-viewer", "u-bob", models.RoleViewer, apperr.ErrAuthorization},
		{"stranger cannot manage", "u-bob", "u-bob", models.RoleViewer, apperr.ErrAuthorization},
		{"cannot add an owner", "u-owner", "u-bob", models.RoleOwner, apperr.ErrInvalidRequest},
		{"invalid role", "u-owner", "u-bob", models.Role(9), apperr.ErrInvalidRequest},
		{"unknown user", "u-owner", "u-nobody", models.RoleViewer, apperr.ErrNotFound},
		{"existing member", "u-owner", "u-viewer", models.RoleEditor, apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedProject(f)
			f.store.addUser("u-bob", "bob@example.com")
			_, err := f.projects().AddMember(context.Background(), as(tt.caller), "p1", tt.target, tt.role)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 3, f.store.membershipCount("p1"))
		})
	}
}

func TestChangeRole(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.projects()

	require.NoError(t, svc.ChangeRole(context.Background(), as("u-admin"), "p1", "u-viewer", models.RoleEditor))
	assert.Equal(t, models.RoleEditor, role(t, f, "u-viewer", "p1"))

	// Setting the current role is a no-op and is not audited.
	require.NoError(t, svc.ChangeRole(context.Background(), as("u-admin"), "p1", "u-viewer", models.RoleEditor))

	f.flushAudit(t)
	require.Len(t, f.audit.rows, 1)
	row := f.audit.rows[0]
	assert.Equal(t, audit.ActionMemberRoleChanged, row.Action)
	assert.Equal(t, "viewer", row.Metadata["old_role"])
	assert.Equal(t, "editor", row.Metadata["new_role"])
}

func TestChangeRole_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		target string
		role   models.Role
		want   error
	}{
		{"viewer cannot manage", "u-viewer", "u-admin", models.RoleViewer, apperr.ErrAuthorization},
		{"cannot grant owner", "u-owner", "u-admin", models.RoleOwner, apperr.ErrInvalidRequest},
		{"cannot change owner", "u-admin", "u-owner", models.RoleViewer, apperr.ErrInvalidRequest},
		{"invalid role", "u-owner", "u-admin", models.Role(9), apperr.ErrInvalidRequest},
		{"unknown member", "u-owner", "u-nobody", models.RoleViewer, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedProject(f)
			err := f.projects().ChangeRole(context.Background(), as(tt.caller), "p1", tt.target, tt.role)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addUser("u-editor", "editor@example.com")
	f.store.addMember("u-editor", "p1", models.RoleEditor)
	svc := f.projects()

	assert.ErrorIs(t, svc.RemoveMember(context.Background(), as("u-editor"), "p1", "u-viewer"), apperr.ErrAuthorization)
	assert.ErrorIs(t, svc.RemoveMember(context.Background(), as("u-admin"), "p1", "u-owner"), apperr.ErrInvalidRequest)
	assert.ErrorIs(t, svc.RemoveMember(context.Background(), as("u-admin"), "p1", "u-nobody"), apperr.ErrNotFound)

	require.NoError(t, svc.RemoveMember(context.Background(), as("u-admin"), "p1", "u-viewer"))
	assert.Equal(t, models.Role(0), role(t, f, "u-viewer", "p1"))

	f.flushAudit(t)
	assert.Equal(t, []string{audit.ActionMemberRemoved}, f.audit.actions())
}

func TestRemoveMember_SimulationDoesNotWiden(t *testing.T) {
	f := newFixture()
	seedProject(f)
	sess, err := session.Authenticate("u-super", "").EnterImpersonation("u-super", "p1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.projects().RemoveMember(context.Background(), sess, "p1", "u-viewer"), apperr.ErrAuthorization)
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.projects()

	assert.ErrorIs(t, svc.TransferOwnership(context.Background(), as("u-admin"), "p1", "u-viewer"), apperr.ErrAuthorization)
	assert.ErrorIs(t, svc.TransferOwnership(context.Background(), as("u-owner"), "p1", "u-owner"), apperr.ErrInvalidRequest)
	assert.ErrorIs(t, svc.TransferOwnership(context.Background(), as("u-owner"), "p1", "u-nobody"), apperr.ErrNotFound)

	require.NoError(t, svc.TransferOwnership(context.Background(), as("u-owner"), "p1", "u-viewer"))
	assert.Equal(t, models.RoleOwner, role(t, f, "u-viewer", "p1"))
	assert.Equal(t, models.RoleAdmin, role(t, f, "u-owner", "p1"))

	// The former owner can no longer transfer.
	assert.ErrorIs(t, svc.TransferOwnership(context.Background(), as("u-owner"), "p1", "u-admin"), apperr.ErrAuthorization)
}

func TestDeleteProject(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.projects()

	assert.ErrorIs(t, svc.DeleteProject(context.Background(), as("u-admin"), "p1"), apperr.ErrAuthorization)
	require.NoError(t, svc.DeleteProject(context.Background(), as("u-owner"), "p1"))

	p, _ := f.store.GetProjectByID(context.Background(), "p1")
	assert.False(t, p.Enabled)

	// Every action in a disabled project is denied, the owner's included.
	err := f.engine.EnforcePermission(context.Background(), "u-owner", "p1", auth.ActionProjectRead)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	f.flushAudit(t)
	assert.Equal(t, []string{audit.ActionProjectDeleted}, f.audit.actions())
}
