package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/session"
)

func (f *fixture) invitations() *InvitationService {
	return NewInvitationService(
		f.engine, f.store, f.store, f.store, f.store, f.mail, f.recorder,
		&config.InvitationsConfig{TTLDays: 7, AcceptPath: "/invitations/accept"},
		"https://prism.example.com/",
	)
}

// seedProject creates project p1 owned by u-owner with an admin and a viewer.
func seedProject(f *fixture) {
	f.store.addProject("p1", true)
	f.store.addUser("u-owner", "owner@example.com")
	f.store.addUser("u-admin", "admin@example.com")
	f.store.addUser("u-viewer", "viewer@example.com")
	f.store.addMember("u-owner", "p1", models.RoleOwner)
	f.store.addMember("u-admin", "p1", models.RoleAdmin)
	f.store.addMember("u-viewer", "p1", models.RoleViewer)
}

func as(userID string) session.Session {
	return session.Authenticate(userID, "p1")
}

func TestIssue_CreatesAndDelivers(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{
		ProjectID: "p1", Email: " Bob@Example.com ", Role: models.RoleEditor,
	})
	require.NoError(t, err)

	assert.Equal(t, "bob@example.com", inv.InvitedEmail)
	assert.Equal(t, models.RoleEditor, inv.Role)
	assert.Equal(t, now.Add(7*24*time.Hour), inv.ExpiresAt)
	assert.GreaterOrEqual(t, len(inv.Token), 43, "token carries 32 random bytes")
	require.NotNil(t, inv.InvitedBy)
	assert.Equal(t, "u-admin", *inv.InvitedBy)

	require.Equal(t, 1, f.mail.count())
	msg := f.mail.msgs[0]
	assert.Equal(t, "bob@example.com", msg.To)
	assert.Equal(t, "Project p1", msg.ProjectName)
	assert.Equal(t, "admin", msg.InviterName)
	u, err := url.Parse(msg.AcceptURL)
	require.NoError(t, err)
	assert.Equal(t, "/invitations/accept", u.Path)
	assert.Equal(t, inv.Token, u.Query().Get("token"))

	f.flushAudit(t)
	assert.Equal(t, []string{audit.ActionInvitationIssued}, f.audit.actions())
}

func TestIssue_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		req    IssueRequest
		kind   apperr.Kind
	}{
		{"viewer lacks members:invite", "u-viewer", IssueRequest{"p1", "bob@example.com", models.RoleViewer}, apperr.Authorization},
		{"non-member", "u-stranger", IssueRequest{"p1", "bob@example.com", models.RoleViewer}, apperr.Authorization},
		{"bad email", "u-admin", IssueRequest{"p1", "not-an-email", models.RoleViewer}, apperr.InvalidRequest},
		{"display name form", "u-admin", IssueRequest{"p1", "Bob <bob@example.com>", models.RoleViewer}, apperr.InvalidRequest},
		{"invalid role", "u-admin", IssueRequest{"p1", "bob@example.com", 0}, apperr.InvalidRequest},
		{"owner role", "u-owner", IssueRequest{"p1", "bob@example.com", models.RoleOwner}, apperr.InvalidRequest},
		{"existing member", "u-admin", IssueRequest{"p1", "VIEWER@example.com", models.RoleEditor}, apperr.Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedProject(f)
			_, err := f.invitations().Issue(context.Background(), as(tt.caller), tt.req)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, 0, f.mail.count())
		})
	}
}

func TestIssue_DuplicatePendingConflicts(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()

	_, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), as("u-owner"), IssueRequest{"p1", "bob@example.com", models.RoleEditor})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestIssue_ExpiredPendingIsReplaced(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	svc.now = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }

	old, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)

	svc.now = time.Now
	fresh, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleEditor})
	require.NoError(t, err)
	assert.NotEqual(t, old.Token, fresh.Token)

	gone, _ := f.store.GetInvitationByID(context.Background(), old.ID)
	assert.Nil(t, gone)
}

func TestIssue_DeliveryFailureDoesNotFail(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.mail.err = errors.New("smtp down")

	inv, err := f.invitations().Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ID)
}

func TestIssue_SimulatingSuperAdminIsAttributed(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addUser("u-super", "root@platform.example.com")

	sess, err := session.Authenticate("u-super", "").EnterImpersonation("u-super", "p1")
	require.NoError(t, err)

	inv, err := f.invitations().Issue(context.Background(), sess, IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)
	assert.Equal(t, "u-super", *inv.InvitedBy)

	f.flushAudit(t)
	require.Len(t, f.audit.rows, 1)
	row := f.audit.rows[0]
	assert.Equal(t, "u-super", *row.UserID)
	assert.Equal(t, "u-super", row.Metadata["original_user_id"])
	assert.Equal(t, "p1", row.Metadata["simulated_project_id"])
}

func TestResend(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)

	later := start.Add(5 * 24 * time.Hour)
	svc.now = func() time.Time { return later }
	resent, err := svc.Resend(context.Background(), as("u-owner"), inv.ID)
	require.NoError(t, err)

	assert.Equal(t, inv.Token, resent.Token, "resend keeps the token")
	assert.Equal(t, later.Add(7*24*time.Hour), resent.ExpiresAt)
	stored, _ := f.store.GetInvitationByID(context.Background(), inv.ID)
	assert.Equal(t, resent.ExpiresAt, stored.ExpiresAt)
	assert.Equal(t, 2, f.mail.count())
}

func TestResend_Rejections(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addUser("u-editor", "editor@example.com")
	f.store.addMember("u-editor", "p1", models.RoleEditor)
	svc := f.invitations()

	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)

	_, err = svc.Resend(context.Background(), as("u-admin"), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Resend(context.Background(), as("u-editor"), inv.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	f.store.addUser("u-bob", "bob@example.com")
	_, err = svc.Accept(context.Background(), as("u-bob"), inv.Token)
	require.NoError(t, err)

	_, err = svc.Resend(context.Background(), as("u-admin"), inv.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyAccepted)
}

func TestResend_SimulationDoesNotWiden(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)

	sess, err := session.Authenticate("u-super", "").EnterImpersonation("u-super", "p1")
	require.NoError(t, err)
	_, err = svc.Resend(context.Background(), sess, inv.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestRevoke(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleViewer})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Revoke(context.Background(), as("u-viewer"), inv.ID), apperr.ErrAuthorization)
	require.NoError(t, svc.Revoke(context.Background(), as("u-owner"), inv.ID))
	assert.ErrorIs(t, svc.Revoke(context.Background(), as("u-owner"), inv.ID), apperr.ErrNotFound)

	f.store.addUser("u-bob", "bob@example.com")
	_, err = svc.Accept(context.Background(), as("u-bob"), inv.Token)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	f.flushAudit(t)
	assert.Contains(t, f.audit.actions(), audit.ActionInvitationRevoked)
}

func TestList(t *testing.T) {
	f := newFixture()
	seedProject(f)
	svc := f.invitations()
	_, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "a@example.com", models.RoleViewer})
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "b@example.com", models.RoleEditor})
	require.NoError(t, err)

	list, err := svc.List(context.Background(), as("u-admin"), "p1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.List(context.Background(), as("u-viewer"), "p1")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestAccept_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture, svc *InvitationService, inv *models.Invitation) (userID, token string)
		target error
	}{
		{"empty token", func(f *fixture, _ *InvitationService, _ *models.Invitation) (string, string) {
			return "u-bob", "  "
		}, apperr.ErrInvalidToken},
		{"unknown token", func(f *fixture, _ *InvitationService, _ *models.Invitation) (string, string) {
			return "u-bob", "does-not-exist"
		}, apperr.ErrInvalidToken},
		{"expired", func(f *fixture, svc *InvitationService, inv *models.Invitation) (string, string) {
			svc.now = func() time.Time { return inv.ExpiresAt.Add(time.Second) }
			return "u-bob", inv.Token
		}, apperr.ErrExpired},
		{"email mismatch", func(f *fixture, _ *InvitationService, inv *models.Invitation) (string, string) {
			f.store.addUser("u-mallory", "mallory@example.com")
			return "u-mallory", inv.Token
		}, apperr.ErrEmailMismatch},
		{"already accepted", func(f *fixture, svc *InvitationService, inv *models.Invitation) (string, string) {
			_, err := svc.Accept(context.Background(), as("u-bob"), inv.Token)
			if err != nil {
				panic(err)
			}
			return "u-bob", inv.Token
		}, apperr.ErrAlreadyAccepted},
		{"disabled project", func(f *fixture, _ *InvitationService, inv *models.Invitation) (string, string) {
			f.store.addProject("p1", false)
			return "u-bob", inv.Token
		}, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			seedProject(f)
			f.store.addUser("u-bob", "BOB@example.com")
			svc := f.invitations()
			inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleEditor})
			require.NoError(t, err)

			before := f.store.membershipCount("p1")
			userID, token := tt.setup(f, svc, inv)
			if tt.target == apperr.ErrAlreadyAccepted {
				before = f.store.membershipCount("p1")
			}

			_, err = svc.Accept(context.Background(), as(userID), token)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, before, f.store.membershipCount("p1"), "no membership may be created")
		})
	}
}

func TestAccept_RequiresSession(t *testing.T) {
	f := newFixture()
	_, err := f.invitations().Accept(context.Background(), session.Session{}, "tok")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	_, err = f.invitations().Accept(context.Background(), as("ghost"), "tok")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestAccept_ConcurrentRedemptionsYieldOneMembership(t *testing.T) {
	f := newFixture()
	seedProject(f)
	f.store.addUser("u-bob", "bob@example.com")
	svc := f.invitations()
	inv, err := svc.Issue(context.Background(), as("u-admin"), IssueRequest{"p1", "bob@example.com", models.RoleEditor})
	require.NoError(t, err)
	before := f.store.membershipCount("p1")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Accept(context.Background(), as("u-bob"), inv.Token)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAlreadyAccepted)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, before+1, f.store.membershipCount("p1"))
}

// Owner U1 invites bob as editor; bob signs up and accepts; bob may not
// delete dashboards while U1 may.
func TestInvitationScenario(t *testing.T) {
	f := newFixture()
	f.store.addProject("p", true)
	f.store.addUser("u1", "u1@example.com")
	f.store.addMember("u1", "p", models.RoleOwner)
	svc := f.invitations()

	inv, err := svc.Issue(context.Background(), session.Authenticate("u1", "p"),
		IssueRequest{ProjectID: "p", Email: "bob@x.com", Role: models.RoleEditor})
	require.NoError(t, err)

	f.store.addUser("u-bob", "bob@x.com")
	m, err := svc.Accept(context.Background(), session.Authenticate("u-bob", ""), inv.Token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleEditor, m.Role)
	assert.Equal(t, 2, f.store.membershipCount("p"))

	err = f.engine.EnforcePermission(context.Background(), "u-bob", "p", auth.ActionDashboardDelete)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.NoError(t, f.engine.EnforcePermission(context.Background(), "u1", "p", auth.ActionDashboardDelete))

	f.flushAudit(t)
	assert.ElementsMatch(t, []string{audit.ActionInvitationIssued, audit.ActionInvitationAccepted}, f.audit.actions())
}

func TestAcceptLink(t *testing.T) {
	f := newFixture()
	svc := f.invitations()
	assert.Equal(t, "https://prism.example.com/invitations/accept?token=a%2Bb", svc.AcceptLink("a+b"))
}
