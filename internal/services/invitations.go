package services

import (
	"context"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/crypto"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/notify"
	"github.com/prism-analytics/prism/internal/session"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// invitationTokenBytes is the entropy of an invitation token before encoding.
const invitationTokenBytes = 32

// InvitationService is the invitation ledger: it issues, resends, revokes and
// redeems invitation tokens.
type InvitationService struct {
	engine      *auth.Engine
	invitations InvitationStore
	memberships MembershipStore
	projects    ProjectStore
	users       UserStore
	notifier    notify.Notifier
	recorder    *audit.Recorder

	ttl       time.Duration
	acceptURL string
	now       func() time.Time
}

// NewInvitationService creates an InvitationService. publicURL and cfg
// determine the link placed in invitation emails.
func NewInvitationService(
	engine *auth.Engine,
	invitations InvitationStore,
	memberships MembershipStore,
	projects ProjectStore,
	users UserStore,
	notifier notify.Notifier,
	recorder *audit.Recorder,
	cfg *config.InvitationsConfig,
	publicURL string,
) *InvitationService {
	return &InvitationService{
		engine:      engine,
		invitations: invitations,
		memberships: memberships,
		projects:    projects,
		users:       users,
		notifier:    notifier,
		recorder:    recorder,
		ttl:         cfg.TTL(),
		acceptURL:   strings.TrimRight(publicURL, "/") + cfg.AcceptPath,
		now:         time.Now,
	}
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	ProjectID string
	Email     string
	Role      models.Role
}

// Issue creates a pending invitation and delivers the accept link. The caller
// needs members:invite in the project. Owner invitations are refused since
// ownership only moves through a transfer.
func (s *InvitationService) Issue(ctx context.Context, sess session.Session, req IssueRequest) (inv *models.Invitation, err error) {
	defer observe("issue", &err)

	if _, err := s.engine.Authorize(ctx, sess, req.ProjectID, auth.ActionMembersInvite); err != nil {
		return nil, err
	}

	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, apperr.New(apperr.InvalidRequest, "role must be one of viewer, editor, admin")
	}
	if req.Role == models.RoleOwner {
		return nil, apperr.New(apperr.InvalidRequest, "ownership cannot be granted by invitation")
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if existing != nil {
		m, err := s.memberships.GetMembership(ctx, existing.ID, req.ProjectID)
		if err != nil {
			return nil, db.StoreError(err)
		}
		if m != nil {
			return nil, apperr.New(apperr.Conflict, "this user is already a member of the project")
		}
	}

	token, err := crypto.GenerateSecret(invitationTokenBytes)
	if err != nil {
		return nil, err
	}
	inviter := sess.UserID()
	inv = &models.Invitation{
		ProjectID:    req.ProjectID,
		InvitedEmail: email,
		Role:         req.Role,
		Token:        token,
		InvitedBy:    &inviter,
		ExpiresAt:    s.now().Add(s.ttl),
	}
	if err := s.invitations.CreateInvitation(ctx, inv); err != nil {
		return nil, db.StoreError(err)
	}

	s.deliver(ctx, sess, inv)
	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    inv.ProjectID,
		Action:       audit.ActionInvitationIssued,
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		ResourceName: inv.InvitedEmail,
		Metadata:     withActor(sess, map[string]interface{}{"role": inv.Role.String()}),
	})
	return inv, nil
}

// Resend pushes the expiry of a pending invitation to now+TTL and delivers the
// link again. The token is unchanged. Only owners and admins may resend.
func (s *InvitationService) Resend(ctx context.Context, sess session.Session, invitationID string) (inv *models.Invitation, err error) {
	defer observe("resend", &err)

	inv, err = s.load(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.AuthorizeOperation(ctx, sess, inv.ProjectID, auth.OpResendInvitation); err != nil {
		return nil, err
	}
	if inv.IsAccepted() {
		return nil, apperr.ErrAlreadyAccepted
	}

	expiresAt := s.now().Add(s.ttl)
	if err := s.invitations.ExtendExpiry(ctx, inv.ID, expiresAt); err != nil {
		return nil, db.StoreError(err)
	}
	inv.ExpiresAt = expiresAt

	s.deliver(ctx, sess, inv)
	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    inv.ProjectID,
		Action:       audit.ActionInvitationResent,
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		ResourceName: inv.InvitedEmail,
		Metadata:     withActor(sess, nil),
	})
	return inv, nil
}

// Revoke deletes a pending invitation. Only owners and admins may revoke.
func (s *InvitationService) Revoke(ctx context.Context, sess session.Session, invitationID string) (err error) {
	defer observe("revoke", &err)

	inv, err := s.load(ctx, invitationID)
	if err != nil {
		return err
	}
	if _, err := s.engine.AuthorizeOperation(ctx, sess, inv.ProjectID, auth.OpRevokeInvitation); err != nil {
		return err
	}
	if inv.IsAccepted() {
		return apperr.ErrAlreadyAccepted
	}
	if err := s.invitations.DeleteInvitation(ctx, inv.ID); err != nil {
		return db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       sess.UserID(),
		ProjectID:    inv.ProjectID,
		Action:       audit.ActionInvitationRevoked,
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		ResourceName: inv.InvitedEmail,
		Metadata:     withActor(sess, nil),
	})
	return nil
}

// List returns the project's unaccepted invitations, expired ones included.
func (s *InvitationService) List(ctx context.Context, sess session.Session, projectID string) ([]models.Invitation, error) {
	if _, err := s.engine.Authorize(ctx, sess, projectID, auth.ActionMembersInvite); err != nil {
		return nil, err
	}
	invitations, err := s.invitations.ListPendingInvitations(ctx, projectID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return invitations, nil
}

// Accept redeems token for the signed-in user. The checks run in a fixed
// order: unknown token, expiry, email match, prior acceptance. The store then
// marks the invitation accepted and creates the membership in one
// transaction, so of several concurrent redemptions exactly one succeeds and
// the rest fail with AlreadyAccepted.
func (s *InvitationService) Accept(ctx context.Context, sess session.Session, token string) (m *models.Membership, err error) {
	defer observe("accept", &err)

	if !sess.IsAuthenticated() {
		return nil, apperr.ErrAuthentication
	}
	user, err := s.users.GetUserByID(ctx, sess.UserID())
	if err != nil {
		return nil, db.StoreError(err)
	}
	if user == nil {
		return nil, apperr.ErrAuthentication
	}
	return s.accept(ctx, token, user)
}

func (s *InvitationService) accept(ctx context.Context, token string, user *models.User) (*models.Membership, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.ErrInvalidToken
	}
	inv, err := s.invitations.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if inv == nil {
		return nil, apperr.ErrInvalidToken
	}
	if inv.IsExpired(s.now()) {
		return nil, apperr.ErrExpired
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), inv.InvitedEmail) {
		return nil, apperr.ErrEmailMismatch
	}
	if inv.IsAccepted() {
		return nil, apperr.ErrAlreadyAccepted
	}

	project, err := s.projects.GetProjectByID(ctx, inv.ProjectID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if project == nil || !project.Enabled {
		return nil, apperr.New(apperr.NotFound, "project not found")
	}

	m, err := s.invitations.AcceptInvitation(ctx, inv, user.ID)
	if err != nil {
		return nil, db.StoreError(err)
	}

	s.recorder.Record(ctx, audit.Event{
		UserID:       user.ID,
		ProjectID:    inv.ProjectID,
		Action:       audit.ActionInvitationAccepted,
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		ResourceName: inv.InvitedEmail,
		Metadata:     map[string]interface{}{"role": m.Role.String()},
	})
	return m, nil
}

func (s *InvitationService) load(ctx context.Context, invitationID string) (*models.Invitation, error) {
	if invitationID == "" {
		return nil, apperr.New(apperr.NotFound, "invitation not found")
	}
	inv, err := s.invitations.GetInvitationByID(ctx, invitationID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if inv == nil {
		return nil, apperr.New(apperr.NotFound, "invitation not found")
	}
	return inv, nil
}

// AcceptLink returns the URL an invitee opens to redeem token.
func (s *InvitationService) AcceptLink(token string) string {
	return s.acceptURL + "?token=" + url.QueryEscape(token)
}

// deliver sends the invitation email. Delivery is best-effort: a failure is
// logged and the invitation stays valid, so it can be resent.
func (s *InvitationService) deliver(ctx context.Context, sess session.Session, inv *models.Invitation) {
	msg := notify.Invitation{
		To:        inv.InvitedEmail,
		Role:      inv.Role.String(),
		AcceptURL: s.AcceptLink(inv.Token),
		ExpiresAt: inv.ExpiresAt,
	}
	if p, err := s.projects.GetProjectByID(ctx, inv.ProjectID); err == nil && p != nil {
		msg.ProjectName = p.Name
	}
	if u, err := s.users.GetUserByID(ctx, sess.UserID()); err == nil && u != nil {
		msg.InviterName = u.Name
	}

	if err := s.notifier.NotifyInvitation(ctx, msg); err != nil {
		slog.Warn("failed to deliver invitation", "invitation_id", inv.ID, "project_id", inv.ProjectID, "error", err)
	}
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", apperr.New(apperr.InvalidRequest, "a valid email address is required")
	}
	return strings.ToLower(addr.Address), nil
}

// withActor adds the simulation context to audit metadata when the caller is
// a super-admin acting inside a simulated project.
func withActor(sess session.Session, md map[string]interface{}) map[string]interface{} {
	if !sess.IsImpersonating() {
		return md
	}
	if md == nil {
		md = map[string]interface{}{}
	}
	md["original_user_id"] = sess.OriginalUserID()
	md["simulated_project_id"] = sess.SimulatedProjectID()
	return md
}

func observe(operation string, errp *error) {
	outcome := "success"
	if *errp != nil {
		outcome = apperr.KindOf(*errp).Code()
	}
	telemetry.InvitationsTotal.WithLabelValues(operation, outcome).Inc()
}
