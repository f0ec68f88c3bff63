package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/notify"
)

// memStore is an in-memory stand-in for the repositories. It keeps the same
// guarantees the SQL implementations get from their constraints and
// transactions: one membership per (user, project), one pending invitation
// per (project, email), and a compare-and-set on acceptance.
type memStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	projects    map[string]*models.Project
	memberships map[[2]string]*models.Membership
	invitations map[string]*models.Invitation
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*models.User{},
		projects:    map[string]*models.Project{},
		memberships: map[[2]string]*models.Membership{},
		invitations: map[string]*models.Invitation{},
	}
}

func (s *memStore) addUser(id, email string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &models.User{ID: id, Email: email, Name: strings.Split(email, "@")[0]}
	s.users[id] = u
	return u
}

func (s *memStore) addProject(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = &models.Project{ID: id, Name: "Project " + id, Enabled: enabled}
}

func (s *memStore) addMember(userID, projectID string, role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[[2]string{userID, projectID}] = &models.Membership{UserID: userID, ProjectID: projectID, Role: role}
}

func (s *memStore) membershipCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.memberships {
		if k[1] == projectID {
			n++
		}
	}
	return n
}

// UserStore

func (s *memStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id], nil
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, nil
}

// MembershipStore

func (s *memStore) GetMembership(_ context.Context, userID, projectID string) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[[2]string{userID, projectID}]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) ListProjectMembers(_ context.Context, projectID string) ([]models.MemberWithUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.MemberWithUser{}
	for k, m := range s.memberships {
		if k[1] != projectID {
			continue
		}
		u := s.users[m.UserID]
		mw := models.MemberWithUser{Membership: *m}
		if u != nil {
			mw.UserEmail, mw.UserName = u.Email, u.Name
		}
		out = append(out, mw)
	}
	return out, nil
}

func (s *memStore) ListUserMemberships(_ context.Context, userID string) ([]models.UserMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.UserMembership{}
	for k, m := range s.memberships {
		if k[0] != userID {
			continue
		}
		p := s.projects[k[1]]
		out = append(out, models.UserMembership{ProjectID: p.ID, ProjectName: p.Name, ProjectEnabled: p.Enabled, Role: m.Role})
	}
	return out, nil
}

func (s *memStore) AddMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{m.UserID, m.ProjectID}
	if _, ok := s.memberships[k]; ok {
		return apperr.New(apperr.Conflict, "user is already a member of this project")
	}
	m.CreatedAt = time.Now()
	cp := *m
	s.memberships[k] = &cp
	return nil
}

func (s *memStore) UpdateRole(_ context.Context, userID, projectID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[[2]string{userID, projectID}]
	if !ok || m.Role == models.RoleOwner {
		return apperr.New(apperr.NotFound, "member not found")
	}
	m.Role = role
	return nil
}

func (s *memStore) RemoveMembership(_ context.Context, userID, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{userID, projectID}
	m, ok := s.memberships[k]
	if !ok || m.Role == models.RoleOwner {
		return apperr.New(apperr.NotFound, "member not found")
	}
	delete(s.memberships, k)
	return nil
}

// ProjectStore

func (s *memStore) GetProjectByID(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreateProjectWithOwner(_ context.Context, p *models.Project, ownerID string) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.New().String()
	p.Enabled = true
	s.projects[p.ID] = p
	m := &models.Membership{UserID: ownerID, ProjectID: p.ID, Role: models.RoleOwner}
	s.memberships[[2]string{ownerID, p.ID}] = m
	return m, nil
}

func (s *memStore) DisableProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return apperr.New(apperr.NotFound, "project not found")
	}
	p.Enabled = false
	return nil
}

func (s *memStore) TransferOwnership(_ context.Context, projectID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.memberships[[2]string{from, projectID}]
	if !ok || old.Role != models.RoleOwner {
		return apperr.New(apperr.NotFound, "current owner not found")
	}
	next, ok := s.memberships[[2]string{to, projectID}]
	if !ok {
		return apperr.New(apperr.NotFound, "member not found")
	}
	old.Role = models.RoleAdmin
	next.Role = models.RoleOwner
	return nil
}

// InvitationStore

func (s *memStore) CreateInvitation(_ context.Context, inv *models.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.invitations {
		if other.ProjectID != inv.ProjectID || !strings.EqualFold(other.InvitedEmail, inv.InvitedEmail) || other.IsAccepted() {
			continue
		}
		if other.IsExpired(time.Now()) {
			delete(s.invitations, id)
			continue
		}
		return apperr.New(apperr.Conflict, "a pending invitation already exists for this email")
	}
	inv.ID = uuid.New().String()
	inv.CreatedAt = time.Now()
	cp := *inv
	s.invitations[inv.ID] = &cp
	return nil
}

func (s *memStore) GetInvitationByID(_ context.Context, id string) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) GetInvitationByToken(_ context.Context, token string) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invitations {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListPendingInvitations(_ context.Context, projectID string) ([]models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Invitation{}
	for _, inv := range s.invitations {
		if inv.ProjectID == projectID && !inv.IsAccepted() {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) ExtendExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok || inv.IsAccepted() {
		return apperr.New(apperr.AlreadyAccepted, "")
	}
	inv.ExpiresAt = expiresAt
	return nil
}

func (s *memStore) DeleteInvitation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok || inv.IsAccepted() {
		return apperr.New(apperr.NotFound, "invitation not found")
	}
	delete(s.invitations, id)
	return nil
}

func (s *memStore) AcceptInvitation(_ context.Context, inv *models.Invitation, userID string) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.invitations[inv.ID]
	if stored == nil || stored.IsAccepted() {
		return nil, apperr.New(apperr.AlreadyAccepted, "")
	}
	k := [2]string{userID, inv.ProjectID}
	if _, exists := s.memberships[k]; exists {
		return nil, apperr.New(apperr.Conflict, "user is already a member of this project")
	}
	now := time.Now()
	stored.AcceptedAt = &now
	m := &models.Membership{UserID: userID, ProjectID: inv.ProjectID, Role: inv.Role, CreatedAt: now}
	s.memberships[k] = m
	return m, nil
}

// Audit capture

type auditRows struct {
	mu   sync.Mutex
	rows []*models.AuditLog
}

func (a *auditRows) CreateAuditLog(_ context.Context, l *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, l)
	return nil
}

func (a *auditRows) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, r.Action)
	}
	return out
}

// Notifications capture

type sentMail struct {
	mu   sync.Mutex
	msgs []notify.Invitation
	err  error
}

func (m *sentMail) NotifyInvitation(_ context.Context, inv notify.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, inv)
	return m.err
}

func (m *sentMail) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type fixture struct {
	store    *memStore
	mail     *sentMail
	audit    *auditRows
	recorder *audit.Recorder
	engine   *auth.Engine
}

func newFixture() *fixture {
	store := newMemStore()
	rows := &auditRows{}
	return &fixture{
		store:    store,
		mail:     &sentMail{},
		audit:    rows,
		recorder: audit.NewRecorder(rows, nil),
		engine:   auth.NewEngine(store, store, models.RoleAdmin, auth.NewSuperAdmins([]string{"root@platform.example.com"}).Checker(store)),
	}
}

func (f *fixture) flushAudit(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.recorder.Wait(ctx))
}
