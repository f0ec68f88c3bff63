// Package services coordinates the permission engine, the repositories, the
// audit recorder and outbound notifications for operations that span several
// of them: the invitation ledger and project membership administration.
//
// Every operation takes the caller's session, resolves authorization first,
// and only then touches the store. Successful mutations are audited; audit
// failures never fail the operation.
package services

import (
	"context"
	"time"

	"github.com/prism-analytics/prism/internal/db/models"
)

// UserStore is the part of the user repository the services read.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// MembershipStore is the part of the membership repository the services use.
type MembershipStore interface {
	GetMembership(ctx context.Context, userID, projectID string) (*models.Membership, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]models.MemberWithUser, error)
	ListUserMemberships(ctx context.Context, userID string) ([]models.UserMembership, error)
	AddMembership(ctx context.Context, m *models.Membership) error
	UpdateRole(ctx context.Context, userID, projectID string, role models.Role) error
	RemoveMembership(ctx context.Context, userID, projectID string) error
}

// ProjectStore is the part of the project repository the services use.
type ProjectStore interface {
	GetProjectByID(ctx context.Context, id string) (*models.Project, error)
	CreateProjectWithOwner(ctx context.Context, project *models.Project, ownerID string) (*models.Membership, error)
	DisableProject(ctx context.Context, id string) error
	TransferOwnership(ctx context.Context, projectID, fromUserID, toUserID string) error
}

// InvitationStore is the invitation repository.
type InvitationStore interface {
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	GetInvitationByID(ctx context.Context, id string) (*models.Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error)
	ListPendingInvitations(ctx context.Context, projectID string) ([]models.Invitation, error)
	ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error
	DeleteInvitation(ctx context.Context, id string) error
	AcceptInvitation(ctx context.Context, inv *models.Invitation, userID string) (*models.Membership, error)
}
