// invitation_repository.go implements InvitationRepository. Acceptance is a
// compare-and-set on accepted_at plus the membership insert, committed together
// so that racing redemptions of one token yield exactly one membership.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// InvitationRepository handles invitation database operations
type InvitationRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInvitationRepository creates a new InvitationRepository. Every call is
// bounded by queryTimeout.
func NewInvitationRepository(sqlxDB *sqlx.DB, queryTimeout time.Duration) *InvitationRepository {
	return &InvitationRepository{db: sqlxDB, timeout: queryTimeout}
}

const invitationColumns = `id, project_id, invited_email, role, token, invited_by, expires_at, accepted_at, created_at`

// CreateInvitation stores a new invitation. Expired, unaccepted invitations for
// the same (project, email) are cleared first; a still-valid pending one makes
// the insert fail with Conflict.
func (r *InvitationRepository) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	inv.ID = uuid.New().String()
	inv.CreatedAt = time.Now()

	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM invitations
				WHERE project_id = $1 AND LOWER(invited_email) = LOWER($2)
				  AND accepted_at IS NULL AND expires_at < $3`,
				inv.ProjectID, inv.InvitedEmail, inv.CreatedAt)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO invitations (`+invitationColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				inv.ID, inv.ProjectID, inv.InvitedEmail, inv.Role, inv.Token,
				inv.InvitedBy, inv.ExpiresAt, inv.AcceptedAt, inv.CreatedAt)
			return mapWriteError(err, "a pending invitation already exists for this email")
		})
	})
}

func (r *InvitationRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Invitation, error) {
	var inv models.Invitation
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &inv, `SELECT `+invitationColumns+` FROM invitations WHERE `+where, arg)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvitationByID retrieves an invitation by ID
func (r *InvitationRepository) GetInvitationByID(ctx context.Context, id string) (*models.Invitation, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetInvitationByToken retrieves an invitation by its redemption token
func (r *InvitationRepository) GetInvitationByToken(ctx context.Context, token string) (*models.Invitation, error) {
	return r.getOne(ctx, "token = $1", token)
}

// ListPendingInvitations returns the project's unaccepted invitations, expired ones included.
func (r *InvitationRepository) ListPendingInvitations(ctx context.Context, projectID string) ([]models.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE project_id = $1 AND accepted_at IS NULL
		ORDER BY created_at DESC`

	invitations := []models.Invitation{}
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &invitations, query, projectID)
	})
	if err != nil {
		return nil, err
	}
	return invitations, nil
}

// ExtendExpiry pushes a pending invitation's expiry to expiresAt.
func (r *InvitationRepository) ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx,
			`UPDATE invitations SET expires_at = $2 WHERE id = $1 AND accepted_at IS NULL`, id, expiresAt)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.AlreadyAccepted, "")
		}
		return nil
	})
}

// DeleteInvitation revokes a pending invitation. Accepted invitations are kept as history.
func (r *InvitationRepository) DeleteInvitation(ctx context.Context, id string) error {
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx,
			`DELETE FROM invitations WHERE id = $1 AND accepted_at IS NULL`, id)
		if err != nil {
			return err
		}
		return requireOneRow(result, "invitation not found")
	})
}

// AcceptInvitation marks the invitation accepted and creates the membership in
// one transaction. The accepted_at IS NULL guard makes every concurrent loser
// fail with AlreadyAccepted; a pre-existing membership fails with Conflict and
// leaves the invitation unaccepted.
func (r *InvitationRepository) AcceptInvitation(ctx context.Context, inv *models.Invitation, userID string) (*models.Membership, error) {
	now := time.Now()
	membership := &models.Membership{
		UserID:    userID,
		ProjectID: inv.ProjectID,
		Role:      inv.Role,
		CreatedAt: now,
	}

	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
			result, err := tx.ExecContext(ctx,
				`UPDATE invitations SET accepted_at = $2 WHERE id = $1 AND accepted_at IS NULL`,
				inv.ID, now)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return apperr.New(apperr.AlreadyAccepted, "")
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO memberships (user_id, project_id, role, created_at) VALUES ($1, $2, $3, $4)`,
				membership.UserID, membership.ProjectID, membership.Role, membership.CreatedAt)
			return mapWriteError(err, "user is already a member of this project")
		})
	})
	if err != nil {
		return nil, err
	}

	inv.AcceptedAt = &now
	return membership, nil
}
