// membership_repository.go implements MembershipRepository, the store behind
// every permission lookup: one role per (user, project) pair.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// MembershipRepository handles membership database operations
type MembershipRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMembershipRepository creates a new MembershipRepository. Every call is
// bounded by queryTimeout.
func NewMembershipRepository(sqlxDB *sqlx.DB, queryTimeout time.Duration) *MembershipRepository {
	return &MembershipRepository{db: sqlxDB, timeout: queryTimeout}
}

// GetMembership returns the user's membership in the project, or nil when none exists.
func (r *MembershipRepository) GetMembership(ctx context.Context, userID, projectID string) (*models.Membership, error) {
	query := `SELECT user_id, project_id, role, created_at FROM memberships WHERE user_id = $1 AND project_id = $2`

	var m models.Membership
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &m, query, userID, projectID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMostRecentMembership returns the user's newest membership in an enabled
// project, used to pick a default active project at login.
func (r *MembershipRepository) GetMostRecentMembership(ctx context.Context, userID string) (*models.Membership, error) {
	query := `
		SELECT m.user_id, m.project_id, m.role, m.created_at
		FROM memberships m
		JOIN projects p ON p.id = m.project_id
		WHERE m.user_id = $1 AND p.enabled = true
		ORDER BY m.created_at DESC
		LIMIT 1
	`

	var m models.Membership
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &m, query, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListUserMemberships returns every project the user belongs to, newest first.
func (r *MembershipRepository) ListUserMemberships(ctx context.Context, userID string) ([]models.UserMembership, error) {
	query := `
		SELECT p.id AS project_id, p.name AS project_name, p.enabled AS project_enabled, m.role, m.created_at
		FROM memberships m
		JOIN projects p ON p.id = m.project_id
		WHERE m.user_id = $1
		ORDER BY m.created_at DESC
	`

	memberships := []models.UserMembership{}
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &memberships, query, userID)
	})
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

// ListProjectMembers returns the project's members with their user details.
func (r *MembershipRepository) ListProjectMembers(ctx context.Context, projectID string) ([]models.MemberWithUser, error) {
	query := `
		SELECT m.user_id, m.project_id, m.role, m.created_at,
		       u.email AS user_email, u.name AS user_name, u.avatar_url
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.project_id = $1
		ORDER BY m.created_at ASC
	`

	members := []models.MemberWithUser{}
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &members, query, projectID)
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// AddMembership inserts a membership. A second row for the same (user, project)
// fails with a Conflict error.
func (r *MembershipRepository) AddMembership(ctx context.Context, m *models.Membership) error {
	m.CreatedAt = time.Now()
	query := `INSERT INTO memberships (user_id, project_id, role, created_at) VALUES ($1, $2, $3, $4)`
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, m.UserID, m.ProjectID, m.Role, m.CreatedAt)
		return mapWriteError(err, "user is already a member of this project")
	})
}

// UpdateRole changes a member's role. Owner rows are never touched here;
// ownership only moves through ProjectRepository.TransferOwnership.
func (r *MembershipRepository) UpdateRole(ctx context.Context, userID, projectID string, role models.Role) error {
	query := `UPDATE memberships SET role = $3 WHERE user_id = $1 AND project_id = $2 AND role <> 'owner'`
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, userID, projectID, role)
		if err != nil {
			return mapWriteError(err, "project already has an owner")
		}
		return requireOneRow(result, "member not found")
	})
}

// RemoveMembership deletes a non-owner membership.
func (r *MembershipRepository) RemoveMembership(ctx context.Context, userID, projectID string) error {
	query := `DELETE FROM memberships WHERE user_id = $1 AND project_id = $2 AND role <> 'owner'`
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, userID, projectID)
		if err != nil {
			return err
		}
		return requireOneRow(result, "member not found")
	})
}
