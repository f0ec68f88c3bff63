// project_repository.go implements ProjectRepository: project lookup, creation
// together with the creator's owner membership, soft deletion, and the
// transactional ownership handover.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// ProjectRepository handles project database operations
type ProjectRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewProjectRepository creates a new ProjectRepository. Every call, including
// a whole transaction, is bounded by queryTimeout.
func NewProjectRepository(sqlxDB *sqlx.DB, queryTimeout time.Duration) *ProjectRepository {
	return &ProjectRepository{db: sqlxDB, timeout: queryTimeout}
}

// GetProjectByID retrieves a project by ID, returning nil when it does not exist.
func (r *ProjectRepository) GetProjectByID(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT id, name, enabled, created_at, updated_at FROM projects WHERE id = $1`

	var p models.Project
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &p, query, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProjectWithOwner inserts the project and the creator's owner membership
// in one transaction.
func (r *ProjectRepository) CreateProjectWithOwner(ctx context.Context, project *models.Project, ownerID string) (*models.Membership, error) {
	now := time.Now()
	project.ID = uuid.New().String()
	project.Enabled = true
	project.CreatedAt = now
	project.UpdatedAt = now

	membership := &models.Membership{
		UserID:    ownerID,
		ProjectID: project.ID,
		Role:      models.RoleOwner,
		CreatedAt: now,
	}

	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO projects (id, name, enabled, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
				project.ID, project.Name, project.Enabled, project.CreatedAt, project.UpdatedAt)
			if err != nil {
				return mapWriteError(err, "project already exists")
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO memberships (user_id, project_id, role, created_at) VALUES ($1, $2, $3, $4)`,
				membership.UserID, membership.ProjectID, membership.Role, membership.CreatedAt)
			return mapWriteError(err, "membership already exists")
		})
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// DisableProject marks a project disabled. Projects are never hard deleted.
func (r *ProjectRepository) DisableProject(ctx context.Context, id string) error {
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx,
			`UPDATE projects SET enabled = false, updated_at = $2 WHERE id = $1`, id, time.Now())
		if err != nil {
			return err
		}
		return requireOneRow(result, "project not found")
	})
}

// TransferOwnership demotes the current owner to admin and promotes the target
// member to owner atomically. The target must already be a member.
func (r *ProjectRepository) TransferOwnership(ctx context.Context, projectID, fromUserID, toUserID string) error {
	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
			result, err := tx.ExecContext(ctx,
				`UPDATE memberships SET role = $3 WHERE project_id = $1 AND user_id = $2 AND role = $4`,
				projectID, fromUserID, models.RoleAdmin, models.RoleOwner)
			if err != nil {
				return fmt.Errorf("failed to demote owner: %w", err)
			}
			if err := requireOneRow(result, "current owner not found"); err != nil {
				return err
			}

			result, err = tx.ExecContext(ctx,
				`UPDATE memberships SET role = $3 WHERE project_id = $1 AND user_id = $2`,
				projectID, toUserID, models.RoleOwner)
			if err != nil {
				return mapWriteError(err, "project already has an owner")
			}
			return requireOneRow(result, "member not found")
		})
	})
}

func requireOneRow(result sql.Result, notFoundMsg string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, notFoundMsg)
	}
	return nil
}
