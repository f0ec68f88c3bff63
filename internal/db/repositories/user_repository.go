// Package repositories implements the data access layer (repository pattern) for prism.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers and services never issue SQL directly; all database access goes through this layer.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewUserRepository creates a new UserRepository. Every call is bounded by queryTimeout.
func NewUserRepository(sqlDB *sql.DB, queryTimeout time.Duration) *UserRepository {
	return &UserRepository{db: sqlDB, timeout: queryTimeout}
}

const userColumns = `id, email, name, avatar_url, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser creates a new user
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	query := `
		INSERT INTO users (id, email, name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			user.ID,
			user.Email,
			user.Name,
			user.AvatarURL,
			user.CreatedAt,
			user.UpdatedAt,
		)
		return mapWriteError(err, "a user with this email already exists")
	})
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, userID)
}

// GetUserByEmail retrieves a user by email. The match is exact but case-insensitive,
// so "Bob@Example.com" finds the row stored as "bob@example.com".
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return r.getOne(ctx, query, email)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var user *models.User
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		var err error
		user, err = scanUser(r.db.QueryRowContext(ctx, query, arg))
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateProfile refreshes the name and avatar of an existing user. Empty values
// never overwrite what is already stored.
func (r *UserRepository) UpdateProfile(ctx context.Context, user *models.User, name string, avatarURL *string) (bool, error) {
	changed := false
	if name != "" && name != user.Name {
		user.Name = name
		changed = true
	}
	if avatarURL != nil && *avatarURL != "" && (user.AvatarURL == nil || *user.AvatarURL != *avatarURL) {
		v := *avatarURL
		user.AvatarURL = &v
		changed = true
	}
	if !changed {
		return false, nil
	}

	user.UpdatedAt = time.Now()
	query := `
		UPDATE users
		SET name = $2, avatar_url = $3, updated_at = $4
		WHERE id = $1
	`
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, user.ID, user.Name, user.AvatarURL, user.UpdatedAt)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
