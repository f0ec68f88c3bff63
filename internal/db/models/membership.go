// Package models - membership.go defines the binding of one user to one project
// with exactly one role, plus the joined views used by listing endpoints.
package models

import "time"

// Membership represents a user's role in a project. (UserID, ProjectID) is unique.
type Membership struct {
	UserID    string    `db:"user_id" json:"user_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Role      Role      `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MemberWithUser includes user details for the project members listing
type MemberWithUser struct {
	Membership
	UserEmail string  `db:"user_email" json:"user_email"`
	UserName  string  `db:"user_name" json:"user_name"`
	AvatarURL *string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// UserMembership includes project details for a user's membership
type UserMembership struct {
	ProjectID      string    `db:"project_id" json:"project_id"`
	ProjectName    string    `db:"project_name" json:"project_name"`
	ProjectEnabled bool      `db:"project_enabled" json:"project_enabled"`
	Role           Role      `db:"role" json:"role"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
