// Package models - user.go defines the User model. A user is created on first
// OAuth login and matched on later logins by email, compared case-insensitively.
package models

import "time"

// User represents a platform account
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
