// Package models - project.go defines the Project model, the tenant boundary that
// every membership, invitation and permission check is scoped to.
package models

import "time"

// Project represents a tenant workspace
type Project struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
