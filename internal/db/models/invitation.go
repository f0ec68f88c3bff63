// Package models - invitation.go defines the Invitation model: a time-limited,
// single-redemption token granting a role in a project to one email address.
package models

import "time"

// Invitation represents a pending, accepted or expired project invitation
type Invitation struct {
	ID           string     `db:"id" json:"id"`
	ProjectID    string     `db:"project_id" json:"project_id"`
	InvitedEmail string     `db:"invited_email" json:"invited_email"`
	Role         Role       `db:"role" json:"role"`
	Token        string     `db:"token" json:"-"`
	InvitedBy    *string    `db:"invited_by" json:"invited_by,omitempty"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	AcceptedAt   *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// IsAccepted reports whether the invitation has been redeemed.
func (i *Invitation) IsAccepted() bool {
	return i.AcceptedAt != nil
}

// IsExpired reports whether now is past the expiry.
func (i *Invitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
