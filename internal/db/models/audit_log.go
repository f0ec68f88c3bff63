// Package models - audit_log.go defines the AuditLog model for recording privileged
// actions, capturing actor, project, affected resource, client IP and user agent.
// Records are append-only.
package models

import "time"

// AuditLog represents an audit log entry for tracking user actions
type AuditLog struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id,omitempty"` // Nullable for system actions
	ProjectID    *string                `json:"project_id,omitempty"`
	Action       string                 `json:"action"` // "invitation.accepted", "member.removed", "auth.login"
	ResourceType *string                `json:"resource_type,omitempty"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	ResourceName *string                `json:"resource_name,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"` // JSONB: additional context
	IPAddress    *string                `json:"ip_address,omitempty"`
	UserAgent    *string                `json:"user_agent,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
