// Package auth - permissions.go defines the project-scoped action constants and
// the static role → action matrix consulted by the permission Engine.
package auth

import (
	"fmt"
	"sort"

	"github.com/prism-analytics/prism/internal/db/models"
)

// Action is a namespaced verb of the form "resource:verb".
type Action string

const (
	// Dashboard actions
	ActionDashboardRead   Action = "dashboard:read"
	ActionDashboardCreate Action = "dashboard:create"
	ActionDashboardUpdate Action = "dashboard:update"
	ActionDashboardDelete Action = "dashboard:delete"

	// Report actions
	ActionReportRead   Action = "report:read"
	ActionReportCreate Action = "report:create"
	ActionReportUpdate Action = "report:update"
	ActionReportDelete Action = "report:delete"

	// Segment actions
	ActionSegmentRead   Action = "segment:read"
	ActionSegmentCreate Action = "segment:create"
	ActionSegmentUpdate Action = "segment:update"
	ActionSegmentDelete Action = "segment:delete"

	// Project actions
	ActionProjectRead   Action = "project:read"
	ActionProjectUpdate Action = "project:update"

	// Membership actions
	ActionMembersRead   Action = "members:read"
	ActionMembersInvite Action = "members:invite" // Issue and list invitations
	ActionMembersManage Action = "members:manage" // Change member roles

	// Audit log actions
	ActionAuditRead Action = "audit:read"
)

// grants lists the actions each role adds on top of the role below it.
// Building the matrix cumulatively keeps every role a superset of the
// roles beneath it.
var grants = []struct {
	role    models.Role
	actions []Action
}{
	{models.RoleViewer, []Action{
		ActionDashboardRead, ActionReportRead, ActionSegmentRead,
		ActionProjectRead, ActionMembersRead,
	}},
	{models.RoleEditor, []Action{
		ActionDashboardCreate, ActionDashboardUpdate,
		ActionReportCreate, ActionReportUpdate,
		ActionSegmentCreate, ActionSegmentUpdate,
	}},
	{models.RoleAdmin, []Action{
		ActionDashboardDelete, ActionReportDelete, ActionSegmentDelete,
		ActionProjectUpdate,
		ActionMembersInvite, ActionMembersManage,
		ActionAuditRead,
	}},
	{models.RoleOwner, nil},
}

var matrix = buildMatrix()

func buildMatrix() map[models.Role]map[Action]struct{} {
	m := make(map[models.Role]map[Action]struct{}, len(grants))
	acc := map[Action]struct{}{}
	for _, g := range grants {
		for _, a := range g.actions {
			acc[a] = struct{}{}
		}
		set := make(map[Action]struct{}, len(acc))
		for a := range acc {
			set[a] = struct{}{}
		}
		m[g.role] = set
	}
	return m
}

// AllActions returns every action known to the matrix, sorted.
func AllActions() []Action {
	return RolePermissions(models.RoleOwner)
}

// RolePermissions returns the sorted set of actions granted to role.
// Unknown roles are granted nothing.
func RolePermissions(role models.Role) []Action {
	set := matrix[role]
	out := make([]Action, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleAllows reports whether role is granted action.
func RoleAllows(role models.Role, action Action) bool {
	_, ok := matrix[role][action]
	return ok
}

// ParseAction validates s against the known actions.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := matrix[models.RoleOwner][a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Operation names a policy decision that is not expressible as a matrix
// action because it depends on the exact role rather than a minimum.
type Operation string

const (
	OpTransferOwnership Operation = "project:transfer"
	OpDeleteProject     Operation = "project:delete"
	OpRemoveMember      Operation = "members:remove"
	OpResendInvitation  Operation = "invitations:resend"
	OpRevokeInvitation  Operation = "invitations:revoke"
)

// restricted is the second policy layer: each operation lists the only roles
// that may perform it.
var restricted = map[Operation][]models.Role{
	OpTransferOwnership: {models.RoleOwner},
	OpDeleteProject:     {models.RoleOwner},
	OpRemoveMember:      {models.RoleOwner, models.RoleAdmin},
	OpResendInvitation:  {models.RoleOwner, models.RoleAdmin},
	OpRevokeInvitation:  {models.RoleOwner, models.RoleAdmin},
}

// OperationAllows reports whether role is on the allow-list for op.
func OperationAllows(role models.Role, op Operation) bool {
	for _, r := range restricted[op] {
		if r == role {
			return true
		}
	}
	return false
}
