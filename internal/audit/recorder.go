package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/safego"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// Audited actions.
const (
	ActionLogin                = "auth.login"
	ActionLogout               = "auth.logout"
	ActionProjectSwitched      = "session.project_switched"
	ActionImpersonationStarted = "impersonation.started"
	ActionImpersonationEnded   = "impersonation.ended"
	ActionProjectCreated       = "project.created"
	ActionProjectDeleted       = "project.deleted"
	ActionOwnershipTransferred = "project.ownership_transferred"
	ActionMemberAdded          = "member.added"
	ActionMemberRoleChanged    = "member.role_changed"
	ActionMemberRemoved        = "member.removed"
	ActionInvitationIssued     = "invitation.issued"
	ActionInvitationResent     = "invitation.resent"
	ActionInvitationRevoked    = "invitation.revoked"
	ActionInvitationAccepted   = "invitation.accepted"
)

const writeTimeout = 5 * time.Second

// Event describes one privileged action.
type Event struct {
	UserID       string
	ProjectID    string
	Action       string
	ResourceType string
	ResourceID   string
	ResourceName string
	Metadata     map[string]interface{}
	// IPAddress and UserAgent default to the values attached to the
	// request context by WithRequestInfo.
	IPAddress string
	UserAgent string
}

// Writer persists audit rows.
type Writer interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder appends audit records. Recording is best-effort: it never blocks
// or fails the operation being audited. Failures are logged and counted.
type Recorder struct {
	writer  Writer
	shipper Shipper
	tasks   safego.Group
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(writer Writer, shipper Shipper) *Recorder {
	return &Recorder{writer: writer, shipper: shipper}
}

// Record queues e for persistence and shipping. The write runs detached from
// ctx's cancellation so a client disconnect cannot drop the record.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if info, ok := requestInfoFrom(ctx); ok {
		if e.IPAddress == "" {
			e.IPAddress = info.IPAddress
		}
		if e.UserAgent == "" {
			e.UserAgent = info.UserAgent
		}
	}

	row := &models.AuditLog{
		UserID:       optional(e.UserID),
		ProjectID:    optional(e.ProjectID),
		Action:       e.Action,
		ResourceType: optional(e.ResourceType),
		ResourceID:   optional(e.ResourceID),
		ResourceName: optional(e.ResourceName),
		Metadata:     e.Metadata,
		IPAddress:    optional(e.IPAddress),
		UserAgent:    optional(e.UserAgent),
		CreatedAt:    time.Now(),
	}

	detached := context.WithoutCancel(ctx)
	r.tasks.Go("audit.record", func() {
		ctx, cancel := context.WithTimeout(detached, writeTimeout)
		defer cancel()

		if err := r.writer.CreateAuditLog(ctx, row); err != nil {
			telemetry.AuditWriteFailuresTotal.Inc()
			slog.Error("failed to write audit log", "action", row.Action, "error", err)
			return
		}
		if r.shipper != nil {
			// MultiShipper logs and counts its own failures.
			_ = r.shipper.Ship(ctx, toEntry(row))
		}
	})
}

// Wait blocks until queued records have been written or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	return r.tasks.Wait(ctx)
}

func toEntry(l *models.AuditLog) *LogEntry {
	return &LogEntry{
		ID:           l.ID,
		Timestamp:    l.CreatedAt,
		Action:       l.Action,
		UserID:       deref(l.UserID),
		ProjectID:    deref(l.ProjectID),
		ResourceType: deref(l.ResourceType),
		ResourceID:   deref(l.ResourceID),
		ResourceName: deref(l.ResourceName),
		IPAddress:    deref(l.IPAddress),
		UserAgent:    deref(l.UserAgent),
		Metadata:     l.Metadata,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

type requestInfoKey struct{}

type requestInfo struct {
	IPAddress string
	UserAgent string
}

// WithRequestInfo attaches the client address and user agent to ctx so
// records made further down the call chain carry them.
func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, requestInfo{IPAddress: ip, UserAgent: userAgent})
}

func requestInfoFrom(ctx context.Context) (requestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(requestInfo)
	return info, ok
}
