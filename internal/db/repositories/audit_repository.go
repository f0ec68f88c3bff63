// audit_repository.go implements AuditRepository. The audit log is append-only:
// the repository exposes inserts and filtered reads, never updates or deletes.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewAuditRepository creates a new AuditRepository. Every call is bounded by queryTimeout.
func NewAuditRepository(sqlDB *sql.DB, queryTimeout time.Duration) *AuditRepository {
	return &AuditRepository{db: sqlDB, timeout: queryTimeout}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	UserID       *string
	ProjectID    *string
	Action       *string
	ResourceType *string
	StartDate    *time.Time
	EndDate      *time.Time
}

const auditColumns = `id, user_id, project_id, action, resource_type, resource_id, resource_name, metadata, ip_address, user_agent, created_at`

// CreateAuditLog appends an audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now()

	var metadataJSON []byte
	var err error
	if log.Metadata != nil {
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
	}

	query := `INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	return db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			log.ID,
			log.UserID,
			log.ProjectID,
			log.Action,
			log.ResourceType,
			log.ResourceID,
			log.ResourceName,
			metadataJSON,
			log.IPAddress,
			log.UserAgent,
			log.CreatedAt,
		)
		return err
	})
}

// ListAuditLogs retrieves audit logs with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)

	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filters.UserID != nil {
		add("user_id = $%d", *filters.UserID)
	}
	if filters.ProjectID != nil {
		add("project_id = $%d", *filters.ProjectID)
	}
	if filters.Action != nil {
		add("action = $%d", *filters.Action)
	}
	if filters.ResourceType != nil {
		add("resource_type = $%d", *filters.ResourceType)
	}
	if filters.StartDate != nil {
		add("created_at >= $%d", *filters.StartDate)
	}
	if filters.EndDate != nil {
		add("created_at <= $%d", *filters.EndDate)
	}

	var (
		total int
		logs  []*models.AuditLog
	)
	err := db.Bound(ctx, r.timeout, func(ctx context.Context) error {
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
			return err
		}

		query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		logs, err = scanAuditLogs(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func scanAuditLogs(rows *sql.Rows) ([]*models.AuditLog, error) {
	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var metadataJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.UserID,
			&log.ProjectID,
			&log.Action,
			&log.ResourceType,
			&log.ResourceID,
			&log.ResourceName,
			&metadataJSON,
			&log.IPAddress,
			&log.UserAgent,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, err
			}
		}

		logs = append(logs, log)
	}
	return logs, rows.Err()
}
