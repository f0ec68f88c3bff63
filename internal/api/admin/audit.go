// audit.go implements the project audit log query endpoint.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/db/repositories"
	"github.com/prism-analytics/prism/internal/middleware"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
	maxAuditPage         = 10000
)

// AuditLister reads audit records.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// AuditHandlers handles audit log endpoints
type AuditHandlers struct {
	logs AuditLister
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(logs AuditLister) *AuditHandlers {
	return &AuditHandlers{logs: logs}
}

// @Summary      List audit logs
// @Description  Lists a project's audit records, newest first. Requires audit:read, checked by middleware.
// @Tags         Audit
// @Produce      json
// @Param        projectId      path   string  true   "Project ID"
// @Param        user_id        query  string  false  "Filter by acting user"
// @Param        action         query  string  false  "Filter by action, e.g. invitation.accepted"
// @Param        resource_type  query  string  false  "Filter by resource type"
// @Param        start_date     query  string  false  "RFC3339 lower bound"
// @Param        end_date       query  string  false  "RFC3339 upper bound"
// @Param        page           query  int     false  "Page number (default: 1)"
// @Param        per_page       query  int     false  "Items per page (default: 50, max: 200)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/projects/{projectId}/audit-logs [get]
// ListAuditLogsHandler lists audit logs for a project
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param(middleware.ProjectIDParam)
		filters := repositories.AuditFilters{ProjectID: &projectID}

		if v := c.Query("user_id"); v != "" {
			filters.UserID = &v
		}
		if v := c.Query("action"); v != "" {
			filters.Action = &v
		}
		if v := c.Query("resource_type"); v != "" {
			filters.ResourceType = &v
		}
		var err error
		if filters.StartDate, err = parseTimeParam(c, "start_date"); err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if filters.EndDate, err = parseTimeParam(c, "end_date"); err != nil {
			middleware.AbortWithError(c, err)
			return
		}

		page, perPage := pagination(c)
		logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			middleware.AbortWithError(c, db.StoreError(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.New(apperr.InvalidRequest, name+" must be an RFC3339 timestamp")
	}
	return &t, nil
}

// pagination reads page and per_page, clamping them to sane bounds.
func pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	if page > maxAuditPage {
		page = maxAuditPage
	}
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultAuditPageSize)))
	if perPage < 1 {
		perPage = defaultAuditPageSize
	}
	if perPage > maxAuditPageSize {
		perPage = maxAuditPageSize
	}
	return page, perPage
}
