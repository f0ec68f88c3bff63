package repositories

import (
	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db"
)

// mapWriteError turns constraint violations into Conflict errors so races that
// slip past application checks fail loudly instead of duplicating rows.
func mapWriteError(err error, conflictMsg string) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, err, conflictMsg)
	}
	return db.StoreError(err)
}
