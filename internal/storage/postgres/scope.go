package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/codexec/internal/storage"
)

// FilterScope returns a GORM scope applying the non-zero fields of f.
func FilterScope(f storage.ExecutionFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Result != "" {
			db = db.Where("result = ?", f.Result)
		}
		if f.ErrorKind != "" {
			db = db.Where("error_kind = ?", f.ErrorKind)
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since)
		}
		return db
	}
}
