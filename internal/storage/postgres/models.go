package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// ExecutionModel maps to the "execution_audit" table.
// No UpdatedAt or DeletedAt: the audit trail is append-only and immutable.
type ExecutionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID string    `gorm:"not null;index"`
	UserID      string    `gorm:"index"`
	Action      string    `gorm:"not null"`
	Result      string    `gorm:"not null;index"`
	ErrorKind   string    `gorm:"index"`
	Error       string    `gorm:"type:text"`
	CodeSHA256  string    `gorm:"size:64;index"`
	Violations  JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	Policy      string
	Target      string
	ToolCalls   int
	DurationMS  int64
	CreatedAt   time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "execution_audit" }

// Models lists every table, in migration order.
func Models() []any {
	return []any{&ExecutionModel{}}
}
