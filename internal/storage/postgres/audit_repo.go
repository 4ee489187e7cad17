package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/codexec/internal/security"
	"github.com/jkaninda/codexec/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts a single audit event. This is the only write method.
func (r *ExecutionRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toExecutionModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution audit event: %w", err)
	}
	return nil
}

// Recent returns the latest events, newest first.
func (r *ExecutionRepository) Recent(ctx context.Context, limit int) ([]security.AuditEvent, error) {
	return r.Query(ctx, storage.ExecutionFilter{Limit: limit})
}

// Query returns events matching filter, newest first. Limit defaults to 100.
func (r *ExecutionRepository) Query(ctx context.Context, filter storage.ExecutionFilter) ([]security.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(filter)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying execution audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
