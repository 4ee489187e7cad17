package security

import "context"

// AuditStore is an append-only store for audit events.
// No update or delete methods — immutability enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
}

// AuditReader lists recorded events, newest first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
}
