// Package storage defines the persistence interface for the execution audit
// trail. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (shared deployments).
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/codexec/internal/security"
)

// Store is the persistence interface. Both SQLite and PostgreSQL backends
// implement it.
type Store interface {
	// Executions returns the execution audit repository.
	Executions() ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionStore is the append-only audit trail of executions.
// No update or delete methods exist.
type ExecutionStore interface {
	security.AuditStore
	security.AuditReader
	Query(ctx context.Context, filter ExecutionFilter) ([]security.AuditEvent, error)
}

// ExecutionFilter narrows Query. Zero fields match everything.
type ExecutionFilter struct {
	UserID    string
	Result    string
	ErrorKind string
	Since     time.Time
	Limit     int // Default: 100.
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
