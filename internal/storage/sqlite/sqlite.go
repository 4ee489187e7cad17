// Package sqlite keeps the execution audit trail in a single SQLite file,
// by default under the workspace data directory. It runs on the pure-Go
// glebarez/sqlite driver and shares its models and repository with the
// PostgreSQL backend.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/codexec/internal/storage"
	pgstore "github.com/jkaninda/codexec/internal/storage/postgres"
)

const (
	defaultJournalMode = "wal"
	defaultBusyTimeout = 5 * time.Second
)

// Config describes the audit database file.
type Config struct {
	Path string
	// JournalMode is the SQLite journal_mode pragma. Default: "wal", which
	// lets probes and /v1/executions read while executions append.
	JournalMode string
	// BusyTimeout is how long a writer waits for the file lock.
	BusyTimeout time.Duration
	SlowQuery   time.Duration
}

// dsn appends the connection pragmas to the file path.
func (c Config) dsn() string {
	journal := c.JournalMode
	if journal == "" {
		journal = defaultJournalMode
	}
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", journal))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

// Store implements storage.Store on SQLite.
type Store struct {
	db   *gorm.DB
	path string

	mu         sync.Mutex
	executions storage.ExecutionStore
}

// Open opens or creates the database file, creating its directory when
// missing. Call Migrate before use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  storage.NewQueryLogger(logger, cfg.SlowQuery),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", cfg.Path, err)
	}

	logger.Info("audit store opened",
		slog.String("driver", storage.DriverSQLite),
		slog.String("path", cfg.Path),
	)
	return &Store{db: db, path: cfg.Path}, nil
}

// Migrate creates or updates the audit tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating audit tables: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Executions returns the execution repository. GORM's SQLite dialect runs
// the same queries as PostgreSQL.
func (s *Store) Executions() storage.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = pgstore.NewExecutionRepository(s.db)
	}
	return s.executions
}

var _ storage.Store = (*Store)(nil)
