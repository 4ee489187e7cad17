// Package postgres keeps the execution audit trail in PostgreSQL through
// GORM. The models and the execution repository are shared with the SQLite
// backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/codexec/internal/storage"
)

// Pool bounds the connections a codexec instance keeps open. Zero fields
// take the defaults applied by withDefaults.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (p Pool) withDefaults() Pool {
	if p.MaxOpen <= 0 {
		p.MaxOpen = 25
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = 5
	}
	if p.MaxIdle > p.MaxOpen {
		p.MaxIdle = p.MaxOpen
	}
	if p.MaxLifetime <= 0 {
		p.MaxLifetime = 30 * time.Minute
	}
	if p.MaxIdleTime <= 0 {
		p.MaxIdleTime = 10 * time.Minute
	}
	return p
}

// Config describes the audit database.
type Config struct {
	DSN  string
	Pool Pool
	// SlowQuery is the threshold for slow-query warnings.
	SlowQuery time.Duration
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu         sync.Mutex
	executions storage.ExecutionStore
}

// Open connects to PostgreSQL and checks the connection within ctx. Tables
// are created by Migrate.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      storage.NewQueryLogger(logger, cfg.SlowQuery),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pool := cfg.Pool.withDefaults()
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpen)
	sqlDB.SetMaxIdleConns(pool.MaxIdle)
	sqlDB.SetConnMaxLifetime(pool.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.MaxIdleTime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reaching postgres: %w", err)
	}

	logger.Info("audit store connected",
		slog.String("driver", storage.DriverPostgres),
		slog.Int("max_open_conns", pool.MaxOpen),
		slog.Int("max_idle_conns", pool.MaxIdle),
	)
	return &Store{db: db, logger: logger}, nil
}

// Migrate creates or updates the audit tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating audit tables: %w", err)
	}
	return nil
}

// Ping checks that the database answers, for readiness probes.
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

func (s *Store) Driver() string { return storage.DriverPostgres }

// Executions returns the append-only execution repository.
func (s *Store) Executions() storage.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = NewExecutionRepository(s.db)
	}
	return s.executions
}

var _ storage.Store = (*Store)(nil)
