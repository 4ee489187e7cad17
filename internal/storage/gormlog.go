package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQuery is the duration after which an audit query is logged as slow.
const DefaultSlowQuery = 200 * time.Millisecond

// QueryLogger reports GORM activity through slog: failed statements at
// error level, slow ones at warn level, everything else at debug level.
// Missing records are not errors for the audit trail.
type QueryLogger struct {
	logger *slog.Logger
	slow   time.Duration
	level  gormlogger.LogLevel
}

// NewQueryLogger returns a GORM logger writing to logger.
func NewQueryLogger(logger *slog.Logger, slow time.Duration) *QueryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if slow <= 0 {
		slow = DefaultSlowQuery
	}
	return &QueryLogger{logger: logger.With(slog.String("component", "storage")), slow: slow, level: gormlogger.Warn}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *QueryLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "audit query failed",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow audit query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("duration", elapsed),
		)
	case l.logger.Enabled(ctx, slog.LevelDebug):
		sql, rows := fc()
		l.logger.DebugContext(ctx, "audit query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("duration", elapsed),
		)
	}
}

var _ gormlogger.Interface = (*QueryLogger)(nil)
