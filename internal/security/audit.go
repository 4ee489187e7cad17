package security

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditEvent is a single entry in the append-only execution audit trail.
type AuditEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	ExecutionID string      `json:"execution_id"`
	UserID      string      `json:"user_id,omitempty"`
	Action      string      `json:"action"` // "validate" or "execute"
	Result      string      `json:"result"` // "success", "failure", "blocked"
	ErrorKind   string      `json:"error_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	CodeSHA256  string      `json:"code_sha256"`
	Violations  []Violation `json:"violations,omitempty"`
	Policy      string      `json:"policy,omitempty"` // "network" or "filesystem" when a policy denied the run
	Target      string      `json:"target,omitempty"` // attempted destination or path
	ToolCalls   int         `json:"tool_calls,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
}

// CodeDigest returns the hex SHA-256 of code, used to correlate audit rows
// without storing generated source.
func CodeDigest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// AuditLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// Append serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) Append(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("result", event.Result),
		slog.String("execution_id", event.ExecutionID),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// ReadAuditLog parses a JSONL audit log written by AuditLogger.
func ReadAuditLog(path string) ([]AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parsing audit log %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// MultiStore fans one event out to several stores. Every store is attempted;
// the joined error reports the ones that failed.
type MultiStore []AuditStore

func (m MultiStore) Append(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
