// Package persistence implements the shared task graph: a sqlite-backed
// store of tasks and their append-only audit log, safe for any number of
// disconnected agent processes to mutate concurrently. Every lifecycle
// operation is a single transaction that checks current state, writes the
// new state, and appends exactly one log row; the status column itself is
// the mutual-exclusion token for claims.
package persistence

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentfs/internal/bus"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionLatest  = 1
	schemaChecksumLatest = "afs-v1-2026-08-30-task-graph"

	// DefaultPriority is assigned when a caller omits priority.
	// Lower value = served earlier (1=critical, 2=high, 3=normal, 4=low).
	DefaultPriority = 3

	defaultListLimit    = 100
	defaultPendingLimit = 20
	defaultLogLimit     = 50

	// ClearConfirmToken must be passed verbatim to ClearDomain. A fixed
	// literal, not a capability: it guards against accidental destructive
	// calls, not malicious ones.
	ClearConfirmToken = "DELETE_ALL_AGENT_TASKS"
)

// TaskStatus is the task state machine. The status column is the only
// lock-like object in the system: a claim succeeds iff the transactional
// pending->in_progress update touches exactly one row.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"
)

// ValidStatus reports whether s is one of the five declared statuses.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// LogLevel is the severity of an audit log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ValidLevel reports whether l is a declared log level.
func ValidLevel(l LogLevel) bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Task is one unit of work in the shared graph. Payload and Result are
// opaque JSON blobs; the store never branches on their contents — the
// contract is strictly between producer and consumer.
type Task struct {
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Domain          string     `json:"domain"`
	Project         string     `json:"project,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        int        `json:"priority"`
	CreatedBy       string     `json:"created_by"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	CompletedBy     string     `json:"completed_by,omitempty"`
	Payload         string     `json:"payload,omitempty"`
	Result          string     `json:"result,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	BlockedBy       []string   `json:"blocked_by"`
	Blocks          []string   `json:"blocks"`
	ProgressPercent *int       `json:"progress_percent,omitempty"`
	ProgressNotes   string     `json:"progress_notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// LogEntry is one row of the append-only audit trail. Nothing in this
// package updates or deletes a row once written.
type LogEntry struct {
	LogID     int64     `json:"log_id"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Domain    string    `json:"domain"`
	Message   string    `json:"message"`
	Data      string    `json:"data,omitempty"`
	Level     LogLevel  `json:"level"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the sqlite database. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns ~/.agentfs/agentfs.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentfs", "agentfs.db")
}

// Open opens (creating if needed) the store at path. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			domain TEXT NOT NULL,
			project TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'blocked', 'completed', 'cancelled')),
			priority INTEGER NOT NULL DEFAULT 3,
			created_by TEXT NOT NULL,
			assigned_to TEXT,
			completed_by TEXT,
			payload JSON,
			result JSON,
			error_message TEXT,
			blocked_by JSON NOT NULL DEFAULT '[]',
			blocks JSON NOT NULL DEFAULT '[]',
			progress_percent INTEGER,
			progress_notes TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			log_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			domain TEXT NOT NULL,
			message TEXT NOT NULL,
			data JSON,
			level TEXT NOT NULL CHECK(level IN ('debug', 'info', 'warn', 'error')),
			trace_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			last_action TEXT,
			tasks_created INTEGER NOT NULL DEFAULT 0,
			tasks_claimed INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task_id TEXT NOT NULL,
			title TEXT NOT NULL,
			domain TEXT NOT NULL,
			project TEXT,
			priority INTEGER NOT NULL DEFAULT 3,
			payload JSON,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_domain_status ON tasks(domain, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_domain ON task_logs(domain, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_level ON task_logs(level, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout. Claim races between agent processes land here under load.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateTaskID returns "task_" + 12 random base36 characters. Opaque;
// caller-supplied ids from UpsertTask share the same namespace.
func generateTaskID() string {
	buf := make([]byte, 12)
	if _, err := crand.Read(buf); err != nil {
		return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	b := make([]byte, 0, len("task_")+12)
	b = append(b, "task_"...)
	for _, c := range buf {
		b = append(b, taskIDAlphabet[int(c)%len(taskIDAlphabet)])
	}
	return string(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
