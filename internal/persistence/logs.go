package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/agentfs/internal/shared"
)

// logRow is the internal shape handed to appendLogTx. Level defaults to
// info when empty.
type logRow struct {
	TaskID  string
	AgentID string
	Action  string
	Domain  string
	Message string
	Data    string
	Level   LogLevel
}

// appendLogTx appends one audit row inside the caller's transaction, so log
// and state change commit or roll back together. The message is passed
// through the secret redactor; agents paste raw tool output into failure
// messages and progress notes.
func (s *Store) appendLogTx(ctx context.Context, tx *sql.Tx, row logRow) error {
	level := row.Level
	if level == "" {
		level = LevelInfo
	}
	if !ValidLevel(level) {
		return &ValidationError{Field: "level", Reason: "unknown level " + string(level)}
	}

	traceID := sql.NullString{}
	if id := shared.TraceID(ctx); id != "" && id != "-" {
		traceID = sql.NullString{String: id, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, agent_id, action, domain, message, data, level, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, nullString(row.TaskID), row.AgentID, row.Action, row.Domain,
		shared.Redact(row.Message), nullString(row.Data), level, traceID); err != nil {
		return fmt.Errorf("append log row: %w", err)
	}
	return nil
}

// LogAction appends a free-form audit entry outside any task lifecycle
// operation. Agents use it to narrate multi-step work between the
// structural rows the lifecycle operations write themselves.
func (s *Store) LogAction(ctx context.Context, row LogEntry) error {
	if err := requireField("agent_id", row.AgentID); err != nil {
		return err
	}
	if err := requireField("action", row.Action); err != nil {
		return err
	}
	if err := requireField("domain", row.Domain); err != nil {
		return err
	}
	if row.Level != "" && !ValidLevel(row.Level) {
		return &ValidationError{Field: "level", Reason: "unknown level " + string(row.Level)}
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin log tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  row.TaskID,
			AgentID: row.AgentID,
			Action:  row.Action,
			Domain:  row.Domain,
			Message: row.Message,
			Data:    row.Data,
			Level:   row.Level,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, row.AgentID, row.Action); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const logColumns = `log_id, task_id, agent_id, action, domain, message, data, level, trace_id, created_at`

// TaskLogs returns the audit trail for one task, newest first.
func (s *Store) TaskLogs(ctx context.Context, taskID string, limit int) ([]LogEntry, error) {
	if err := requireField("task_id", taskID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultLogLimit
	}
	return s.queryLogs(ctx, `
		SELECT `+logColumns+` FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at DESC, log_id DESC
		LIMIT ?;
	`, taskID, limit)
}

// DomainLogs returns recent audit entries across a whole domain, newest
// first, optionally filtered to one level.
func (s *Store) DomainLogs(ctx context.Context, domain string, level LogLevel, limit int) ([]LogEntry, error) {
	if err := requireField("domain", domain); err != nil {
		return nil, err
	}
	if level != "" && !ValidLevel(level) {
		return nil, &ValidationError{Field: "level", Reason: "unknown level " + string(level)}
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultLogLimit
	}

	if level != "" {
		return s.queryLogs(ctx, `
			SELECT `+logColumns+` FROM task_logs
			WHERE domain = ? AND level = ?
			ORDER BY created_at DESC, log_id DESC
			LIMIT ?;
		`, domain, level, limit)
	}
	return s.queryLogs(ctx, `
		SELECT `+logColumns+` FROM task_logs
		WHERE domain = ?
		ORDER BY created_at DESC, log_id DESC
		LIMIT ?;
	`, domain, limit)
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		var taskID, data, traceID sql.NullString
		if err := rows.Scan(
			&entry.LogID, &taskID, &entry.AgentID, &entry.Action, &entry.Domain,
			&entry.Message, &data, &entry.Level, &traceID, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		entry.TaskID = taskID.String
		entry.Data = data.String
		entry.TraceID = traceID.String
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}
	return out, nil
}

// PruneLogs deletes audit rows older than the retention window. Zero or
// negative days keeps everything.
func (s *Store) PruneLogs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_logs
			WHERE created_at < datetime('now', ?);
		`, fmt.Sprintf("-%d days", days))
		if err != nil {
			return fmt.Errorf("prune logs: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}
