package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTaskParams are the inputs to CreateTask. Priority nil means
// DefaultPriority. BlockedBy is advisory at creation time: the new task is
// still born pending, and the dependency only gates it once a producer
// calls HoldTask (or the ids drain via the completion cascade).
type CreateTaskParams struct {
	Title       string
	Description string
	Domain      string
	Project     string
	Priority    *int
	CreatedBy   string
	Payload     string
	BlockedBy   []string
}

// TaskSpec is one item of a BulkCreateTasks batch. Dependency wiring is
// deliberately unavailable in bulk mode; it exists for seeding flat task
// lists, not graphs.
type TaskSpec struct {
	Title       string
	Description string
	Domain      string
	Project     string
	Priority    *int
	Payload     string
}

// UpsertTaskParams are the inputs to UpsertTask, the only operation that
// accepts a caller-chosen task_id. It exists so idempotent seeding jobs can
// re-run safely.
type UpsertTaskParams struct {
	TaskID      string
	Title       string
	Description string
	Domain      string
	Project     string
	Priority    int
	CreatedBy   string
	Payload     string
}

// UpsertResult reports which path UpsertTask took.
type UpsertResult struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"` // "created" or "updated"
}

func (p CreateTaskParams) validate() error {
	if err := requireField("title", p.Title); err != nil {
		return err
	}
	if err := requireField("domain", p.Domain); err != nil {
		return err
	}
	return requireField("created_by", p.CreatedBy)
}

func priorityOrDefault(p *int) int {
	if p == nil {
		return DefaultPriority
	}
	return *p
}

func marshalIDList(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalIDList(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// CreateTask registers a new unit of work with a generated id and
// status=pending, and appends a task_created log row in the same
// transaction.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	taskID := generateTaskID()
	priority := priorityOrDefault(p.Priority)

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				task_id, title, description, domain, project, status, priority,
				created_by, payload, blocked_by, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.Title, nullString(p.Description), p.Domain, nullString(p.Project),
			StatusPending, priority, p.CreatedBy, nullString(p.Payload), marshalIDList(p.BlockedBy)); err != nil {
			return mapInsertErr(err)
		}
		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: p.CreatedBy,
			Action:  "task_created",
			Domain:  p.Domain,
			Message: "Created task: " + p.Title,
			Data:    fmt.Sprintf(`{"priority":%d}`, priority),
			Level:   LevelInfo,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, p.CreatedBy, "task_created"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(busTopicTaskCreated, taskEventPayload(taskID, p.Domain, p.CreatedBy, StatusPending))
	return s.GetTask(ctx, taskID)
}

// BulkCreateTasks inserts the whole batch in one transaction, all pending,
// all with generated ids, and appends a single summary log row.
func (s *Store) BulkCreateTasks(ctx context.Context, specs []TaskSpec, createdBy string) ([]string, error) {
	if err := requireField("created_by", createdBy); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, &ValidationError{Field: "tasks", Reason: "must not be empty"}
	}
	for i, spec := range specs {
		if spec.Title == "" || spec.Domain == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("tasks[%d]", i), Reason: "title and domain are required"}
		}
	}

	ids := make([]string, 0, len(specs))
	err := retryOnBusy(ctx, 5, func() error {
		ids = ids[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, spec := range specs {
			taskID := generateTaskID()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					task_id, title, description, domain, project, status, priority,
					created_by, payload, created_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, taskID, spec.Title, nullString(spec.Description), spec.Domain, nullString(spec.Project),
				StatusPending, priorityOrDefault(spec.Priority), createdBy, nullString(spec.Payload)); err != nil {
				return mapInsertErr(err)
			}
			ids = append(ids, taskID)
		}

		if err := s.appendLogTx(ctx, tx, logRow{
			AgentID: createdBy,
			Action:  "bulk_tasks_created",
			Domain:  specs[0].Domain,
			Message: fmt.Sprintf("Created %d tasks", len(specs)),
			Data:    fmt.Sprintf(`{"count":%d}`, len(specs)),
			Level:   LevelInfo,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, createdBy, "bulk_tasks_created"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	for i, id := range ids {
		s.publish(busTopicTaskCreated, taskEventPayload(id, specs[i].Domain, createdBy, StatusPending))
	}
	return ids, nil
}

// UpsertTask patches the mutable fields of an existing task in place, or
// inserts a new pending task under the caller-chosen id. Calling it twice
// with the same id leaves exactly one row carrying the second call's
// values.
func (s *Store) UpsertTask(ctx context.Context, p UpsertTaskParams) (UpsertResult, error) {
	if err := requireField("task_id", p.TaskID); err != nil {
		return UpsertResult{}, err
	}
	if err := requireField("title", p.Title); err != nil {
		return UpsertResult{}, err
	}
	if err := requireField("domain", p.Domain); err != nil {
		return UpsertResult{}, err
	}
	if err := requireField("created_by", p.CreatedBy); err != nil {
		return UpsertResult{}, err
	}

	var result UpsertResult
	status := StatusPending
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, p.TaskID).Scan(&status)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET title = ?, description = ?, project = ?, priority = ?, payload = ?, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ?;
			`, p.Title, nullString(p.Description), nullString(p.Project), p.Priority, nullString(p.Payload), p.TaskID); err != nil {
				return fmt.Errorf("upsert update: %w", err)
			}
			result = UpsertResult{TaskID: p.TaskID, Action: "updated"}
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					task_id, title, description, domain, project, status, priority,
					created_by, payload, created_at, updated_at
				)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, p.TaskID, p.Title, nullString(p.Description), p.Domain, nullString(p.Project),
				StatusPending, p.Priority, p.CreatedBy, nullString(p.Payload)); err != nil {
				return mapInsertErr(err)
			}
			result = UpsertResult{TaskID: p.TaskID, Action: "created"}
		default:
			return fmt.Errorf("upsert lookup: %w", err)
		}

		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  p.TaskID,
			AgentID: p.CreatedBy,
			Action:  "task_upserted",
			Domain:  p.Domain,
			Message: fmt.Sprintf("Upserted task (%s): %s", result.Action, p.Title),
			Data:    fmt.Sprintf(`{"action":%q}`, result.Action),
			Level:   LevelInfo,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, p.CreatedBy, "task_upserted"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return UpsertResult{}, err
	}

	s.publish(busTopicTaskCreated, taskEventPayload(p.TaskID, p.Domain, p.CreatedBy, status))
	return result, nil
}

// ClaimTask transitions a pending task to in_progress and assigns it to
// agentID. If two agents race, the status-guarded update can only touch one
// row; the loser gets ErrInvalidStateTransition.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	if err := requireField("task_id", taskID); err != nil {
		return nil, err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return nil, err
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		var title, domain string
		if err := tx.QueryRowContext(ctx, `
			SELECT status, title, domain FROM tasks WHERE task_id = ?;
		`, taskID).Scan(&status, &title, &domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("claim %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for claim: %w", err)
		}
		if status != StatusPending {
			return fmt.Errorf("claim %s: status is %s, not pending: %w", taskID, status, ErrInvalidStateTransition)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, assigned_to = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = ?;
		`, StatusInProgress, agentID, time.Now().UTC(), taskID, StatusPending)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Another claim won between the read and the write.
			return fmt.Errorf("claim %s: lost claim race: %w", taskID, ErrInvalidStateTransition)
		}

		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "task_claimed",
			Domain:  domain,
			Message: "Agent claimed task: " + title,
			Level:   LevelInfo,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, agentID, "task_claimed"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(busTopicTaskClaimed, taskEventPayload(taskID, task.Domain, agentID, StatusInProgress))
	return task, nil
}

// UpdateProgress patches the two progress fields on any existing task,
// regardless of status. No ownership check: a claimed task belongs to its
// assigned_to by convention only.
func (s *Store) UpdateProgress(ctx context.Context, taskID, agentID string, percent *int, notes *string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return err
	}
	if percent != nil && (*percent < 0 || *percent > 100) {
		return &ValidationError{Field: "progress_percent", Reason: "must be between 0 and 100"}
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var domain string
		if err := tx.QueryRowContext(ctx, `SELECT domain FROM tasks WHERE task_id = ?;`, taskID).Scan(&domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("progress %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for progress: %w", err)
		}

		pctValue := sql.NullInt64{}
		if percent != nil {
			pctValue = sql.NullInt64{Int64: int64(*percent), Valid: true}
		}
		notesValue := sql.NullString{}
		if notes != nil {
			notesValue = sql.NullString{String: *notes, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET progress_percent = CASE WHEN ? THEN ? ELSE progress_percent END,
				progress_notes = CASE WHEN ? THEN ? ELSE progress_notes END,
				updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, pctValue.Valid, pctValue.Int64, notesValue.Valid, notesValue.String, taskID); err != nil {
			return fmt.Errorf("progress update: %w", err)
		}

		message := ""
		if notes != nil {
			message = *notes
		} else if percent != nil {
			message = fmt.Sprintf("Progress: %d%%", *percent)
		} else {
			message = "Progress updated"
		}
		data := "{}"
		if percent != nil {
			data = fmt.Sprintf(`{"percent":%d}`, *percent)
		}
		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "progress_updated",
			Domain:  domain,
			Message: message,
			Data:    data,
			Level:   LevelDebug,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, agentID, "progress_updated"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publishTaskEvent(ctx, busTopicTaskProgress, taskID, agentID)
	return nil
}

// CompleteTask marks the task completed and runs the dependency cascade
// over its blocks list inside the same transaction: each dependent loses
// the completed id from blocked_by, and a dependent whose blocked_by
// empties is promoted back to pending whatever its prior status was.
// The cascade is a single hop; transitive unblocking happens one
// completion at a time.
func (s *Store) CompleteTask(ctx context.Context, taskID, agentID, result string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return err
	}

	var domain string
	var unblocked []unblockedDependent
	err := retryOnBusy(ctx, 5, func() error {
		unblocked = unblocked[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var title, blocksRaw string
		if err := tx.QueryRowContext(ctx, `
			SELECT title, domain, blocks FROM tasks WHERE task_id = ?;
		`, taskID).Scan(&title, &domain, &blocksRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for complete: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, progress_percent = 100, completed_by = ?, completed_at = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, StatusCompleted, agentID, time.Now().UTC(), result != "", result, taskID); err != nil {
			return fmt.Errorf("complete update: %w", err)
		}

		logData := result
		if logData == "" {
			logData = "{}"
		}
		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "task_completed",
			Domain:  domain,
			Message: "Completed task: " + title,
			Data:    logData,
			Level:   LevelInfo,
		}); err != nil {
			return err
		}

		deps, err := s.cascadeTx(ctx, tx, taskID, unmarshalIDList(blocksRaw))
		if err != nil {
			return err
		}
		unblocked = deps

		if err := s.touchAgentTx(ctx, tx, agentID, "task_completed"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(busTopicTaskCompleted, taskEventPayload(taskID, domain, agentID, StatusCompleted))
	for _, dep := range unblocked {
		s.publish(busTopicTaskUnblocked, taskEventPayload(dep.taskID, dep.domain, agentID, StatusPending))
	}
	return nil
}

type unblockedDependent struct {
	taskID string
	domain string
}

// cascadeTx removes completedID from each dependent's blocked_by list and
// promotes dependents whose list drains to pending. Dependents that no
// longer exist are skipped silently: blocks edges are caller-maintained and
// may dangle.
func (s *Store) cascadeTx(ctx context.Context, tx *sql.Tx, completedID string, dependents []string) ([]unblockedDependent, error) {
	var unblocked []unblockedDependent
	for _, depID := range dependents {
		var blockedByRaw, depDomain string
		err := tx.QueryRowContext(ctx, `
			SELECT blocked_by, domain FROM tasks WHERE task_id = ?;
		`, depID).Scan(&blockedByRaw, &depDomain)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("select dependent %s: %w", depID, err)
		}

		remaining := make([]string, 0)
		for _, id := range unmarshalIDList(blockedByRaw) {
			if id != completedID {
				remaining = append(remaining, id)
			}
		}

		if len(remaining) == 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET blocked_by = '[]', status = ?, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ?;
			`, StatusPending, depID); err != nil {
				return nil, fmt.Errorf("unblock dependent %s: %w", depID, err)
			}
			unblocked = append(unblocked, unblockedDependent{taskID: depID, domain: depDomain})
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET blocked_by = ?, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ?;
			`, marshalIDList(remaining), depID); err != nil {
				return nil, fmt.Errorf("shrink dependent %s blocked_by: %w", depID, err)
			}
		}
	}
	return unblocked, nil
}

// FailTask records a failure: status becomes blocked and the error message
// is stored. There is no automatic retry or unblock — recovery is a human
// or external process re-creating, clearing dependencies, or re-claiming
// after a fix.
func (s *Store) FailTask(ctx context.Context, taskID, agentID, errMsg string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return err
	}
	if err := requireField("error_message", errMsg); err != nil {
		return err
	}

	var domain string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT domain FROM tasks WHERE task_id = ?;`, taskID).Scan(&domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("fail %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for fail: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, StatusBlocked, errMsg, taskID); err != nil {
			return fmt.Errorf("fail update: %w", err)
		}

		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "task_failed",
			Domain:  domain,
			Message: "Task failed: " + errMsg,
			Level:   LevelError,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, agentID, "task_failed"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(busTopicTaskFailed, taskEventPayload(taskID, domain, agentID, StatusBlocked))
	return nil
}

// HoldTask parks a pending task as blocked so its blocked_by list gates it
// until the completion cascade drains the list. Creation alone never does
// this; dependency gating is opt-in.
func (s *Store) HoldTask(ctx context.Context, taskID, agentID string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return err
	}

	var domain string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin hold tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status, domain FROM tasks WHERE task_id = ?;`, taskID).Scan(&status, &domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("hold %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for hold: %w", err)
		}
		if status != StatusPending {
			return fmt.Errorf("hold %s: status is %s, not pending: %w", taskID, status, ErrInvalidStateTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = ?;
		`, StatusBlocked, taskID, StatusPending); err != nil {
			return fmt.Errorf("hold update: %w", err)
		}

		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "task_blocked",
			Domain:  domain,
			Message: "Task held pending dependencies",
			Level:   LevelInfo,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, agentID, "task_blocked"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(busTopicTaskBlocked, taskEventPayload(taskID, domain, agentID, StatusBlocked))
	return nil
}

// CancelTask abandons a task that has not started. It is the only way into
// the cancelled status.
func (s *Store) CancelTask(ctx context.Context, taskID, agentID, reason string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	if err := requireField("agent_id", agentID); err != nil {
		return err
	}

	var domain string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		var title string
		if err := tx.QueryRowContext(ctx, `SELECT status, title, domain FROM tasks WHERE task_id = ?;`, taskID).Scan(&status, &title, &domain); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for cancel: %w", err)
		}
		if status != StatusPending && status != StatusBlocked {
			return fmt.Errorf("cancel %s: status is %s: %w", taskID, status, ErrInvalidStateTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?;
		`, StatusCancelled, taskID); err != nil {
			return fmt.Errorf("cancel update: %w", err)
		}

		message := "Cancelled task: " + title
		if reason != "" {
			message += " (" + reason + ")"
		}
		if err := s.appendLogTx(ctx, tx, logRow{
			TaskID:  taskID,
			AgentID: agentID,
			Action:  "task_cancelled",
			Domain:  domain,
			Message: message,
			Level:   LevelWarn,
		}); err != nil {
			return err
		}
		if err := s.touchAgentTx(ctx, tx, agentID, "task_cancelled"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(busTopicTaskCancelled, taskEventPayload(taskID, domain, agentID, StatusCancelled))
	return nil
}

// ClearDomain deletes every task in the domain (optionally scoped to one
// project). Destructive and administrative: it refuses unless confirm is
// exactly ClearConfirmToken, and leaves one warn-level summary log row.
func (s *Store) ClearDomain(ctx context.Context, domain, project, confirm string) (int64, error) {
	if err := requireField("domain", domain); err != nil {
		return 0, err
	}
	if confirm != ClearConfirmToken {
		return 0, fmt.Errorf("clear domain %s: %w", domain, ErrConfirmationRequired)
	}

	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var res sql.Result
		if project != "" {
			res, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE domain = ? AND project = ?;`, domain, project)
		} else {
			res, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE domain = ?;`, domain)
		}
		if err != nil {
			return fmt.Errorf("clear delete: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear rows affected: %w", err)
		}

		message := fmt.Sprintf("Cleared %d tasks in domain %s", deleted, domain)
		if project != "" {
			message += " for project " + project
		}
		if err := s.appendLogTx(ctx, tx, logRow{
			AgentID: "admin",
			Action:  "tasks_cleared",
			Domain:  domain,
			Message: message,
			Data:    fmt.Sprintf(`{"count":%d,"project":%q}`, deleted, project),
			Level:   LevelWarn,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	s.publish(busTopicTasksCleared, clearedEventPayload(domain, project, deleted))
	return deleted, nil
}

// --- Selection layer: read-only, point-in-time ---

const taskColumns = `
	task_id, title, description, domain, project, status, priority,
	created_by, assigned_to, completed_by, payload, result, error_message,
	blocked_by, blocks, progress_percent, progress_notes,
	created_at, updated_at, started_at, completed_at`

// GetTask returns the task or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks is the recency-ordered browse view, optionally filtered by
// domain and/or status. Most recently created first.
func (s *Store) ListTasks(ctx context.Context, domain string, status TaskStatus, limit int) ([]Task, error) {
	if status != "" && !ValidStatus(status) {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + string(status)}
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}

	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if domain != "" {
		where = append(where, "domain = ?")
		args = append(args, domain)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	return s.queryTasks(ctx, query, args...)
}

// PendingTasks is the work-selection view: pending tasks in the domain,
// lowest priority value first, ties broken by earliest creation.
func (s *Store) PendingTasks(ctx context.Context, domain string, limit int) ([]Task, error) {
	if err := requireField("domain", domain); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultPendingLimit
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE domain = ? AND status = ?
		ORDER BY priority ASC, created_at ASC, rowid ASC
		LIMIT ?;
	`, domain, StatusPending, limit)
}

// TasksByAssignee returns the tasks currently assigned to an agent, most
// recently updated first.
func (s *Store) TasksByAssignee(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if err := requireField("agent_id", agentID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_to = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?;
	`, agentID, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		description, project, assignedTo, completedBy sql.NullString
		payload, result, errorMessage, progressNotes  sql.NullString
		blockedByRaw, blocksRaw                       string
		progressPercent                               sql.NullInt64
		startedAt, completedAt                        sql.NullTime
	)
	if err := scanFn(
		&task.TaskID,
		&task.Title,
		&description,
		&task.Domain,
		&project,
		&task.Status,
		&task.Priority,
		&task.CreatedBy,
		&assignedTo,
		&completedBy,
		&payload,
		&result,
		&errorMessage,
		&blockedByRaw,
		&blocksRaw,
		&progressPercent,
		&progressNotes,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return err
	}
	task.Description = description.String
	task.Project = project.String
	task.AssignedTo = assignedTo.String
	task.CompletedBy = completedBy.String
	task.Payload = payload.String
	task.Result = result.String
	task.ErrorMessage = errorMessage.String
	task.ProgressNotes = progressNotes.String
	task.BlockedBy = unmarshalIDList(blockedByRaw)
	task.Blocks = unmarshalIDList(blocksRaw)
	if progressPercent.Valid {
		pct := int(progressPercent.Int64)
		task.ProgressPercent = &pct
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

// SetBlocks replaces the blocks list on a task. The blocks edge is the
// inverse of the dependents' blocked_by lists; keeping the two faces
// symmetric is the caller's job, and without the edge the completion
// cascade has nothing to walk.
func (s *Store) SetBlocks(ctx context.Context, taskID string, blocks []string) error {
	if err := requireField("task_id", taskID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET blocks = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?;
	`, marshalIDList(blocks), taskID)
	if err != nil {
		return fmt.Errorf("set blocks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set blocks rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("set blocks %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// StatusCounts holds per-status task totals for health and metrics views.
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

// Counts returns task totals by status, optionally scoped to a domain.
func (s *Store) Counts(ctx context.Context, domain string) (StatusCounts, error) {
	var c StatusCounts
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		FROM tasks`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(
		&c.Pending, &c.InProgress, &c.Blocked, &c.Completed, &c.Cancelled,
	); err != nil {
		return c, fmt.Errorf("status counts: %w", err)
	}
	return c, nil
}

// SweepStaleClaims treats in_progress tasks older than ttl as if fail had
// been called on them: status becomes blocked with a claim-expired error
// message and an error-level task_failed log row per task. Returns the
// number of tasks swept.
func (s *Store) SweepStaleClaims(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)

	type staleTask struct {
		taskID     string
		domain     string
		assignedTo string
	}
	var swept []staleTask
	err := retryOnBusy(ctx, 5, func() error {
		swept = swept[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, domain, COALESCE(assigned_to, '')
			FROM tasks
			WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?;
		`, StatusInProgress, cutoff)
		if err != nil {
			return fmt.Errorf("query stale claims: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t staleTask
			if err := rows.Scan(&t.taskID, &t.domain, &t.assignedTo); err != nil {
				return fmt.Errorf("scan stale claim: %w", err)
			}
			swept = append(swept, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale claim rows: %w", err)
		}

		errMsg := fmt.Sprintf("claim expired after %s", ttl)
		for _, t := range swept {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
				WHERE task_id = ? AND status = ?;
			`, StatusBlocked, errMsg, t.taskID, StatusInProgress); err != nil {
				return fmt.Errorf("sweep update %s: %w", t.taskID, err)
			}
			agent := t.assignedTo
			if agent == "" {
				agent = "sweeper"
			}
			if err := s.appendLogTx(ctx, tx, logRow{
				TaskID:  t.taskID,
				AgentID: agent,
				Action:  "task_failed",
				Domain:  t.domain,
				Message: "Task failed: " + errMsg,
				Level:   LevelError,
			}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	for _, t := range swept {
		s.publish(busTopicTaskFailed, taskEventPayload(t.taskID, t.domain, t.assignedTo, StatusBlocked))
	}
	return int64(len(swept)), nil
}

func mapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.task_id") {
		return fmt.Errorf("insert task: %w", ErrDuplicateTaskID)
	}
	return fmt.Errorf("insert task: %w", err)
}

func (s *Store) publishTaskEvent(ctx context.Context, topic, taskID, agentID string) {
	if s.bus == nil {
		return
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	s.publish(topic, taskEventPayload(taskID, task.Domain, agentID, task.Status))
}
