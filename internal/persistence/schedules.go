package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field crontab expressions plus the
// @every and @hourly style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule describes a recurring seeding job: each firing upserts one task
// under a fixed task_id, so a schedule whose previous task is still pending
// refreshes it instead of piling up duplicates.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	TaskID    string     `json:"task_id"`
	Title     string     `json:"title"`
	Domain    string     `json:"domain"`
	Project   string     `json:"project,omitempty"`
	Priority  int        `json:"priority"`
	Payload   string     `json:"payload,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AddScheduleParams are the inputs to AddSchedule.
type AddScheduleParams struct {
	Name     string
	CronExpr string
	TaskID   string
	Title    string
	Domain   string
	Project  string
	Priority *int
	Payload  string
}

// AddSchedule validates the cron expression, computes the first run time,
// and stores the schedule enabled.
func (s *Store) AddSchedule(ctx context.Context, p AddScheduleParams) (*Schedule, error) {
	if err := requireField("name", p.Name); err != nil {
		return nil, err
	}
	if err := requireField("cron_expr", p.CronExpr); err != nil {
		return nil, err
	}
	if err := requireField("task_id", p.TaskID); err != nil {
		return nil, err
	}
	if err := requireField("title", p.Title); err != nil {
		return nil, err
	}
	if err := requireField("domain", p.Domain); err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(p.CronExpr)
	if err != nil {
		return nil, &ValidationError{Field: "cron_expr", Reason: err.Error()}
	}

	id := uuid.NewString()
	nextRun := schedule.Next(time.Now().UTC())
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, task_id, title, domain, project, priority, payload, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, p.Name, p.CronExpr, p.TaskID, p.Title, p.Domain, nullString(p.Project),
			priorityOrDefault(p.Priority), nullString(p.Payload), nextRun)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

const scheduleColumns = `id, name, cron_expr, task_id, title, domain, project, priority, payload, enabled, next_run_at, last_run_at, created_at, updated_at`

// GetSchedule returns the schedule or ErrScheduleNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	sched, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get schedule %s: %w", id, ErrScheduleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns every schedule, enabled first, soonest due first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		ORDER BY enabled DESC, next_run_at ASC, created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun records a firing and advances next_run_at from the
// schedule's cron expression.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt time.Time) error {
	sched, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	spec, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("reparse cron expr for %s: %w", id, err)
	}
	next := spec.Next(ranAt.UTC())

	return retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ranAt.UTC(), next, id)
		if execErr != nil {
			return fmt.Errorf("mark schedule run: %w", execErr)
		}
		return nil
	})
}

// SetScheduleEnabled flips a schedule on or off without deleting it.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, enabled, id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set schedule enabled rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("set schedule enabled %s: %w", id, ErrScheduleNotFound)
	}
	return nil
}

// RemoveSchedule deletes a schedule. Tasks it already seeded are untouched.
func (s *Store) RemoveSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("remove schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove schedule rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("remove schedule %s: %w", id, ErrScheduleNotFound)
	}
	return nil
}

func scanSchedule(scanFn func(dest ...any) error) (*Schedule, error) {
	var (
		sched            Schedule
		project, payload sql.NullString
		nextRun, lastRun sql.NullTime
	)
	if err := scanFn(
		&sched.ID, &sched.Name, &sched.CronExpr, &sched.TaskID, &sched.Title,
		&sched.Domain, &project, &sched.Priority, &payload, &sched.Enabled,
		&nextRun, &lastRun, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sched.Project = project.String
	sched.Payload = payload.String
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	return &sched, nil
}
