package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Agent is a passive registry row. The store never authenticates agents;
// the registry exists so operators can see who has been touching the
// graph and how recently.
type Agent struct {
	AgentID        string    `json:"agent_id"`
	LastAction     string    `json:"last_action,omitempty"`
	TasksCreated   int       `json:"tasks_created"`
	TasksClaimed   int       `json:"tasks_claimed"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// counterForAction maps a lifecycle action to the registry counter it
// bumps. Actions outside the four tracked ones only refresh last_seen_at.
func counterForAction(action string) string {
	switch action {
	case "task_created", "bulk_tasks_created", "task_upserted":
		return "tasks_created"
	case "task_claimed":
		return "tasks_claimed"
	case "task_completed":
		return "tasks_completed"
	case "task_failed":
		return "tasks_failed"
	}
	return ""
}

// touchAgentTx upserts the agent registry row inside the caller's
// transaction.
func (s *Store) touchAgentTx(ctx context.Context, tx *sql.Tx, agentID, action string) error {
	if agentID == "" {
		return nil
	}
	counter := counterForAction(action)
	bump := "0"
	switch counter {
	case "tasks_created":
		bump = "1, 0, 0, 0"
	case "tasks_claimed":
		bump = "0, 1, 0, 0"
	case "tasks_completed":
		bump = "0, 0, 1, 0"
	case "tasks_failed":
		bump = "0, 0, 0, 1"
	default:
		bump = "0, 0, 0, 0"
	}
	query := fmt.Sprintf(`
		INSERT INTO agents (agent_id, last_action, tasks_created, tasks_claimed, tasks_completed, tasks_failed, first_seen_at, last_seen_at)
		VALUES (?, ?, %s, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_action = excluded.last_action,
			tasks_created = agents.tasks_created + excluded.tasks_created,
			tasks_claimed = agents.tasks_claimed + excluded.tasks_claimed,
			tasks_completed = agents.tasks_completed + excluded.tasks_completed,
			tasks_failed = agents.tasks_failed + excluded.tasks_failed,
			last_seen_at = CURRENT_TIMESTAMP;
	`, bump)
	if _, err := tx.ExecContext(ctx, query, agentID, action); err != nil {
		return fmt.Errorf("touch agent %s: %w", agentID, err)
	}
	return nil
}

// ListAgents returns every known agent, most recently active first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COALESCE(last_action, ''), tasks_created, tasks_claimed,
			tasks_completed, tasks_failed, first_seen_at, last_seen_at
		FROM agents
		ORDER BY last_seen_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.LastAction, &a.TasksCreated, &a.TasksClaimed,
			&a.TasksCompleted, &a.TasksFailed, &a.FirstSeenAt, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// GetAgent returns one registry row, or nil when the agent has never been
// seen.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if err := requireField("agent_id", agentID); err != nil {
		return nil, err
	}
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, COALESCE(last_action, ''), tasks_created, tasks_claimed,
			tasks_completed, tasks_failed, first_seen_at, last_seen_at
		FROM agents WHERE agent_id = ?;
	`, agentID).Scan(&a.AgentID, &a.LastAction, &a.TasksCreated, &a.TasksClaimed,
		&a.TasksCompleted, &a.TasksFailed, &a.FirstSeenAt, &a.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}
