package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/agentfs/internal/otel"
	"github.com/basket/agentfs/internal/persistence"
)

type createTaskRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Domain      string   `json:"domain"`
	Project     string   `json:"project,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	CreatedBy   string   `json:"created_by"`
	Payload     string   `json:"payload,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`

	// TaskID switches the create into an idempotent upsert.
	TaskID string `json:"task_id,omitempty"`

	// Tasks switches into bulk mode; top-level title/domain are ignored.
	Tasks []bulkTaskRequest `json:"tasks,omitempty"`
}

type bulkTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Domain      string `json:"domain"`
	Project     string `json:"project,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// handleTasks serves the /api/v1/tasks collection: GET lists, POST creates
// (single, upsert, or bulk), DELETE clears a domain.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTasks(w, r)
	case http.MethodDelete:
		s.clearTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if agent := q.Get("assigned_to"); agent != "" {
		tasks, err := s.cfg.Store.TasksByAssignee(r.Context(), agent, queryLimit(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(),
		q.Get("domain"), persistence.TaskStatus(q.Get("status")), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case len(req.Tasks) > 0:
		ctx, end := s.opSpan(r.Context(), "tasks.bulk_create",
			otel.AttrAgentID.String(req.CreatedBy))
		defer end()
		specs := make([]persistence.TaskSpec, len(req.Tasks))
		for i, t := range req.Tasks {
			specs[i] = persistence.TaskSpec{
				Title:       t.Title,
				Description: t.Description,
				Domain:      t.Domain,
				Project:     t.Project,
				Priority:    t.Priority,
				Payload:     t.Payload,
			}
		}
		ids, err := s.cfg.Store.BulkCreateTasks(ctx, specs, req.CreatedBy)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksCreated.Add(ctx, int64(len(ids)))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task_ids": ids})

	case req.TaskID != "":
		priority := persistence.DefaultPriority
		if req.Priority != nil {
			priority = *req.Priority
		}
		ctx, end := s.opSpan(r.Context(), "task.upsert",
			otel.AttrTaskID.String(req.TaskID),
			otel.AttrDomain.String(req.Domain),
			otel.AttrPriority.Int(priority))
		defer end()
		result, err := s.cfg.Store.UpsertTask(ctx, persistence.UpsertTaskParams{
			TaskID:      req.TaskID,
			Title:       req.Title,
			Description: req.Description,
			Domain:      req.Domain,
			Project:     req.Project,
			Priority:    priority,
			CreatedBy:   req.CreatedBy,
			Payload:     req.Payload,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		status := http.StatusOK
		if result.Action == "created" {
			status = http.StatusCreated
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.TasksCreated.Add(ctx, 1)
			}
		}
		writeJSON(w, status, result)

	default:
		ctx, end := s.opSpan(r.Context(), "task.create",
			otel.AttrDomain.String(req.Domain),
			otel.AttrProject.String(req.Project),
			otel.AttrAgentID.String(req.CreatedBy))
		defer end()
		task, err := s.cfg.Store.CreateTask(ctx, persistence.CreateTaskParams{
			Title:       req.Title,
			Description: req.Description,
			Domain:      req.Domain,
			Project:     req.Project,
			Priority:    req.Priority,
			CreatedBy:   req.CreatedBy,
			Payload:     req.Payload,
			BlockedBy:   req.BlockedBy,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksCreated.Add(ctx, 1)
		}
		writeJSON(w, http.StatusCreated, task)
	}
}

func (s *Server) clearTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, end := s.opSpan(r.Context(), "tasks.clear",
		otel.AttrDomain.String(q.Get("domain")),
		otel.AttrProject.String(q.Get("project")))
	defer end()
	deleted, err := s.cfg.Store.ClearDomain(ctx, q.Get("domain"), q.Get("project"), q.Get("confirm"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type lifecycleRequest struct {
	AgentID  string  `json:"agent_id"`
	Percent  *int    `json:"percent,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Result   string  `json:"result,omitempty"`
	ErrorMsg string  `json:"error,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// handleTaskByID serves /api/v1/tasks/{id} and the lifecycle verbs nested
// under it: claim, progress, complete, fail, hold, cancel, logs.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	taskID, verb, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	ctx := r.Context()

	if verb == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := s.cfg.Store.GetTask(ctx, taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if verb == "logs" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		logs, err := s.cfg.Store.TaskLogs(ctx, taskID, queryLimit(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req lifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, end := s.opSpan(ctx, "task."+verb,
		otel.AttrTaskID.String(taskID),
		otel.AttrAgentID.String(req.AgentID))
	defer end()

	switch verb {
	case "claim":
		task, err := s.cfg.Store.ClaimTask(ctx, taskID, req.AgentID)
		if err != nil {
			if s.cfg.Metrics != nil && !persistence.IsValidation(err) {
				s.cfg.Metrics.ClaimConflicts.Add(ctx, 1)
			}
			writeStoreError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksClaimed.Add(ctx, 1)
		}
		writeJSON(w, http.StatusOK, task)

	case "progress":
		if err := s.cfg.Store.UpdateProgress(ctx, taskID, req.AgentID, req.Percent, req.Notes); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case "complete":
		if err := s.cfg.Store.CompleteTask(ctx, taskID, req.AgentID, req.Result); err != nil {
			writeStoreError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksCompleted.Add(ctx, 1)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case "fail":
		if err := s.cfg.Store.FailTask(ctx, taskID, req.AgentID, req.ErrorMsg); err != nil {
			writeStoreError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksFailed.Add(ctx, 1)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case "hold":
		if err := s.cfg.Store.HoldTask(ctx, taskID, req.AgentID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case "cancel":
		if err := s.cfg.Store.CancelTask(ctx, taskID, req.AgentID, req.Reason); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusNotFound, "unknown operation "+verb)
	}
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tasks, err := s.cfg.Store.PendingTasks(r.Context(), r.URL.Query().Get("domain"), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type logActionRequest struct {
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	Domain  string `json:"domain"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
	Level   string `json:"level,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		logs, err := s.cfg.Store.DomainLogs(r.Context(),
			q.Get("domain"), persistence.LogLevel(q.Get("level")), queryLimit(r))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})

	case http.MethodPost:
		var req logActionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ctx, end := s.opSpan(r.Context(), "log.append",
			otel.AttrAction.String(req.Action),
			otel.AttrDomain.String(req.Domain))
		defer end()
		err := s.cfg.Store.LogAction(ctx, persistence.LogEntry{
			TaskID:  req.TaskID,
			AgentID: req.AgentID,
			Action:  req.Action,
			Domain:  req.Domain,
			Message: req.Message,
			Data:    req.Data,
			Level:   persistence.LogLevel(req.Level),
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type addScheduleRequest struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	Domain   string `json:"domain"`
	Project  string `json:"project,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.cfg.Store.ListSchedules(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})

	case http.MethodPost:
		var req addScheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ctx, end := s.opSpan(r.Context(), "schedule.add",
			otel.AttrDomain.String(req.Domain))
		defer end()
		sched, err := s.cfg.Store.AddSchedule(ctx, persistence.AddScheduleParams{
			Name:     req.Name,
			CronExpr: req.CronExpr,
			TaskID:   req.TaskID,
			Title:    req.Title,
			Domain:   req.Domain,
			Project:  req.Project,
			Priority: req.Priority,
			Payload:  req.Payload,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sched)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/schedules/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "schedule id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		sched, err := s.cfg.Store.GetSchedule(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)

	case http.MethodDelete:
		ctx, end := s.opSpan(r.Context(), "schedule.remove",
			otel.AttrSchedule.String(id))
		defer end()
		if err := s.cfg.Store.RemoveSchedule(ctx, id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
