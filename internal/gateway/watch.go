package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentfs/internal/bus"
)

// watchEvent is the wire shape pushed to websocket watchers.
type watchEvent struct {
	Topic   string `json:"topic"`
	TaskID  string `json:"task_id,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Project string `json:"project,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Deleted int64  `json:"deleted,omitempty"`
}

// handleWatch implements GET /api/v1/watch: a websocket feed of task
// lifecycle events, optionally filtered to ?domain=. Events are advisory
// notifications; a watcher that falls behind misses events and should
// re-poll the task list.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not available")
		return
	}
	domainFilter := r.URL.Query().Get("domain")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; the allowlist covers cross-origin dashboards.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WatchClients.Add(ctx, 1)
		defer s.cfg.Metrics.WatchClients.Add(ctx, -1)
	}

	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("watch: client connected", "domain", domainFilter)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			out, match := translateEvent(event, domainFilter)
			if !match {
				continue
			}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				s.logger.Debug("watch: write failed, dropping client", "error", err)
				return
			}
		}
	}
}

func translateEvent(event bus.Event, domainFilter string) (watchEvent, bool) {
	switch payload := event.Payload.(type) {
	case bus.TaskEvent:
		if domainFilter != "" && payload.Domain != domainFilter {
			return watchEvent{}, false
		}
		return watchEvent{
			Topic:   event.Topic,
			TaskID:  payload.TaskID,
			Domain:  payload.Domain,
			AgentID: payload.AgentID,
			Status:  payload.Status,
		}, true
	case bus.TasksClearedEvent:
		if domainFilter != "" && payload.Domain != domainFilter {
			return watchEvent{}, false
		}
		return watchEvent{
			Topic:   event.Topic,
			Domain:  payload.Domain,
			Project: payload.Project,
			Deleted: payload.Deleted,
		}, true
	default:
		return watchEvent{}, false
	}
}
