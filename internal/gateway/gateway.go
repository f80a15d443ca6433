// Package gateway exposes the task store over HTTP: a JSON API for every
// lifecycle operation, a health endpoint, and a websocket feed of task
// events. The gateway is a thin shell; all coordination semantics live in
// the persistence layer.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentfs/internal/bus"
	"github.com/basket/agentfs/internal/otel"
	"github.com/basket/agentfs/internal/persistence"
	"github.com/basket/agentfs/internal/shared"
)

const maxRequestBody = 1 << 20 // 1MB; payloads are metadata, not blobs

// Bucket eviction cadence. Vars so tests can shorten them.
var (
	rateLimitEvictInterval = 10 * time.Minute
	rateLimitEvictMaxAge   = time.Hour
)

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	// AuthToken, when set, requires Bearer auth on every /api/v1 route.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	Metrics *otel.Metrics // may be nil
	Tracer  trace.Tracer  // may be nil

	RateLimitPerMinute int
	RateLimitBurst     int
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	ratelimit *RateLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var rl *RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitPerMinute
		}
		rl = NewRateLimiter(cfg.RateLimitPerMinute, burst)
	}
	return &Server{cfg: cfg, logger: logger, ratelimit: rl}
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/v1/pending", s.handlePending)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/schedules", s.handleSchedules)
	mux.HandleFunc("/api/v1/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/api/v1/watch", s.handleWatch)
	cors := newCORSMiddleware(s.cfg.AllowOrigins)
	return cors(s.middleware(mux))
}

// SetRateLimit applies new rate limit settings to the live limiter, used
// by config hot reload. A daemon started with rate limiting disabled
// stays unlimited; enabling it needs a restart.
func (s *Server) SetRateLimit(requestsPerMinute, burstSize int) {
	if s.ratelimit == nil || requestsPerMinute <= 0 {
		return
	}
	s.ratelimit.SetRate(requestsPerMinute, burstSize)
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.ratelimit != nil {
		s.ratelimit.StartEviction(ctx, rateLimitEvictInterval, rateLimitEvictMaxAge)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Every request gets a trace id; handlers thread it through the
		// store so audit rows correlate with gateway logs.
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		r = r.WithContext(ctx)

		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if s.ratelimit != nil && !s.ratelimit.Allow(clientKey(r)) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(ctx, 1)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		start := time.Now()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway "+r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

// opSpan opens an internal span around one store operation. The returned
// end func is a no-op when tracing is disabled.
func (s *Server) opSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if s.cfg.Tracer == nil {
		return ctx, func() {}
	}
	ctx, span := otel.StartSpan(ctx, s.cfg.Tracer, name, attrs...)
	return ctx, func() { span.End() }
}

// authorize checks Bearer auth. An empty configured token means open
// access; the daemon binds to loopback by default.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func clientKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.RemoteAddr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context(), "")
	dbOK := err == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"tasks":              counts,
	}
	if s.cfg.Bus != nil {
		payload["watchers"] = s.cfg.Bus.SubscriberCount()
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps persistence sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound),
		errors.Is(err, persistence.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrInvalidStateTransition),
		errors.Is(err, persistence.ErrDuplicateTaskID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrConfirmationRequired):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case persistence.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
