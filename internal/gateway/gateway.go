// Package gateway serves the HTTP API: dispatch, run and worker queries,
// and the run event stream over SSE and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/config"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/structured"
	"github.com/basket/overseer/internal/supervisor"
	"github.com/basket/overseer/internal/worker"
)

const (
	maxDispatchBody  = 64 << 10
	defaultListLimit = 50
	maxListLimit     = 500
)

// Dispatcher starts supervisor runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req supervisor.DispatchRequest) (supervisor.DispatchResult, error)
}

// Canceller stops running workers.
type Canceller interface {
	Cancel(workerID, reason string) error
}

type Config struct {
	Dispatcher Dispatcher
	Runs       *persistence.Store
	Artifacts  *artifact.Store
	Workers    Canceller
	// Bus feeds live events to stream clients. Without it streams replay
	// the event log only, polling for new rows.
	Bus *bus.Bus

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// AllowOrigins lists browser origins accepted for CORS and WebSocket.
	// Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Metrics *otelpkg.Metrics
	Logger  *slog.Logger

	// StreamPoll is how often a stream re-reads the event log to fill
	// gaps. Zero means one second.
	StreamPoll time.Duration
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	started time.Time
}

var dispatchSchema = structured.MustCompile(`{
	"type": "object",
	"required": ["task"],
	"additionalProperties": false,
	"properties": {
		"task": {"type": "string", "minLength": 1, "maxLength": 16384},
		"thread_id": {"type": "string", "maxLength": 128}
	}
}`)

type dispatchBody struct {
	Task     string `json:"task"`
	ThreadID string `json:"thread_id,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamPoll <= 0 {
		cfg.StreamPoll = time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}
}

// Limiter exposes the dispatch rate limiter so callers can start its
// eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /api/v1/dispatch",
		s.limiter.Wrap(RequestSizeLimitMiddleware(maxDispatchBody)(http.HandlerFunc(s.handleDispatch))))
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/threads/{thread_id}/messages", s.handleThreadMessages)
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)
	mux.HandleFunc("GET /api/v1/workers/search", s.handleSearchWorkers)
	mux.HandleFunc("GET /api/v1/workers/{worker_id}", s.handleGetWorker)
	mux.HandleFunc("POST /api/v1/workers/{worker_id}/cancel", s.handleCancelWorker)
	mux.HandleFunc("GET /ws", s.handleWS)

	auth := NewAuthMiddleware(s.cfg.Auth)
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	return cors(auth.Wrap(s.instrument(mux)))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if shared.TraceID(ctx) == "" {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		}
		req := r.WithContext(ctx)
		next.ServeHTTP(w, req)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.RequestServed(ctx, route, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Runs != nil && s.cfg.Runs.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"uptime_s":           int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["stream_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if err := dispatchSchema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	var body dispatchBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner := shared.OwnerID(r.Context())
	res, err := s.cfg.Dispatcher.Dispatch(r.Context(), supervisor.DispatchRequest{
		Task:     body.Task,
		ThreadID: body.ThreadID,
		OwnerID:  owner,
	})
	switch {
	case err == nil:
		s.logger.Info("run dispatched", "run_id", res.RunID, "thread_id", res.ThreadID, "owner_id", owner)
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, supervisor.ErrEmptyTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, supervisor.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.internalError(w, r, "dispatch", err)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Runs.ListRuns(r.Context(), shared.OwnerID(r.Context()), queryLimit(r))
	if err != nil {
		s.internalError(w, r, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Runs.GetRun(r.Context(), r.PathValue("run_id"), shared.OwnerID(r.Context()))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Runs.ListMessages(r.Context(), r.PathValue("thread_id"), shared.OwnerID(r.Context()), queryLimit(r))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := artifact.ListOptions{
		Limit:  queryLimit(r),
		Status: artifact.Status(q.Get("status")),
		RunID:  q.Get("run_id"),
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339 or a duration like 1h")
			return
		}
		opts.Since = since
	}
	list, err := s.cfg.Artifacts.List(r.Context(), shared.OwnerID(r.Context()), opts)
	if err != nil {
		s.internalError(w, r, "list workers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": nonNil(list)})
}

func (s *Server) handleSearchWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := strings.TrimSpace(q.Get("q"))
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	regex := q.Get("regex") == "true"
	if regex {
		if _, err := regexp.Compile(pattern); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern")
			return
		}
	}
	matches, err := s.cfg.Artifacts.Search(r.Context(), shared.OwnerID(r.Context()), artifact.SearchOptions{
		Pattern: pattern,
		Regex:   regex,
		Limit:   queryLimit(r),
	})
	if err != nil {
		s.internalError(w, r, "search workers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": nonNil(matches)})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Artifacts.Get(r.Context(), r.PathValue("worker_id"), shared.OwnerID(r.Context()))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get worker", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("worker_id")
	owner := shared.OwnerID(r.Context())
	rec, err := s.cfg.Artifacts.Get(r.Context(), id, owner)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "cancel worker", err)
		return
	}
	if rec.Status.Terminal() {
		writeError(w, http.StatusConflict, "worker already "+string(rec.Status))
		return
	}
	if err := s.cfg.Workers.Cancel(id, "cancelled by "+owner); err != nil {
		if errors.Is(err, worker.ErrNotRunning) {
			writeError(w, http.StatusConflict, "worker is not running")
			return
		}
		s.internalError(w, r, "cancel worker", err)
		return
	}
	s.logger.Info("worker cancel requested", "worker_id", id, "owner_id", owner)
	writeJSON(w, http.StatusAccepted, map[string]any{"worker_id": id, "status": "cancelling"})
}

// internalError logs err and answers with a generic message.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("request failed", "op", op, "path", r.URL.Path,
		"trace_id", shared.TraceID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxListLimit)
}

// parseSince accepts an RFC3339 time or a duration relative to now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
