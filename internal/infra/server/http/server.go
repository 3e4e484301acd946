// Package httpserver exposes the read-mostly control surface: engine status,
// reconciliation counters, and schedule and execution management.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/jobs"
	"github.com/quantfeed/tickvault/internal/schedule"
	"github.com/quantfeed/tickvault/internal/status"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthzPath        = "/healthz"
	statusPath         = "/status"
	reconciliationPath = "/reconciliation"
	connectionsPath    = "/connections"
	degradationPath    = "/degradation"
	subscriptionsPath  = "/subscriptions"

	schedulesPath        = "/schedules"
	scheduleDetailPrefix = schedulesPath + "/"

	executionsPath        = "/executions"
	executionDetailPrefix = executionsPath + "/"
	cancelSuffix          = "/cancel"
)

// StatusSource provides the aggregated engine snapshot.
type StatusSource interface {
	Snapshot() status.Snapshot
}

// ScheduleService manages cron schedules.
type ScheduleService interface {
	Create(sched schedule.CronSchedule) (schedule.CronSchedule, error)
	Update(sched schedule.CronSchedule) (schedule.CronSchedule, error)
	Delete(id string) error
	Get(id string) (schedule.CronSchedule, error)
	List() []schedule.CronSchedule
}

// JobService submits and inspects maintenance executions.
type JobService interface {
	Submit(req jobs.Request) (string, error)
	Cancel(executionID string) error
	Get(executionID string) (jobs.Execution, bool)
	History(limit int) []jobs.Execution
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	status    StatusSource
	schedules ScheduleService
	jobs      JobService
}

// NewHandler builds the control-surface handler.
func NewHandler(statusSrc StatusSource, schedules ScheduleService, jobSvc JobService) http.Handler {
	server := &httpServer{status: statusSrc, schedules: schedules, jobs: jobSvc}
	mux := http.NewServeMux()

	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealthz,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(reconciliationPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getReconciliation,
	}))
	mux.Handle(connectionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getConnections,
	}))
	mux.Handle(degradationPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getDegradation,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSubscriptions,
	}))

	mux.Handle(schedulesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listSchedules,
		http.MethodPost: server.createSchedule,
	}))
	mux.Handle(scheduleDetailPrefix, http.HandlerFunc(server.handleSchedule))

	mux.Handle(executionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listExecutions,
		http.MethodPost: server.submitExecution,
	}))
	mux.Handle(executionDetailPrefix, http.HandlerFunc(server.handleExecution))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	snap := s.status.Snapshot()
	if !snap.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "degraded",
			"unaccounted": snap.Reconciliation.Unaccounted,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *httpServer) getReconciliation(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	snap := s.status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": snap.Reconciliation,
		"balance":  snap.Reconciliation.Balance(),
	})
}

func (s *httpServer) getConnections(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	snap := s.status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": snap.Connections,
		"clockSkew":   snap.Skew,
	})
}

func (s *httpServer) getDegradation(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.status.Snapshot().Degradation})
}

func (s *httpServer) getSubscriptions(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": s.status.Snapshot().Subscriptions})
}

type schedulePayload struct {
	Name        string         `json:"name"`
	Expression  string         `json:"expression"`
	TimeZone    string         `json:"timeZone,omitempty"`
	TaskType    string         `json:"taskType"`
	Priority    string         `json:"priority"`
	Options     map[string]any `json:"options,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	MaxDuration string         `json:"maxDuration,omitempty"`
	MaxRetries  int            `json:"maxRetries,omitempty"`
}

func (p schedulePayload) toSchedule(id string) (schedule.CronSchedule, error) {
	sched := schedule.CronSchedule{
		ID:         id,
		Name:       strings.TrimSpace(p.Name),
		Expression: strings.TrimSpace(p.Expression),
		TimeZone:   strings.TrimSpace(p.TimeZone),
		TaskType:   jobs.TaskType(strings.TrimSpace(p.TaskType)),
		Priority:   jobs.Priority(strings.TrimSpace(p.Priority)),
		Options:    p.Options,
		Enabled:    true,
		MaxRetries: p.MaxRetries,
	}
	if p.Enabled != nil {
		sched.Enabled = *p.Enabled
	}
	if p.MaxDuration != "" {
		d, err := time.ParseDuration(p.MaxDuration)
		if err != nil {
			return schedule.CronSchedule{}, errs.New("http/schedule", errs.KindValidation,
				errs.WithMessage("maxDuration must be a duration string"), errs.WithCause(err))
		}
		sched.MaxDuration = d
	}
	return sched, nil
}

func (s *httpServer) listSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.schedules.List()})
}

func (s *httpServer) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	sched, err := payload.toSchedule("")
	if err != nil {
		writeErr(w, err)
		return
	}
	created, err := s.schedules.Create(sched)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *httpServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, scheduleDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "schedule id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		sched, err := s.schedules.Get(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload schedulePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		sched, err := payload.toSchedule(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		updated, err := s.schedules.Update(sched)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.schedules.Delete(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPut)
	}
}

type executionPayload struct {
	TaskType    string         `json:"taskType"`
	Priority    string         `json:"priority"`
	Options     map[string]any `json:"options,omitempty"`
	MaxRetries  int            `json:"maxRetries,omitempty"`
	MaxDuration string         `json:"maxDuration,omitempty"`
}

func (s *httpServer) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job engine unavailable")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": s.jobs.History(limit)})
}

func (s *httpServer) submitExecution(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job engine unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload executionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	req := jobs.Request{
		TaskType:   jobs.TaskType(strings.TrimSpace(payload.TaskType)),
		Priority:   jobs.Priority(strings.TrimSpace(payload.Priority)),
		Options:    payload.Options,
		MaxRetries: payload.MaxRetries,
	}
	if payload.MaxDuration != "" {
		d, err := time.ParseDuration(payload.MaxDuration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "maxDuration must be a duration string")
			return
		}
		req.MaxDuration = d
	}
	id, err := s.jobs.Submit(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *httpServer) handleExecution(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job engine unavailable")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, executionDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "execution id required")
		return
	}
	if id, ok := strings.CutSuffix(rest, cancelSuffix); ok && r.Method == http.MethodPost {
		if err := s.jobs.Cancel(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "id": id})
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	exec, ok := s.jobs.Get(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func parsePositiveInt(raw string) (int, error) {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, errs.New("http/query", errs.KindValidation, errs.WithMessage("not a number"))
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return 0, errs.New("http/query", errs.KindValidation, errs.WithMessage("too large"))
		}
	}
	if n == 0 {
		return 0, errs.New("http/query", errs.KindValidation, errs.WithMessage("must be positive"))
	}
	return n, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeErr maps the error taxonomy onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  status,
		"kind":  string(errs.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "code": status})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Server runs the control surface with graceful shutdown.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer wraps the handler in an http.Server with the configured timeouts.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		log: log.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("control surface listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
