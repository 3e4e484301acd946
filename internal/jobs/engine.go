package jobs

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeed/tickvault/errs"
)

const (
	defaultMaxDuration = 2 * time.Hour
	defaultMaxHistory  = 1000
	defaultRetryBase   = 30 * time.Second
	defaultRetryCap    = 10 * time.Minute
	maxWorkers         = 8
)

// HistoryStore persists execution records. Saves happen on every status
// transition so a restart can resume pending work.
type HistoryStore interface {
	Save(exec Execution) error
	List(limit int) ([]Execution, error)
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// Workers is the pool size; zero selects min(cores, 8).
	Workers int
	// MaxHistory bounds the in-memory execution ring.
	MaxHistory int
	// RetryBase and RetryCap bound the exponential backoff between retry
	// attempts. Full jitter is applied.
	RetryBase time.Duration
	RetryCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = min(runtime.NumCPU(), maxWorkers)
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	return c
}

// Request describes one execution to enqueue.
type Request struct {
	ScheduleID  string
	TaskType    TaskType
	Priority    Priority
	Options     map[string]any
	MaxRetries  int
	MaxDuration time.Duration
}

// Engine drains the priority queue with a fixed worker pool. Executions
// retry transient failures with capped exponential backoff and terminate
// timedOut when MaxDuration expires.
type Engine struct {
	cfg      Config
	registry *Registry
	store    HistoryStore
	log      zerolog.Logger
	queue    *queue

	// OnTerminal, when set, is invoked after an execution reaches a terminal
	// status; the scheduler uses it to update parent-schedule counters.
	OnTerminal func(exec Execution)

	mu         sync.Mutex
	executions map[string]*Execution
	order      []string // insertion order for history eviction
	running    map[string]context.CancelFunc
	timers     map[string]*time.Timer // pending retry backoff timers

	started  metric.Int64Counter
	finished metric.Int64Counter
	retried  metric.Int64Counter
}

// NewEngine constructs the engine over a task registry. The store may be nil
// for in-memory-only history.
func NewEngine(cfg Config, registry *Registry, store HistoryStore, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		store:      store,
		log:        log.With().Str("component", "jobs").Logger(),
		queue:      newQueue(),
		executions: make(map[string]*Execution),
		running:    make(map[string]context.CancelFunc),
		timers:     make(map[string]*time.Timer),
	}

	meter := otel.Meter("jobs")
	e.started, _ = meter.Int64Counter("jobs.executions.started",
		metric.WithDescription("Executions entering the running state"),
		metric.WithUnit("{execution}"))
	e.finished, _ = meter.Int64Counter("jobs.executions.finished",
		metric.WithDescription("Executions reaching a terminal status"),
		metric.WithUnit("{execution}"))
	e.retried, _ = meter.Int64Counter("jobs.executions.retried",
		metric.WithDescription("Transient failures re-enqueued with backoff"),
		metric.WithUnit("{execution}"))

	return e
}

// Submit enqueues a new execution and returns its id.
func (e *Engine) Submit(req Request) (string, error) {
	if _, _, ok := e.registry.Lookup(req.TaskType); !ok {
		return "", errs.New("jobs/submit", errs.KindNotFound,
			errs.WithMessage("unknown task type"), errs.WithMetadata(map[string]string{"taskType": string(req.TaskType)}))
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return "", errs.New("jobs/submit", errs.KindValidation,
			errs.WithMessage("unknown priority"), errs.WithMetadata(map[string]string{"priority": string(priority)}))
	}
	maxDuration := req.MaxDuration
	if maxDuration <= 0 {
		maxDuration = defaultMaxDuration
	}

	exec := &Execution{
		ID:          uuid.NewString(),
		ScheduleID:  req.ScheduleID,
		TaskType:    req.TaskType,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  req.MaxRetries,
		MaxDuration: maxDuration,
		Options:     req.Options,
		EnqueuedAt:  time.Now().UTC(),
	}

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.order = append(e.order, exec.ID)
	e.evictLocked()
	e.mu.Unlock()

	e.persist(exec)
	e.queue.push(exec)
	return exec.ID, nil
}

// Resume re-enqueues non-terminal executions loaded from the store at
// startup. The execution id is the dedup key, so resuming never duplicates
// completed work.
func (e *Engine) Resume(execs []Execution) {
	for i := range execs {
		if execs[i].Status.Terminal() {
			continue
		}
		exec := execs[i]
		exec.Status = StatusPending
		e.mu.Lock()
		if _, ok := e.executions[exec.ID]; ok {
			e.mu.Unlock()
			continue
		}
		copied := exec
		e.executions[exec.ID] = &copied
		e.order = append(e.order, exec.ID)
		e.mu.Unlock()
		e.queue.push(&copied)
		e.log.Info().Str("execution", exec.ID).Str("task", string(exec.TaskType)).Msg("resuming execution")
	}
}

// Cancel transitions a pending execution to cancelled immediately and asks a
// running one to stop cooperatively.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return errs.New("jobs/cancel", errs.KindNotFound, errs.WithMessage("unknown execution id"))
	}
	if exec.Status.Terminal() {
		e.mu.Unlock()
		return errs.New("jobs/cancel", errs.KindConflict, errs.WithMessage("execution already terminal"))
	}
	if cancel, live := e.running[executionID]; live {
		e.mu.Unlock()
		cancel()
		return nil
	}
	if timer, waiting := e.timers[executionID]; waiting {
		timer.Stop()
		delete(e.timers, executionID)
	}
	// Pending: mark cancelled now; workers skip it when popped.
	e.finishLocked(exec, StatusCancelled, "cancelled while pending")
	e.mu.Unlock()
	e.afterTerminal(exec)
	return nil
}

// Get returns a copy of the execution.
func (e *Engine) Get(executionID string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// History returns recent executions, newest first, up to limit.
func (e *Engine) History(limit int) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.order) {
		limit = len(e.order)
	}
	out := make([]Execution, 0, limit)
	for i := len(e.order) - 1; i >= 0 && len(out) < limit; i-- {
		if exec, ok := e.executions[e.order[i]]; ok {
			out = append(out, *exec)
		}
	}
	return out
}

// QueueDepth reports pending items for status snapshots.
func (e *Engine) QueueDepth() int { return e.queue.depth() }

// Run starts the worker pool and blocks until ctx ends and in-flight work
// stops. Launch on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Go(func() { e.worker(ctx) })
	}
	<-ctx.Done()
	e.queue.close()
	e.mu.Lock()
	for _, timer := range e.timers {
		timer.Stop()
	}
	e.mu.Unlock()
	wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	for {
		exec, ok := e.queue.pop()
		if !ok {
			return
		}
		e.runOne(ctx, exec)
	}
}

func (e *Engine) runOne(ctx context.Context, exec *Execution) {
	e.mu.Lock()
	if exec.Status != StatusPending {
		// Cancelled while queued.
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	exec.Status = StatusRunning
	exec.StartedAt = &now

	execCtx, cancel := context.WithCancel(ctx)
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()

	e.persist(exec)
	if e.started != nil {
		e.started.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("task", string(exec.TaskType))))
	}

	task, gate, ok := e.registry.Lookup(exec.TaskType)
	if !ok {
		e.terminate(exec, StatusFailed, "task type no longer registered")
		return
	}

	if gate != nil {
		if pass, reason := gate(time.Now(), exec); !pass {
			e.mu.Lock()
			exec.Logf("precondition not met: %s", reason)
			e.mu.Unlock()
			e.terminate(exec, StatusCompletedWithWarnings, reason)
			return
		}
	}

	runCtx, cancelRun := context.WithTimeout(execCtx, exec.MaxDuration)
	result, err := task.Run(runCtx, exec)
	cancelRun()

	switch {
	case err == nil:
		e.mu.Lock()
		exec.Result.Merge(result)
		e.mu.Unlock()
		e.terminate(exec, StatusCompleted, "")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && execCtx.Err() == nil:
		e.terminate(exec, StatusTimedOut, "exceeded max duration "+exec.MaxDuration.String())
	case execCtx.Err() != nil && ctx.Err() == nil:
		e.terminate(exec, StatusCancelled, "cancelled while running")
	case ctx.Err() != nil:
		// Engine shutdown: leave the execution pending so a restart resumes
		// it.
		e.mu.Lock()
		exec.Status = StatusPending
		e.mu.Unlock()
		e.persist(exec)
	case errs.IsTransient(err) && exec.Attempt < exec.MaxRetries:
		e.scheduleRetry(exec, err)
	default:
		e.terminate(exec, StatusFailed, err.Error())
	}
}

// scheduleRetry re-enqueues the execution after a capped exponential backoff
// with full jitter.
func (e *Engine) scheduleRetry(exec *Execution, cause error) {
	e.mu.Lock()
	exec.Attempt++
	exec.Status = StatusPending
	exec.Logf("attempt %d failed: %v", exec.Attempt, cause)
	delay := e.retryDelay(exec.Attempt)
	e.timers[exec.ID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, exec.ID)
		e.mu.Unlock()
		e.queue.push(exec)
	})
	e.mu.Unlock()

	e.persist(exec)
	if e.retried != nil {
		e.retried.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("task", string(exec.TaskType))))
	}
	e.log.Warn().Err(cause).
		Str("execution", exec.ID).
		Str("task", string(exec.TaskType)).
		Int("attempt", exec.Attempt).
		Dur("delay", delay).
		Msg("transient failure; retrying")
}

// retryDelay computes base*2^(attempt-1) capped, with full jitter.
func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempt && d < e.cfg.RetryCap; i++ {
		d *= 2
	}
	if d > e.cfg.RetryCap {
		d = e.cfg.RetryCap
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

func (e *Engine) terminate(exec *Execution, status Status, reason string) {
	e.mu.Lock()
	e.finishLocked(exec, status, reason)
	e.mu.Unlock()
	e.afterTerminal(exec)
}

func (e *Engine) finishLocked(exec *Execution, status Status, reason string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	if reason != "" && status != StatusCompleted {
		exec.Error = reason
	}
}

func (e *Engine) afterTerminal(exec *Execution) {
	e.persist(exec)
	if e.finished != nil {
		e.finished.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("task", string(exec.TaskType)),
			attribute.String("status", string(exec.Status))))
	}
	event := e.log.Info()
	if exec.Status == StatusFailed || exec.Status == StatusTimedOut {
		event = e.log.Error()
	}
	event.
		Str("execution", exec.ID).
		Str("task", string(exec.TaskType)).
		Str("status", string(exec.Status)).
		Msg("execution finished")
	if e.OnTerminal != nil {
		e.OnTerminal(*exec)
	}
}

func (e *Engine) persist(exec *Execution) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	snapshot := *exec
	e.mu.Unlock()
	if err := e.store.Save(snapshot); err != nil {
		e.log.Warn().Err(err).Str("execution", exec.ID).Msg("history persist failed")
	}
}

// evictLocked drops the oldest terminal executions beyond MaxHistory.
func (e *Engine) evictLocked() {
	excess := len(e.order) - e.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		exec := e.executions[id]
		if excess > 0 && exec != nil && exec.Status.Terminal() {
			delete(e.executions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// Executions returns copies of every tracked execution sorted by enqueue
// time, for the control surface.
func (e *Engine) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, *exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}
