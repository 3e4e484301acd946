package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/errs"
)

func fastConfig() Config {
	return Config{Workers: 2, RetryBase: 5 * time.Millisecond, RetryCap: 20 * time.Millisecond}
}

func waitTerminal(t *testing.T, e *Engine, id string) Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if exec, ok := e.Get(id); ok && exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := e.Get(id)
	t.Fatalf("execution %s not terminal, status=%s", id, exec.Status)
	return Execution{}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	reg := NewRegistry()
	var attempts atomic.Int32
	reg.Register(TaskHealthCheck, TaskFunc(func(context.Context, *Execution) (Result, error) {
		attempts.Add(1)
		return Result{}, errs.New("task/health", errs.KindTransient, errs.WithMessage("probe refused"))
	}))

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, err := e.Submit(Request{TaskType: TaskHealthCheck, MaxRetries: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	exec := waitTerminal(t, e, id)
	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	reg := NewRegistry()
	var attempts atomic.Int32
	reg.Register(TaskRepair, TaskFunc(func(context.Context, *Execution) (Result, error) {
		attempts.Add(1)
		return Result{}, errors.New("corrupt segment header")
	}))

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, _ := e.Submit(Request{TaskType: TaskRepair, MaxRetries: 5})
	exec := waitTerminal(t, e, id)
	if exec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestMaxDurationTerminatesTimedOut(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TaskCompression, TaskFunc(func(ctx context.Context, _ *Execution) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, _ := e.Submit(Request{TaskType: TaskCompression, MaxDuration: 50 * time.Millisecond})
	exec := waitTerminal(t, e, id)
	if exec.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timedOut", exec.Status)
	}
}

func TestCancelRunningExecution(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register(TaskCleanup, TaskFunc(func(ctx context.Context, _ *Execution) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, _ := e.Submit(Request{TaskType: TaskCleanup})
	<-started
	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	exec := waitTerminal(t, e, id)
	if exec.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", exec.Status)
	}
	if err := e.Cancel(id); err == nil {
		t.Fatal("cancelling a terminal execution must error")
	}
}

func TestPriorityOrdersDispatch(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var order []Priority
	release := make(chan struct{})
	reg.Register(TaskArchival, TaskFunc(func(_ context.Context, exec *Execution) (Result, error) {
		<-release
		mu.Lock()
		order = append(order, exec.Priority)
		mu.Unlock()
		return Result{}, nil
	}))

	// Single worker so queue order is observable.
	e := NewEngine(Config{Workers: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond}, reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for _, p := range []Priority{PriorityBackground, PriorityCritical, PriorityNormal, PriorityHigh} {
		id, err := e.Submit(Request{TaskType: TaskArchival, Priority: p})
		if err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
		ids = append(ids, id)
	}
	go e.Run(ctx)
	close(release)
	for _, id := range ids {
		waitTerminal(t, e, id)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Priority{PriorityBackground, PriorityCritical, PriorityHigh, PriorityNormal}
	// The first pop may race Submit ordering only for the background item the
	// worker grabbed before higher priorities arrived; with Run started after
	// all submits, order is fully deterministic.
	for i, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityBackground} {
		if order[i] != p {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestGateFailureCompletesWithWarnings(t *testing.T) {
	reg := NewRegistry()
	var ran atomic.Bool
	reg.Register(TaskTierMigration, TaskFunc(func(context.Context, *Execution) (Result, error) {
		ran.Store(true)
		return Result{}, nil
	}))
	reg.SetGate(TaskTierMigration, func(time.Time, *Execution) (bool, string) {
		return false, "market open; deferring"
	})

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, _ := e.Submit(Request{TaskType: TaskTierMigration})
	exec := waitTerminal(t, e, id)
	if exec.Status != StatusCompletedWithWarnings {
		t.Fatalf("status = %s, want completedWithWarnings", exec.Status)
	}
	if ran.Load() {
		t.Fatal("gated task must not run")
	}
	if exec.Error == "" {
		t.Fatal("gate reason missing")
	}
}

func TestSubmitRejectsUnknownTaskAndPriority(t *testing.T) {
	e := NewEngine(fastConfig(), NewRegistry(), nil, zerolog.Nop())
	if _, err := e.Submit(Request{TaskType: "no-such-task"}); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("unknown task err = %v", err)
	}

	reg := NewRegistry()
	reg.Register(TaskCleanup, TaskFunc(func(context.Context, *Execution) (Result, error) { return Result{}, nil }))
	e = NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	if _, err := e.Submit(Request{TaskType: TaskCleanup, Priority: "urgent"}); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("bad priority err = %v", err)
	}
}

func TestFileHistoryPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.json")
	store, err := NewFileHistory(path, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	reg := NewRegistry()
	reg.Register(TaskIntegrityCheck, TaskFunc(func(context.Context, *Execution) (Result, error) {
		return Result{FilesProcessed: 7}, nil
	}))
	e := NewEngine(fastConfig(), reg, store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	id, _ := e.Submit(Request{TaskType: TaskIntegrityCheck})
	waitTerminal(t, e, id)
	cancel()

	reloaded, err := NewFileHistory(path, 10)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	execs, err := reloaded.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != id || execs[0].Status != StatusCompleted {
		t.Fatalf("execs = %+v", execs)
	}
	if execs[0].Result.FilesProcessed != 7 {
		t.Fatalf("result = %+v", execs[0].Result)
	}
}

func TestResumeReenqueuesPendingWork(t *testing.T) {
	reg := NewRegistry()
	var ran atomic.Int32
	reg.Register(TaskGapFill, TaskFunc(func(context.Context, *Execution) (Result, error) {
		ran.Add(1)
		return Result{}, nil
	}))

	e := NewEngine(fastConfig(), reg, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Resume([]Execution{
		{ID: "resume-1", TaskType: TaskGapFill, Priority: PriorityNormal, Status: StatusRunning, EnqueuedAt: time.Now()},
		{ID: "done-1", TaskType: TaskGapFill, Priority: PriorityNormal, Status: StatusCompleted, EnqueuedAt: time.Now()},
	})

	exec := waitTerminal(t, e, "resume-1")
	if exec.Status != StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("ran = %d, want 1 (terminal entries are not re-run)", got)
	}
}

func TestMarketClosedGate(t *testing.T) {
	exec := &Execution{Options: map[string]any{
		OptMarketTimeZoneID: "America/New_York",
		OptMarketOpenTime:   "09:30",
		OptMarketCloseTime:  "16:00",
	}}

	// Tuesday 12:00 New York: market open, gate fails.
	loc, _ := time.LoadLocation("America/New_York")
	open := time.Date(2026, 8, 25, 12, 0, 0, 0, loc)
	if ok, reason := MarketClosedGate(open, exec); ok || reason == "" {
		t.Fatalf("gate during market hours: ok=%v reason=%q", ok, reason)
	}

	// Tuesday 20:00 New York: closed.
	evening := time.Date(2026, 8, 25, 20, 0, 0, 0, loc)
	if ok, _ := MarketClosedGate(evening, exec); !ok {
		t.Fatal("gate after close should pass")
	}

	// Saturday passes regardless of time.
	saturday := time.Date(2026, 8, 29, 12, 0, 0, 0, loc)
	if ok, _ := MarketClosedGate(saturday, exec); !ok {
		t.Fatal("weekend should pass")
	}
}
