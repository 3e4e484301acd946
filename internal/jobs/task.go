package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantfeed/tickvault/errs"
)

// Task is one runnable job class. Run must honor ctx cancellation promptly;
// the engine bounds it with the execution's MaxDuration. Transient errors
// (errs.KindTransient) are retried up to MaxRetries; anything else fails the
// execution.
type Task interface {
	Run(ctx context.Context, exec *Execution) (Result, error)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, exec *Execution) (Result, error)

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context, exec *Execution) (Result, error) {
	return f(ctx, exec)
}

// Gate is a per-task precondition checked before Run. A failing gate
// completes the execution as completedWithWarnings with the reason; it is
// not an error.
type Gate func(now time.Time, exec *Execution) (ok bool, reason string)

// Registry maps task types to implementations and optional gates.
type Registry struct {
	mu    sync.RWMutex
	tasks map[TaskType]Task
	gates map[TaskType]Gate
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[TaskType]Task), gates: make(map[TaskType]Gate)}
}

// Register installs a task under its type. Re-registering a type is a
// conflict.
func (r *Registry) Register(taskType TaskType, task Task) error {
	if taskType == "" || task == nil {
		return errs.New("jobs/register", errs.KindValidation, errs.WithMessage("task type and task required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskType]; ok {
		return errs.New("jobs/register", errs.KindConflict,
			errs.WithMessage("task already registered"), errs.WithField("taskType", string(taskType)))
	}
	r.tasks[taskType] = task
	return nil
}

// SetGate installs a precondition for the task type, replacing any prior
// gate.
func (r *Registry) SetGate(taskType TaskType, gate Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[taskType] = gate
}

// Lookup returns the task and gate for a type.
func (r *Registry) Lookup(taskType TaskType) (Task, Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskType]
	return task, r.gates[taskType], ok
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskType, 0, len(r.tasks))
	for t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Option keys for the market-closed gate, read from the execution options
// blob.
const (
	OptMarketTimeZoneID = "marketTimeZoneId"
	OptMarketOpenTime   = "marketOpenTime"
	OptMarketCloseTime  = "marketCloseTime"
)

// MarketClosedGate passes only outside regular market hours. Tasks that
// rewrite archive files (tier migration, defragmentation) gate on this so
// they never contend with the live writer. Options supply the market zone
// and session times as "HH:MM"; missing options default to US equities
// hours.
func MarketClosedGate(now time.Time, exec *Execution) (bool, string) {
	zone := optString(exec.Options, OptMarketTimeZoneID, "America/New_York")
	open := optString(exec.Options, OptMarketOpenTime, "09:30")
	close_ := optString(exec.Options, OptMarketCloseTime, "16:00")

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, "unknown market time zone " + zone
	}
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return true, ""
	}
	openMin, err1 := parseClock(open)
	closeMin, err2 := parseClock(close_)
	if err1 != nil || err2 != nil {
		return false, "malformed market session times"
	}
	nowMin := local.Hour()*60 + local.Minute()
	if nowMin >= openMin && nowMin < closeMin {
		return false, "market open in " + zone + "; deferring"
	}
	return true, ""
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func optString(options map[string]any, key, fallback string) string {
	if v, ok := options[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return fallback
}
