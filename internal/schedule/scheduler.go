package schedule

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/jobs"
)

// idleWait bounds the timer when no schedule is due; writes wake the loop
// sooner.
const idleWait = time.Hour

// Dispatcher enqueues executions; the job engine implements it.
type Dispatcher interface {
	Submit(req jobs.Request) (string, error)
}

// entry is one heap slot. Entries are invalidated lazily: an update or
// delete leaves the old entry in the heap, and fireDue drops entries whose
// fireAt no longer matches the schedule's NextExecutionAt.
type entry struct {
	id     string
	fireAt time.Time
}

type fireHeap []entry

func (h fireHeap) Len() int           { return len(h) }
func (h fireHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h fireHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler owns the schedule set and its fire heap. All mutation goes
// through Create/Update/Delete so the heap, the cache, and the store stay
// consistent.
type Scheduler struct {
	store    Store
	dispatch Dispatcher
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	scheds map[string]CronSchedule
	heap   fireHeap
	wake   chan struct{}

	fired metric.Int64Counter
}

// New constructs a scheduler over a store and dispatcher. Call Load before
// Run to restore persisted schedules.
func New(store Store, dispatch Dispatcher, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		store:    store,
		dispatch: dispatch,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		scheds:   make(map[string]CronSchedule),
		wake:     make(chan struct{}, 1),
	}
	meter := otel.Meter("scheduler")
	s.fired, _ = meter.Int64Counter("scheduler.fires",
		metric.WithDescription("Schedule fires dispatched to the job engine"),
		metric.WithUnit("{fire}"))
	return s
}

// Load restores schedules from the store and seeds the heap. Schedules whose
// next fire is missing or already past are recomputed from now, so downtime
// never produces a burst of stale fires.
func (s *Scheduler) Load() error {
	list, err := s.store.List()
	if err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range list {
		if sched.Enabled && (sched.NextExecutionAt == nil || !sched.NextExecutionAt.After(now)) {
			next, err := sched.NextAfter(now)
			if err != nil {
				s.log.Error().Err(err).Str("schedule", sched.ID).Msg("stored schedule unparseable; disabled")
				sched.Enabled = false
			} else {
				sched.NextExecutionAt = &next
			}
			if err := s.store.Upsert(sched); err != nil {
				return err
			}
		}
		s.scheds[sched.ID] = sched
		if sched.Enabled && sched.NextExecutionAt != nil {
			heap.Push(&s.heap, entry{id: sched.ID, fireAt: *sched.NextExecutionAt})
		}
	}
	return nil
}

// Create validates and persists a new schedule and arms its first fire.
func (s *Scheduler) Create(sched CronSchedule) (CronSchedule, error) {
	if err := sched.Validate(); err != nil {
		return CronSchedule{}, err
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.Priority == "" {
		sched.Priority = jobs.PriorityNormal
	}
	now := s.now()
	sched.CreatedAt = now.UTC()
	sched.UpdatedAt = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scheds[sched.ID]; exists {
		return CronSchedule{}, errs.New("schedule/create", errs.KindConflict,
			errs.WithMessage("schedule id already exists"), errs.WithField("id", sched.ID))
	}
	if err := s.armLocked(&sched, now); err != nil {
		return CronSchedule{}, err
	}
	if err := s.store.Upsert(sched); err != nil {
		return CronSchedule{}, err
	}
	s.scheds[sched.ID] = sched
	s.kick()
	return sched, nil
}

// Update replaces an existing schedule and recomputes its next fire.
func (s *Scheduler) Update(sched CronSchedule) (CronSchedule, error) {
	if err := sched.Validate(); err != nil {
		return CronSchedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.scheds[sched.ID]
	if !exists {
		return CronSchedule{}, errs.New("schedule/update", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", sched.ID))
	}
	sched.CreatedAt = prev.CreatedAt
	sched.ExecutionCount = prev.ExecutionCount
	sched.LastExecutedAt = prev.LastExecutedAt
	sched.LastStatus = prev.LastStatus
	sched.UpdatedAt = s.now().UTC()
	if err := s.armLocked(&sched, s.now()); err != nil {
		return CronSchedule{}, err
	}
	if err := s.store.Upsert(sched); err != nil {
		return CronSchedule{}, err
	}
	s.scheds[sched.ID] = sched
	s.kick()
	return sched, nil
}

// armLocked computes the next fire and pushes a heap entry for enabled
// schedules.
func (s *Scheduler) armLocked(sched *CronSchedule, now time.Time) error {
	if !sched.Enabled {
		sched.NextExecutionAt = nil
		return nil
	}
	next, err := sched.NextAfter(now)
	if err != nil {
		return err
	}
	sched.NextExecutionAt = &next
	heap.Push(&s.heap, entry{id: sched.ID, fireAt: next})
	return nil
}

// Delete removes a schedule; its heap entry dies lazily.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scheds[id]; !exists {
		return errs.New("schedule/delete", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
	}
	delete(s.scheds, id)
	return s.store.Delete(id)
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.scheds[id]
	if !ok {
		return CronSchedule{}, errs.New("schedule/get", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
	}
	return sched, nil
}

// List returns every schedule sorted by name.
func (s *Scheduler) List() []CronSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronSchedule, 0, len(s.scheds))
	for _, sched := range s.scheds {
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordResult stamps the terminal status of an execution onto its parent
// schedule. Wire it to the engine's OnTerminal hook.
func (s *Scheduler) RecordResult(exec jobs.Execution) {
	if exec.ScheduleID == "" || !exec.Status.Terminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.scheds[exec.ScheduleID]
	if !ok {
		return
	}
	sched.LastStatus = exec.Status
	s.scheds[sched.ID] = sched
	if err := s.store.Upsert(sched); err != nil {
		s.log.Warn().Err(err).Str("schedule", sched.ID).Msg("schedule status persist failed")
	}
}

// Run drives the single fire timer until ctx ends. Launch on its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

// untilNext computes the sleep until the earliest armed fire.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return idleWait
	}
	wait := time.Until(s.heap[0].fireAt)
	if wait < 0 {
		wait = 0
	}
	if wait > idleWait {
		wait = idleWait
	}
	return wait
}

// fireDue pops every entry at or before now and dispatches an execution per
// live schedule, then re-arms each.
func (s *Scheduler) fireDue() {
	now := s.now()
	s.mu.Lock()
	var due []CronSchedule
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(entry)
		sched, ok := s.scheds[e.id]
		if !ok || !sched.Enabled {
			continue
		}
		// Stale entry from before an update; the fresh entry is elsewhere in
		// the heap.
		if sched.NextExecutionAt == nil || !sched.NextExecutionAt.Equal(e.fireAt) {
			continue
		}
		due = append(due, sched)
	}
	for i := range due {
		sched := due[i]
		fireAt := now.UTC()
		sched.LastExecutedAt = &fireAt
		sched.ExecutionCount++
		next, err := sched.NextAfter(now)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", sched.ID).Msg("next fire unparseable; disabling")
			sched.Enabled = false
			sched.NextExecutionAt = nil
		} else {
			sched.NextExecutionAt = &next
			heap.Push(&s.heap, entry{id: sched.ID, fireAt: next})
		}
		s.scheds[sched.ID] = sched
		if err := s.store.Upsert(sched); err != nil {
			s.log.Warn().Err(err).Str("schedule", sched.ID).Msg("schedule persist failed")
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		execID, err := s.dispatch.Submit(jobs.Request{
			ScheduleID:  sched.ID,
			TaskType:    sched.TaskType,
			Priority:    sched.Priority,
			Options:     sched.Options,
			MaxRetries:  sched.MaxRetries,
			MaxDuration: sched.MaxDuration,
		})
		if err != nil {
			s.log.Error().Err(err).Str("schedule", sched.ID).Msg("dispatch failed")
			continue
		}
		if s.fired != nil {
			s.fired.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("task", string(sched.TaskType))))
		}
		s.log.Info().
			Str("schedule", sched.ID).
			Str("name", sched.Name).
			Str("execution", execID).
			Msg("schedule fired")
	}
}

// kick wakes the run loop so a freshly armed fire is picked up.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
