package schedule

import (
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/infra/persistence/jsonstate"
)

// Store persists schedules across restarts. Implementations must be safe for
// concurrent use.
type Store interface {
	Upsert(sched CronSchedule) error
	Get(id string) (CronSchedule, error)
	Delete(id string) error
	List() ([]CronSchedule, error)
}

// FileStore keeps the schedule list in one JSON file, rewritten atomically
// on every change.
type FileStore struct {
	path string

	mu     sync.Mutex
	scheds map[string]CronSchedule
}

// NewFileStore loads schedules from path; a missing file starts empty.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, scheds: make(map[string]CronSchedule)}
	var list []CronSchedule
	if err := jsonstate.Load(path, &list); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, sched := range list {
		s.scheds[sched.ID] = sched
	}
	return s, nil
}

// Upsert implements Store.
func (s *FileStore) Upsert(sched CronSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheds[sched.ID] = sched
	return s.flushLocked()
}

// Get implements Store.
func (s *FileStore) Get(id string) (CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.scheds[id]
	if !ok {
		return CronSchedule{}, errs.New("schedule/get", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
	}
	return sched, nil
}

// Delete implements Store.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheds[id]; !ok {
		return errs.New("schedule/delete", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
	}
	delete(s.scheds, id)
	return s.flushLocked()
}

// List implements Store; sorted by name for stable output.
func (s *FileStore) List() ([]CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronSchedule, 0, len(s.scheds))
	for _, sched := range s.scheds {
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) flushLocked() error {
	list := make([]CronSchedule, 0, len(s.scheds))
	for _, sched := range s.scheds {
		list = append(list, sched)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return jsonstate.Save(s.path, list)
}
