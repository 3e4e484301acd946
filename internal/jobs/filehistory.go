package jobs

import (
	"errors"
	"os"
	"sync"

	"github.com/quantfeed/tickvault/internal/infra/persistence/jsonstate"
)

// FileHistory persists execution records to a single JSON file with a
// rolling bound. Suitable for single-instance deployments; larger setups use
// the database-backed store.
type FileHistory struct {
	path string
	max  int

	mu    sync.Mutex
	execs []Execution
	index map[string]int
}

// NewFileHistory loads existing history from path; a missing file starts
// empty. maxEntries bounds the file, oldest evicted first.
func NewFileHistory(path string, maxEntries int) (*FileHistory, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxHistory
	}
	h := &FileHistory{path: path, max: maxEntries, index: make(map[string]int)}
	if err := jsonstate.Load(path, &h.execs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for i := range h.execs {
		h.index[h.execs[i].ID] = i
	}
	return h, nil
}

// Save implements HistoryStore.
func (h *FileHistory) Save(exec Execution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i, ok := h.index[exec.ID]; ok {
		h.execs[i] = exec
	} else {
		h.execs = append(h.execs, exec)
		h.index[exec.ID] = len(h.execs) - 1
	}
	if len(h.execs) > h.max {
		drop := len(h.execs) - h.max
		h.execs = append([]Execution(nil), h.execs[drop:]...)
		h.index = make(map[string]int, len(h.execs))
		for i := range h.execs {
			h.index[h.execs[i].ID] = i
		}
	}
	return jsonstate.Save(h.path, h.execs)
}

// List implements HistoryStore; newest first.
func (h *FileHistory) List(limit int) ([]Execution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.execs) {
		limit = len(h.execs)
	}
	out := make([]Execution, 0, limit)
	for i := len(h.execs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.execs[i])
	}
	return out, nil
}
