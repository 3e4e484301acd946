package validate

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantfeed/tickvault/internal/domain/schema"
)

// reorderWindow is how far back a regressed sequence may reach before it
// counts as out-of-order rather than tolerated jitter.
const reorderWindow = time.Second

// SeqResult classifies one observed sequence number.
type SeqResult int

const (
	// SeqOK is a normal advance.
	SeqOK SeqResult = iota
	// SeqDuplicate repeats the last accepted sequence.
	SeqDuplicate
	// SeqGap jumps ahead leaving missing sequences behind.
	SeqGap
	// SeqOutOfOrder regresses beyond the reorder window.
	SeqOutOfOrder
	// SeqReordered regresses within the tolerated window.
	SeqReordered
)

type streamState struct {
	lastSeq uint64
	lastAt  time.Time
}

// Sequencer tracks per (provider, symbol, type) sequence progression. The
// provider contract promises monotonic non-decreasing sequences; the tracker
// tolerates single-source reorderings within one second.
type Sequencer struct {
	mu      sync.Mutex
	streams map[string]*streamState
	now     func() time.Time
}

// NewSequencer constructs an empty tracker.
func NewSequencer() *Sequencer {
	return &Sequencer{streams: make(map[string]*streamState), now: time.Now}
}

// Observe classifies the event's sequence and advances the stream state.
// Events without a sequence (zero) always pass.
func (s *Sequencer) Observe(evt schema.MarketEvent) (SeqResult, *Finding) {
	if evt.Sequence == 0 {
		return SeqOK, nil
	}
	key := evt.Provider + ":" + evt.Symbol + ":" + string(evt.Type)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[key]
	if !ok {
		s.streams[key] = &streamState{lastSeq: evt.Sequence, lastAt: now}
		return SeqOK, nil
	}

	switch {
	case evt.Sequence == st.lastSeq:
		return SeqDuplicate, nil
	case evt.Sequence == st.lastSeq+1:
		st.lastSeq = evt.Sequence
		st.lastAt = now
		return SeqOK, nil
	case evt.Sequence > st.lastSeq:
		missing := evt.Sequence - st.lastSeq - 1
		finding := &Finding{
			Kind:   schema.IntegrityGap,
			Symbol: evt.Symbol,
			Detail: fmt.Sprintf("sequence gap of %d on %s", missing, key),
			Payload: schema.IntegrityPayload{
				Kind:     schema.IntegrityGap,
				Detail:   fmt.Sprintf("sequence gap for %s", evt.Symbol),
				Expected: fmt.Sprintf("%d", st.lastSeq+1),
				Observed: fmt.Sprintf("%d", evt.Sequence),
				Fields: map[string]string{
					"provider": evt.Provider,
					"type":     string(evt.Type),
					"missing":  fmt.Sprintf("%d", missing),
				},
			},
		}
		st.lastSeq = evt.Sequence
		st.lastAt = now
		return SeqGap, finding
	default:
		// Regression. Within the reorder window the event is tolerated and
		// the high-water sequence stands.
		if now.Sub(st.lastAt) <= reorderWindow {
			return SeqReordered, nil
		}
		finding := &Finding{
			Kind:   schema.IntegrityOutOfOrder,
			Symbol: evt.Symbol,
			Detail: fmt.Sprintf("sequence regression on %s: %d after %d", key, evt.Sequence, st.lastSeq),
			Payload: schema.IntegrityPayload{
				Kind:     schema.IntegrityOutOfOrder,
				Detail:   fmt.Sprintf("out-of-order sequence for %s", evt.Symbol),
				Expected: fmt.Sprintf(">= %d", st.lastSeq),
				Observed: fmt.Sprintf("%d", evt.Sequence),
				Fields: map[string]string{
					"provider": evt.Provider,
					"type":     string(evt.Type),
				},
			},
		}
		return SeqOutOfOrder, finding
	}
}
