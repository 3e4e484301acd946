// Package recon provides the process-wide reconciliation counters that bind
// the ingest stages together. One Counters value is assembled at startup and
// threaded through components; every field is atomic so provider callbacks
// can record without locks.
package recon

import "sync/atomic"

// Counters tallies events at every stage boundary. The quiescent-point
// identity is
//
//	received == duplicates + rejected + pipelineDropped + storeFailed + stored + unaccounted
//
// and Snapshot.Balance reports the residual.
type Counters struct {
	received           atomic.Uint64
	receivedDuplicates atomic.Uint64
	validated          atomic.Uint64
	rejected           atomic.Uint64
	pipelineAccepted   atomic.Uint64
	pipelineDropped    atomic.Uint64
	stored             atomic.Uint64
	storeFailed        atomic.Uint64
	unaccounted        atomic.Uint64
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// Received records events arriving from a provider callback.
func (c *Counters) Received() { c.received.Add(1) }

// Duplicate records an event discarded as a replay of an already seen key.
func (c *Counters) Duplicate() { c.receivedDuplicates.Add(1) }

// Validated records an event that passed the validator chain.
func (c *Counters) Validated() { c.validated.Add(1) }

// Rejected records an event the validator chain refused.
func (c *Counters) Rejected() { c.rejected.Add(1) }

// PipelineAccepted records a successful try-publish.
func (c *Counters) PipelineAccepted() { c.pipelineAccepted.Add(1) }

// PipelineDropped records a try-publish refused by a full queue.
func (c *Counters) PipelineDropped() { c.pipelineDropped.Add(1) }

// Stored records a sink write acknowledged by the archive.
func (c *Counters) Stored() { c.stored.Add(1) }

// StoreFailed records a sink write the archive refused; the event is gone.
func (c *Counters) StoreFailed() { c.storeFailed.Add(1) }

// StoreFailedN records n abandoned events in one step, e.g. a drain timeout.
func (c *Counters) StoreFailedN(n uint64) { c.storeFailed.Add(n) }

// Unaccounted records an invariant violation that orphaned an event.
func (c *Counters) Unaccounted() { c.unaccounted.Add(1) }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Received           uint64 `json:"received"`
	ReceivedDuplicates uint64 `json:"receivedDuplicates"`
	Validated          uint64 `json:"validated"`
	Rejected           uint64 `json:"rejected"`
	PipelineAccepted   uint64 `json:"pipelineAccepted"`
	PipelineDropped    uint64 `json:"pipelineDropped"`
	Stored             uint64 `json:"stored"`
	StoreFailed        uint64 `json:"storeFailed"`
	Unaccounted        uint64 `json:"unaccounted"`
}

// Snapshot reads every counter. Loads are individually atomic, not mutually
// consistent; treat values as at most one event apart unless the system is
// quiescent.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:           c.received.Load(),
		ReceivedDuplicates: c.receivedDuplicates.Load(),
		Validated:          c.validated.Load(),
		Rejected:           c.rejected.Load(),
		PipelineAccepted:   c.pipelineAccepted.Load(),
		PipelineDropped:    c.pipelineDropped.Load(),
		Stored:             c.stored.Load(),
		StoreFailed:        c.storeFailed.Load(),
		Unaccounted:        c.unaccounted.Load(),
	}
}

// Balance returns received minus every accounted outcome. Zero at any
// quiescent point; a persistent non-zero value means events leaked past the
// counters.
func (s Snapshot) Balance() int64 {
	accounted := s.ReceivedDuplicates + s.Rejected + s.PipelineDropped + s.StoreFailed + s.Stored + s.Unaccounted
	return int64(s.Received) - int64(accounted)
}
