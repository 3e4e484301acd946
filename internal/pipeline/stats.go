package pipeline

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/quantfeed/tickvault/internal/domain/schema"
)

const rateAlpha = 0.3

// rateMeter tracks publishes-per-second as an EWMA over one-second buckets.
// All state is atomic so producer threads never contend on a lock.
type rateMeter struct {
	bucketSec   atomic.Int64
	bucketCount atomic.Uint64
	rateBits    atomic.Uint64
}

func (r *rateMeter) record(now time.Time) {
	sec := now.Unix()
	for {
		cur := r.bucketSec.Load()
		if cur >= sec {
			r.bucketCount.Add(1)
			return
		}
		if !r.bucketSec.CompareAndSwap(cur, sec) {
			continue
		}
		count := r.bucketCount.Swap(1)
		if cur == 0 {
			r.rateBits.Store(math.Float64bits(0))
			return
		}
		rate := math.Float64frombits(r.rateBits.Load())
		rate = rate*(1-rateAlpha) + float64(count)*rateAlpha
		for gap := sec - cur; gap > 1; gap-- {
			rate *= 1 - rateAlpha
		}
		r.rateBits.Store(math.Float64bits(rate))
		return
	}
}

func (r *rateMeter) rate() float64 {
	return math.Float64frombits(r.rateBits.Load())
}

// stats aggregates pipeline telemetry. Counters are atomic; the per-type
// tallies are pre-sized for the fixed event-type set so no lock is needed.
type stats struct {
	published   atomic.Uint64
	dropped     atomic.Uint64
	stored      atomic.Uint64
	storeFailed atomic.Uint64
	peakDepth   atomic.Int64
	perType     map[schema.EventType]*atomic.Uint64
	rate        rateMeter
}

func newStats() *stats {
	perType := make(map[schema.EventType]*atomic.Uint64, len(schema.EventTypes()))
	for _, t := range schema.EventTypes() {
		perType[t] = new(atomic.Uint64)
	}
	return &stats{perType: perType}
}

func (s *stats) recordPublish(evt schema.MarketEvent, now time.Time) {
	s.published.Add(1)
	if c, ok := s.perType[evt.Type]; ok {
		c.Add(1)
	}
	s.rate.record(now)
}

func (s *stats) recordDepth(depth int) {
	d := int64(depth)
	for {
		peak := s.peakDepth.Load()
		if d <= peak || s.peakDepth.CompareAndSwap(peak, d) {
			return
		}
	}
}

// Stats is a point-in-time view of pipeline throughput and depth.
type Stats struct {
	Published       uint64                      `json:"published"`
	Dropped         uint64                      `json:"dropped"`
	Stored          uint64                      `json:"stored"`
	StoreFailed     uint64                      `json:"storeFailed"`
	CurrentDepth    int                         `json:"currentDepth"`
	PeakDepth       int                         `json:"peakDepth"`
	PublishedPerSec float64                     `json:"publishedPerSec"`
	PerType         map[schema.EventType]uint64 `json:"perType"`
}

func (s *stats) snapshot(depth int) Stats {
	perType := make(map[schema.EventType]uint64, len(s.perType))
	for t, c := range s.perType {
		perType[t] = c.Load()
	}
	return Stats{
		Published:       s.published.Load(),
		Dropped:         s.dropped.Load(),
		Stored:          s.stored.Load(),
		StoreFailed:     s.storeFailed.Load(),
		CurrentDepth:    depth,
		PeakDepth:       int(s.peakDepth.Load()),
		PublishedPerSec: s.rate.rate(),
		PerType:         perType,
	}
}
