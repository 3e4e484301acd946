package health

import (
	"sort"
	"time"
)

const (
	latencyEWMAAlpha  = 0.2
	latencyWindowSize = 128
)

// latencyTracker keeps running aggregates plus a bounded window of recent
// samples. Callers hold the owning connection's lock.
type latencyTracker struct {
	count  uint64
	min    time.Duration
	max    time.Duration
	total  time.Duration
	ewmaMs float64

	window [latencyWindowSize]time.Duration
	widx   int
	wfull  bool
}

func (l *latencyTracker) observe(sample time.Duration) {
	if sample < 0 {
		return
	}
	if l.count == 0 || sample < l.min {
		l.min = sample
	}
	if sample > l.max {
		l.max = sample
	}
	l.total += sample
	l.count++

	ms := float64(sample.Microseconds()) / 1000.0
	if l.count == 1 {
		l.ewmaMs = ms
	} else {
		l.ewmaMs = l.ewmaMs*(1-latencyEWMAAlpha) + ms*latencyEWMAAlpha
	}

	l.window[l.widx] = sample
	l.widx++
	if l.widx == latencyWindowSize {
		l.widx = 0
		l.wfull = true
	}
}

func (l *latencyTracker) recent() []time.Duration {
	n := l.widx
	if l.wfull {
		n = latencyWindowSize
	}
	out := make([]time.Duration, n)
	if l.wfull {
		copy(out, l.window[l.widx:])
		copy(out[latencyWindowSize-l.widx:], l.window[:l.widx])
	} else {
		copy(out, l.window[:n])
	}
	return out
}

// LatencyStats summarizes observed round-trip latencies for one connection.
type LatencyStats struct {
	Count      uint64        `json:"count"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	EWMAMillis float64       `json:"ewmaMillis"`
	RecentMean time.Duration `json:"recentMean"`
	P95        time.Duration `json:"p95"`
}

func (l *latencyTracker) stats() LatencyStats {
	s := LatencyStats{Count: l.count, Min: l.min, Max: l.max, EWMAMillis: l.ewmaMs}
	if l.count > 0 {
		s.Mean = l.total / time.Duration(l.count)
	}
	recent := l.recent()
	if len(recent) == 0 {
		return s
	}
	var sum time.Duration
	for _, d := range recent {
		sum += d
	}
	s.RecentMean = sum / time.Duration(len(recent))

	sorted := make([]time.Duration, len(recent))
	copy(sorted, recent)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	s.P95 = sorted[idx]
	return s
}
