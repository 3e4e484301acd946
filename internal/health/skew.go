package health

import (
	"sync"
	"time"
)

const skewEWMAAlpha = 0.1

type skewState struct {
	ewmaMs  float64
	samples uint64
	lastAt  time.Time
}

// SkewEstimator maintains a per-provider EWMA of receive-time minus
// exchange-time. Positive skew means events arrive after their exchange
// stamp; large magnitudes indicate provider clock drift or transit delay.
type SkewEstimator struct {
	mu    sync.RWMutex
	alpha float64
	skews map[string]*skewState
}

// NewSkewEstimator constructs an estimator with the default smoothing factor.
func NewSkewEstimator() *SkewEstimator {
	return &SkewEstimator{alpha: skewEWMAAlpha, skews: make(map[string]*skewState)}
}

// Observe folds one event's timestamps into the provider's estimate. Events
// without an exchange stamp are ignored.
func (s *SkewEstimator) Observe(provider string, exchangeTS, recvTS time.Time) {
	if provider == "" || exchangeTS.IsZero() || recvTS.IsZero() {
		return
	}
	deltaMs := float64(recvTS.Sub(exchangeTS).Microseconds()) / 1000.0

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.skews[provider]
	if !ok {
		st = &skewState{}
		s.skews[provider] = st
	}
	if st.samples == 0 {
		st.ewmaMs = deltaMs
	} else {
		st.ewmaMs = st.ewmaMs*(1-s.alpha) + deltaMs*s.alpha
	}
	st.samples++
	st.lastAt = recvTS
}

// Skew returns the current estimate for a provider.
func (s *SkewEstimator) Skew(provider string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.skews[provider]
	if !ok {
		return 0, false
	}
	return time.Duration(st.ewmaMs * float64(time.Millisecond)), true
}

// ProviderSkew is a point-in-time skew estimate.
type ProviderSkew struct {
	Provider string        `json:"provider"`
	Skew     time.Duration `json:"skew"`
	Samples  uint64        `json:"samples"`
	LastAt   time.Time     `json:"lastAt"`
}

// Snapshot returns every provider's estimate.
func (s *SkewEstimator) Snapshot() []ProviderSkew {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProviderSkew, 0, len(s.skews))
	for provider, st := range s.skews {
		out = append(out, ProviderSkew{
			Provider: provider,
			Skew:     time.Duration(st.ewmaMs * float64(time.Millisecond)),
			Samples:  st.samples,
			LastAt:   st.lastAt,
		})
	}
	return out
}
