package degrade

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/health"
)

type fakeSource struct {
	conns []health.ConnectionStatus
}

func (f *fakeSource) Snapshot() []health.ConnectionStatus { return f.conns }

func conn(provider string, connected bool, p95 time.Duration, reconnects, missed int) health.ConnectionStatus {
	return health.ConnectionStatus{
		ID:                 provider + "-1",
		Provider:           provider,
		Connected:          connected,
		MissedHeartbeats:   missed,
		ReconnectsLastHour: reconnects,
		Latency:            health.LatencyStats{P95: p95},
	}
}

func newScorer(t *testing.T, src Source, cfg Config) *Scorer {
	t.Helper()
	s, err := New(cfg, src, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	return s
}

func TestWeightsMustSumToOne(t *testing.T) {
	bad := Weights{Connection: 0.5, Latency: 0.25, ErrorRate: 0.25, Reconnect: 0.25}
	if _, err := New(Config{Weights: bad}, &fakeSource{}, zerolog.Nop()); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	neg := Weights{Connection: 1.5, Latency: -0.5, ErrorRate: 0, Reconnect: 0}
	if _, err := New(Config{Weights: neg}, &fakeSource{}, zerolog.Nop()); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("negative weight err = %v", err)
	}
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights: %v", err)
	}
}

func TestCompositeContinuity(t *testing.T) {
	// All component inputs healthy: composite 0, normalized 100.
	src := &fakeSource{conns: []health.ConnectionStatus{conn("p", true, 10*time.Millisecond, 0, 0)}}
	s := newScorer(t, src, Config{})
	scores := s.Evaluate()
	if len(scores) != 1 || scores[0].Composite != 0 {
		t.Fatalf("scores = %+v", scores)
	}
	if scores[0].Normalized != 100 || scores[0].Recommendation != RecommendHealthy {
		t.Fatalf("normalized = %v rec = %s", scores[0].Normalized, scores[0].Recommendation)
	}

	// Every component saturated: composite 1.
	src.conns = []health.ConnectionStatus{conn("p", false, 5*time.Second, 20, 10)}
	s2 := newScorer(t, src, Config{})
	for i := 0; i < 100; i++ {
		s2.RecordFailure("p")
	}
	scores = s2.Evaluate()
	if got := scores[0].Composite; got < 0.999 || got > 1.001 {
		t.Fatalf("saturated composite = %v, want 1", got)
	}
	if scores[0].Recommendation != RecommendUnavailable {
		t.Fatalf("rec = %s, want unavailable while disconnected", scores[0].Recommendation)
	}
}

func TestFailoverSelectionPrefersHealthyProvider(t *testing.T) {
	src := &fakeSource{conns: []health.ConnectionStatus{
		conn("P", false, 1200*time.Millisecond, 1, 3),
		conn("Q", true, 50*time.Millisecond, 0, 0),
	}}
	s := newScorer(t, src, Config{})
	for i := 0; i < 10; i++ {
		s.RecordFailure("P")
	}
	scores := s.Evaluate()

	// P: connection 1.0*0.35 + latency 0.56*0.25 + error 1.0*0.25 +
	// reconnect 0.1*0.15 = 0.75.
	var p, q Score
	for _, sc := range scores {
		switch sc.Provider {
		case "P":
			p = sc
		case "Q":
			q = sc
		}
	}
	if !p.Degraded || p.Composite < 0.6 {
		t.Fatalf("P = %+v, want degraded", p)
	}
	if q.Composite > 0.1 || q.Recommendation != RecommendHealthy {
		t.Fatalf("Q = %+v, want healthy", q)
	}

	best, ok := s.SelectBest([]string{"P", "Q"}, "P")
	if !ok || best != "Q" {
		t.Fatalf("selectBest = %q ok=%v, want Q", best, ok)
	}

	// Nothing qualifies when the only healthy candidate is excluded: P is
	// unavailable.
	if _, ok := s.SelectBest([]string{"P", "Q"}, "Q"); ok {
		t.Fatal("selectBest must not pick an unavailable provider")
	}
}

func TestDegradedEventAndStickyRecovery(t *testing.T) {
	src := &fakeSource{conns: []health.ConnectionStatus{conn("p", false, 0, 0, 0)}}
	s := newScorer(t, src, Config{DegradationThreshold: 0.3, RecoveryEvaluations: 2})

	s.Evaluate()
	select {
	case evt := <-s.Events():
		if !evt.Degraded || evt.Provider != "p" {
			t.Fatalf("event = %+v", evt)
		}
	default:
		t.Fatal("no degraded event fired")
	}

	// Provider reconnects; one healthy evaluation is not enough to clear.
	src.conns = []health.ConnectionStatus{conn("p", true, 0, 0, 0)}
	s.Evaluate()
	select {
	case evt := <-s.Events():
		t.Fatalf("premature recovery event: %+v", evt)
	default:
	}

	// Second consecutive healthy evaluation recovers.
	s.Evaluate()
	select {
	case evt := <-s.Events():
		if evt.Degraded {
			t.Fatalf("event = %+v, want recovery", evt)
		}
	default:
		t.Fatal("no recovery event after sustained drop")
	}
}

func TestErrorRateWindowSlides(t *testing.T) {
	src := &fakeSource{conns: []health.ConnectionStatus{conn("p", true, 0, 0, 0)}}
	s := newScorer(t, src, Config{})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		s.RecordFailure("p")
	}
	scores := s.Evaluate()
	if scores[0].ErrorRate == 0 {
		t.Fatalf("error-rate score = 0 with 100%% failures")
	}

	// Six minutes later the 5-minute window has slid past every failure.
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	scores = s.Evaluate()
	if scores[0].ErrorRate != 0 {
		t.Fatalf("error-rate score = %v after window slid", scores[0].ErrorRate)
	}
}

func TestLatencyRampIsLinear(t *testing.T) {
	src := &fakeSource{conns: []health.ConnectionStatus{conn("p", true, 1100*time.Millisecond, 0, 0)}}
	s := newScorer(t, src, Config{})
	scores := s.Evaluate()
	// (1100-200)/(2000-200) = 0.5
	if got := scores[0].Latency; got < 0.49 || got > 0.51 {
		t.Fatalf("latency score = %v, want 0.5", got)
	}
}
