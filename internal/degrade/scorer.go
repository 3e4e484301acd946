// Package degrade scores provider quality for failover. Component scores are
// in [0,1] with 0 healthy; the composite is a validated weighted sum. A
// normalized 0-100 form with tiered recommendations drives failover
// selection.
package degrade

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/health"
)

// weightTolerance absorbs float drift when validating that weights sum to 1.
const weightTolerance = 1e-9

// Weights splits the composite across the four component scores. They must
// sum to 1.
type Weights struct {
	Connection float64 `yaml:"connection"`
	Latency    float64 `yaml:"latency"`
	ErrorRate  float64 `yaml:"errorRate"`
	Reconnect  float64 `yaml:"reconnect"`
}

// DefaultWeights returns the standard 0.35/0.25/0.25/0.15 split.
func DefaultWeights() Weights {
	return Weights{Connection: 0.35, Latency: 0.25, ErrorRate: 0.25, Reconnect: 0.15}
}

// Validate rejects weights that do not sum to 1 or carry negatives.
func (w Weights) Validate() error {
	if w.Connection < 0 || w.Latency < 0 || w.ErrorRate < 0 || w.Reconnect < 0 {
		return errs.New("degrade/weights", errs.KindValidation, errs.WithMessage("weights must be non-negative"))
	}
	sum := w.Connection + w.Latency + w.ErrorRate + w.Reconnect
	if math.Abs(sum-1.0) > weightTolerance {
		return errs.New("degrade/weights", errs.KindValidation,
			errs.WithMessage("weights must sum to 1.0"))
	}
	return nil
}

// Config tunes the scorer. Zero values select the documented defaults.
type Config struct {
	EvaluationInterval   time.Duration `yaml:"evaluationInterval"`
	Weights              Weights       `yaml:"weights"`
	DegradationThreshold float64       `yaml:"degradationThreshold"`
	LatencyThreshold     time.Duration `yaml:"latencyThreshold"`
	LatencyMax           time.Duration `yaml:"latencyMax"`
	ErrorRateWindow      time.Duration `yaml:"errorRateWindow"`
	ErrorRateThreshold   float64       `yaml:"errorRateThreshold"`
	MaxReconnectsPerHour int           `yaml:"maxReconnectsPerHour"`
	MaxMissedHeartbeats  int           `yaml:"maxMissedHeartbeats"`
	// FailoverThreshold is on the 0-100 scale; candidates below it are never
	// selected.
	FailoverThreshold float64 `yaml:"failoverThreshold"`
	// RecoveryEvaluations is how many consecutive below-threshold evaluations
	// clear a degraded provider.
	RecoveryEvaluations int `yaml:"recoveryEvaluations"`
}

func (c Config) withDefaults() Config {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 30 * time.Second
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.DegradationThreshold <= 0 {
		c.DegradationThreshold = 0.6
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 200 * time.Millisecond
	}
	if c.LatencyMax <= 0 {
		c.LatencyMax = 2 * time.Second
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = 5 * time.Minute
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.05
	}
	if c.MaxReconnectsPerHour <= 0 {
		c.MaxReconnectsPerHour = 10
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 5
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = 40
	}
	if c.RecoveryEvaluations <= 0 {
		c.RecoveryEvaluations = 3
	}
	return c
}

// Recommendation is the tiered verdict on the 0-100 scale.
type Recommendation string

const (
	RecommendHealthy  Recommendation = "healthy"
	RecommendCaution  Recommendation = "caution"
	RecommendDegraded Recommendation = "degraded"
	RecommendFailover Recommendation = "failoverRecommended"
	// RecommendUnavailable marks a disconnected provider regardless of score.
	RecommendUnavailable Recommendation = "unavailable"
)

// Score is one provider's evaluation.
type Score struct {
	Provider  string  `json:"provider"`
	Composite float64 `json:"composite"` // [0,1], 0 healthy

	Connection float64 `json:"connection"`
	Latency    float64 `json:"latency"`
	ErrorRate  float64 `json:"errorRate"`
	Reconnect  float64 `json:"reconnect"`

	// Normalized is the 0-100 health form (100 fully healthy).
	Normalized     float64        `json:"normalized"`
	Recommendation Recommendation `json:"recommendation"`
	Degraded       bool           `json:"degraded"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// Event reports a degradation state transition.
type Event struct {
	Provider  string
	Degraded  bool // false = recovered
	Score     Score
	ChangedAt time.Time
}

// Source supplies connection state; the health monitor implements it.
type Source interface {
	Snapshot() []health.ConnectionStatus
}

type outcome struct {
	at time.Time
	ok bool
}

type providerState struct {
	outcomes   []outcome
	degraded   bool
	belowCount int
	last       Score
}

// Scorer evaluates every known provider each interval. Construction fails on
// invalid weights.
type Scorer struct {
	cfg    Config
	source Source
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	providers map[string]*providerState

	events chan Event

	compositeGauge metric.Float64Gauge
	transitions    metric.Int64Counter
}

// New constructs a scorer over a connection source.
func New(cfg Config, source Source, log zerolog.Logger) (*Scorer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{
		cfg:       cfg,
		source:    source,
		log:       log.With().Str("component", "degrade").Logger(),
		now:       time.Now,
		providers: make(map[string]*providerState),
		events:    make(chan Event, 16),
	}
	meter := otel.Meter("degrade")
	s.compositeGauge, _ = meter.Float64Gauge("degrade.composite",
		metric.WithDescription("Composite degradation score per provider (0 healthy, 1 degraded)"))
	s.transitions, _ = meter.Int64Counter("degrade.transitions",
		metric.WithDescription("Degradation state transitions"),
		metric.WithUnit("{transition}"))
	return s, nil
}

// Events delivers degraded/recovered transitions. Slow consumers drop
// events.
func (s *Scorer) Events() <-chan Event { return s.events }

// RecordSuccess notes a successful provider operation for the error-rate
// window.
func (s *Scorer) RecordSuccess(provider string) { s.record(provider, true) }

// RecordFailure notes a failed provider operation.
func (s *Scorer) RecordFailure(provider string) { s.record(provider, false) }

func (s *Scorer) record(provider string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(provider)
	st.outcomes = append(st.outcomes, outcome{at: s.now(), ok: ok})
}

func (s *Scorer) stateLocked(provider string) *providerState {
	st, ok := s.providers[provider]
	if !ok {
		st = &providerState{}
		s.providers[provider] = st
	}
	return st
}

// Evaluate scores every provider visible in the source plus any with
// recorded outcomes, firing transition events.
func (s *Scorer) Evaluate() []Score {
	now := s.now()
	byProvider := make(map[string][]health.ConnectionStatus)
	for _, conn := range s.source.Snapshot() {
		byProvider[conn.Provider] = append(byProvider[conn.Provider], conn)
	}

	s.mu.Lock()
	for provider := range s.providers {
		if _, ok := byProvider[provider]; !ok {
			byProvider[provider] = nil
		}
	}

	scores := make([]Score, 0, len(byProvider))
	var fired []Event
	for provider, conns := range byProvider {
		st := s.stateLocked(provider)
		score := s.scoreLocked(provider, st, conns, now)
		st.last = score

		if evt, ok := s.transitionLocked(st, score, now); ok {
			fired = append(fired, evt)
		}
		scores = append(scores, score)
	}
	s.mu.Unlock()

	for _, evt := range fired {
		s.emit(evt)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Provider < scores[j].Provider })
	return scores
}

func (s *Scorer) scoreLocked(provider string, st *providerState, conns []health.ConnectionStatus, now time.Time) Score {
	score := Score{Provider: provider, EvaluatedAt: now.UTC()}

	// Connection: 1.0 when fully disconnected, else scaled missed
	// heartbeats. The worst connection dominates.
	connected := false
	maxMissed := 0
	var maxP95 time.Duration
	reconnects := 0
	for _, conn := range conns {
		if conn.Connected {
			connected = true
		}
		if conn.MissedHeartbeats > maxMissed {
			maxMissed = conn.MissedHeartbeats
		}
		if conn.Latency.P95 > maxP95 {
			maxP95 = conn.Latency.P95
		}
		reconnects += conn.ReconnectsLastHour
	}
	disconnected := len(conns) > 0 && !connected
	if disconnected {
		score.Connection = 1.0
	} else {
		score.Connection = clamp01(float64(maxMissed) / float64(s.cfg.MaxMissedHeartbeats))
	}

	// Latency: linear ramp from the threshold to the max.
	if maxP95 > s.cfg.LatencyThreshold {
		span := float64(s.cfg.LatencyMax - s.cfg.LatencyThreshold)
		score.Latency = clamp01(float64(maxP95-s.cfg.LatencyThreshold) / span)
	}

	// Error rate over the sliding window.
	st.outcomes = pruneOutcomes(st.outcomes, now.Add(-s.cfg.ErrorRateWindow))
	if total := len(st.outcomes); total > 0 {
		failures := 0
		for _, o := range st.outcomes {
			if !o.ok {
				failures++
			}
		}
		rate := float64(failures) / float64(total)
		if rate > s.cfg.ErrorRateThreshold {
			score.ErrorRate = clamp01((rate - s.cfg.ErrorRateThreshold) / (1.0 - s.cfg.ErrorRateThreshold))
		}
	}

	// Reconnect churn.
	score.Reconnect = clamp01(float64(reconnects) / float64(s.cfg.MaxReconnectsPerHour))

	w := s.cfg.Weights
	score.Composite = w.Connection*score.Connection +
		w.Latency*score.Latency +
		w.ErrorRate*score.ErrorRate +
		w.Reconnect*score.Reconnect
	score.Normalized = (1.0 - score.Composite) * 100
	score.Degraded = st.degraded || score.Composite >= s.cfg.DegradationThreshold

	switch {
	case disconnected:
		score.Recommendation = RecommendUnavailable
	case score.Normalized >= 80:
		score.Recommendation = RecommendHealthy
	case score.Normalized >= 60:
		score.Recommendation = RecommendCaution
	case score.Normalized >= 40:
		score.Recommendation = RecommendDegraded
	default:
		score.Recommendation = RecommendFailover
	}

	if s.compositeGauge != nil {
		s.compositeGauge.Record(context.Background(), score.Composite,
			metric.WithAttributes(attribute.String("provider", provider)))
	}
	return score
}

// transitionLocked applies the hysteresis: degraded fires on the first
// crossing; recovery requires RecoveryEvaluations consecutive evaluations
// below threshold.
func (s *Scorer) transitionLocked(st *providerState, score Score, now time.Time) (Event, bool) {
	above := score.Composite >= s.cfg.DegradationThreshold
	switch {
	case !st.degraded && above:
		st.degraded = true
		st.belowCount = 0
		return Event{Provider: score.Provider, Degraded: true, Score: score, ChangedAt: now.UTC()}, true
	case st.degraded && !above:
		st.belowCount++
		if st.belowCount >= s.cfg.RecoveryEvaluations {
			st.degraded = false
			st.belowCount = 0
			return Event{Provider: score.Provider, Degraded: false, Score: score, ChangedAt: now.UTC()}, true
		}
	case st.degraded && above:
		st.belowCount = 0
	}
	return Event{}, false
}

func (s *Scorer) emit(evt Event) {
	if s.transitions != nil {
		s.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("provider", evt.Provider),
			attribute.Bool("degraded", evt.Degraded)))
	}
	event := s.log.Warn()
	if !evt.Degraded {
		event = s.log.Info()
	}
	event.
		Str("provider", evt.Provider).
		Float64("composite", evt.Score.Composite).
		Bool("degraded", evt.Degraded).
		Msg("degradation transition")
	select {
	case s.events <- evt:
	default:
	}
}

// Scores returns the most recent evaluation per provider.
func (s *Scorer) Scores() []Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Score, 0, len(s.providers))
	for _, st := range s.providers {
		if !st.last.EvaluatedAt.IsZero() {
			out = append(out, st.last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// SelectBest returns the candidate with the highest normalized score at or
// above the failover threshold, skipping excluded and unavailable providers.
// The second result is false when no candidate qualifies.
func (s *Scorer) SelectBest(candidates []string, exclude string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := ""
	bestScore := -1.0
	for _, provider := range candidates {
		if provider == exclude {
			continue
		}
		st, ok := s.providers[provider]
		if !ok || st.last.EvaluatedAt.IsZero() {
			continue
		}
		score := st.last
		if score.Recommendation == RecommendUnavailable {
			continue
		}
		if score.Normalized < s.cfg.FailoverThreshold {
			continue
		}
		if score.Normalized > bestScore {
			best = provider
			bestScore = score.Normalized
		}
	}
	return best, best != ""
}

// Run evaluates on the configured interval until ctx ends.
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

func pruneOutcomes(outcomes []outcome, cutoff time.Time) []outcome {
	idx := 0
	for idx < len(outcomes) && outcomes[idx].at.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return outcomes
	}
	return append(outcomes[:0], outcomes[idx:]...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
