// Package status aggregates the live subsystems into one read-only view for
// the control surface and the periodic status log.
package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/internal/degrade"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/health"
	"github.com/quantfeed/tickvault/internal/pipeline"
	"github.com/quantfeed/tickvault/internal/recon"
)

// SubscriptionSource exposes the orchestrator's active set.
type SubscriptionSource interface {
	Snapshot() []schema.ActiveSubscription
}

// JobSource exposes the engine's queue depth.
type JobSource interface {
	QueueDepth() int
}

// Snapshot is the aggregated point-in-time view.
type Snapshot struct {
	At             time.Time                   `json:"at"`
	Uptime         time.Duration               `json:"uptime"`
	Reconciliation recon.Snapshot              `json:"reconciliation"`
	Pipeline       pipeline.Stats              `json:"pipeline"`
	Connections    []health.ConnectionStatus   `json:"connections"`
	Skew           []health.ProviderSkew       `json:"clockSkew"`
	Degradation    []degrade.Score             `json:"degradation"`
	Subscriptions  []schema.ActiveSubscription `json:"subscriptions,omitempty"`
	QueuedJobs     int                         `json:"queuedJobs"`
}

// Healthy reports whether the engine is fit to serve: no events have leaked
// past the counters and at least one connection is live when any exist. The
// running balance is not used here; in-flight events keep it legitimately
// positive.
func (s Snapshot) Healthy() bool {
	if s.Reconciliation.Unaccounted != 0 {
		return false
	}
	if len(s.Connections) == 0 {
		return true
	}
	for _, conn := range s.Connections {
		if conn.Connected {
			return true
		}
	}
	return false
}

// Snapshotter pulls from every subsystem on demand. All sources are
// snapshot-based, so values may be slightly stale but never torn.
type Snapshotter struct {
	counters *recon.Counters
	pipe     *pipeline.Pipeline
	monitor  *health.Monitor
	skew     *health.SkewEstimator
	scorer   *degrade.Scorer
	subs     SubscriptionSource
	jobs     JobSource
	log      zerolog.Logger
	started  time.Time
}

// New wires the snapshotter. Optional sources may be nil.
func New(
	counters *recon.Counters,
	pipe *pipeline.Pipeline,
	monitor *health.Monitor,
	skew *health.SkewEstimator,
	scorer *degrade.Scorer,
	subs SubscriptionSource,
	jobs JobSource,
	log zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		counters: counters,
		pipe:     pipe,
		monitor:  monitor,
		skew:     skew,
		scorer:   scorer,
		subs:     subs,
		jobs:     jobs,
		log:      log.With().Str("component", "status").Logger(),
		started:  time.Now(),
	}
}

// Snapshot assembles the current view.
func (s *Snapshotter) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{At: now.UTC(), Uptime: now.Sub(s.started)}
	if s.counters != nil {
		snap.Reconciliation = s.counters.Snapshot()
	}
	if s.pipe != nil {
		snap.Pipeline = s.pipe.Stats()
	}
	if s.monitor != nil {
		snap.Connections = s.monitor.Snapshot()
	}
	if s.skew != nil {
		snap.Skew = s.skew.Snapshot()
	}
	if s.scorer != nil {
		snap.Degradation = s.scorer.Scores()
	}
	if s.subs != nil {
		snap.Subscriptions = s.subs.Snapshot()
	}
	if s.jobs != nil {
		snap.QueuedJobs = s.jobs.QueueDepth()
	}
	return snap
}

// Run logs a status line on the interval until ctx ends.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			s.log.Info().
				Uint64("received", snap.Reconciliation.Received).
				Uint64("stored", snap.Reconciliation.Stored).
				Uint64("dropped", snap.Reconciliation.PipelineDropped).
				Int64("balance", snap.Reconciliation.Balance()).
				Int("pipelineDepth", snap.Pipeline.CurrentDepth).
				Float64("publishRate", snap.Pipeline.PublishedPerSec).
				Int("connections", len(snap.Connections)).
				Int("queuedJobs", snap.QueuedJobs).
				Msg("engine status")
		}
	}
}
