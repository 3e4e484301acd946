package status

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/recon"
)

type fakeSubs struct{ rows []schema.ActiveSubscription }

func (f fakeSubs) Snapshot() []schema.ActiveSubscription { return f.rows }

type fakeJobs struct{ depth int }

func (f fakeJobs) QueueDepth() int { return f.depth }

func TestSnapshotAggregates(t *testing.T) {
	counters := recon.NewCounters()
	counters.Received()
	counters.Validated()
	counters.PipelineAccepted()
	counters.Stored()

	subs := fakeSubs{rows: []schema.ActiveSubscription{{Symbol: "AAPL", Channel: schema.ChannelTrades, ID: 7, State: schema.SubscriptionActive}}}
	s := New(counters, nil, nil, nil, nil, subs, fakeJobs{depth: 3}, zerolog.Nop())

	snap := s.Snapshot()
	if snap.Reconciliation.Received != 1 || snap.Reconciliation.Stored != 1 {
		t.Fatalf("recon = %+v", snap.Reconciliation)
	}
	if len(snap.Subscriptions) != 1 || snap.QueuedJobs != 3 {
		t.Fatalf("snap = %+v", snap)
	}
	if snap.Uptime < 0 || snap.At.IsZero() {
		t.Fatalf("timing fields missing: %+v", snap)
	}
}

func TestHealthyRequiresNoLeaks(t *testing.T) {
	counters := recon.NewCounters()
	s := New(counters, nil, nil, nil, nil, nil, nil, zerolog.Nop())
	if !s.Snapshot().Healthy() {
		t.Fatal("empty engine should be healthy")
	}

	counters.Received()
	// In-flight events keep the balance positive without being a leak.
	if !s.Snapshot().Healthy() {
		t.Fatal("in-flight events must not mark the engine unhealthy")
	}

	counters.Unaccounted()
	if s.Snapshot().Healthy() {
		t.Fatal("unaccounted events must mark the engine unhealthy")
	}
}
