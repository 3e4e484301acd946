package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/pipeline"
	"github.com/quantfeed/tickvault/internal/recon"
	"github.com/quantfeed/tickvault/internal/validate"
)

func newFunnel(t *testing.T, counters *recon.Counters) (*Funnel, *pipeline.Pipeline) {
	t.Helper()
	pipe := pipeline.New(pipeline.Config{Capacity: 64, DrainTimeout: time.Second}, counters, zerolog.Nop())
	var funnel *Funnel
	chain := validate.NewChain(validate.ChainConfig{}, counters, nil, func(evt schema.MarketEvent) {
		funnel.InjectIntegrity(evt)
	}, zerolog.Nop())
	funnel = NewFunnel(counters, chain, pipe, nil, nil, zerolog.Nop())
	return funnel, pipe
}

func trade(seq uint64, price string) schema.MarketEvent {
	return schema.MarketEvent{
		Provider:   "feed-a",
		Symbol:     "aapl ",
		Type:       schema.EventTypeTrade,
		Sequence:   seq,
		ExchangeTS: time.Now(),
		Payload: schema.TradePayload{
			TradeID: "T",
			Price:   decimal.RequireFromString(price),
			Size:    decimal.NewFromInt(100),
		},
	}
}

func TestFunnelStampsAndPublishes(t *testing.T) {
	counters := recon.NewCounters()
	funnel, pipe := newFunnel(t, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var seen []schema.MarketEvent
	done := make(chan struct{})
	pipe.Start(ctx, pipeline.SinkFunc(func(_ context.Context, evt schema.MarketEvent) error {
		seen = append(seen, evt)
		if len(seen) == 1 {
			close(done)
		}
		return nil
	}))

	funnel.Handle(trade(1, "185.25"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
	if err := pipe.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	evt := seen[0]
	if evt.Symbol != "AAPL" {
		t.Fatalf("symbol not normalized: %q", evt.Symbol)
	}
	if evt.EventID == "" || evt.ReceivedTS.IsZero() {
		t.Fatal("funnel must stamp id and received timestamp")
	}

	snap := counters.Snapshot()
	if snap.Received != 1 || snap.Stored != 1 || snap.Balance() != 0 {
		t.Fatalf("counters unbalanced: %+v balance=%d", snap, snap.Balance())
	}
}

func TestFunnelReconciliationWithIntegrityInjection(t *testing.T) {
	counters := recon.NewCounters()
	funnel, pipe := newFunnel(t, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, pipeline.SinkFunc(func(_ context.Context, _ schema.MarketEvent) error {
		return nil
	}))

	funnel.Handle(trade(1, "185.25"))
	// Gap from 1 to 5 injects one integrity event.
	funnel.Handle(trade(5, "185.26"))
	// Duplicate of the high-water sequence.
	funnel.Handle(trade(5, "185.26"))
	// Malformed: wrong payload for type.
	funnel.Handle(schema.MarketEvent{Provider: "feed-a", Symbol: "AAPL", Type: schema.EventTypeTrade, Sequence: 6, Payload: "junk"})

	if err := pipe.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	snap := counters.Snapshot()
	if snap.Received != 5 { // 4 provider events + 1 injected integrity event
		t.Fatalf("received = %d, want 5", snap.Received)
	}
	if snap.ReceivedDuplicates != 1 || snap.Rejected != 1 {
		t.Fatalf("counters = %+v", snap)
	}
	if snap.Stored != 3 {
		t.Fatalf("stored = %d, want 3", snap.Stored)
	}
	if snap.Balance() != 0 {
		t.Fatalf("reconciliation identity violated: %+v balance=%d", snap, snap.Balance())
	}
}
