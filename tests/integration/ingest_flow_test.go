package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/tickvault/internal/archive"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/ingest"
	"github.com/quantfeed/tickvault/internal/pipeline"
	"github.com/quantfeed/tickvault/internal/provider/sim"
	"github.com/quantfeed/tickvault/internal/recon"
	"github.com/quantfeed/tickvault/internal/validate"
)

// TestSimProviderToArchive drives the live path end to end: a sim provider
// emits into the funnel, events pass the validator chain and the pipeline,
// and land as JSONL segments under the hot tier. At quiescence every received
// event must be accounted for.
func TestSimProviderToArchive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataRoot := t.TempDir()
	counters := recon.NewCounters()

	writer, err := archive.NewSegmentWriter(dataRoot, testLog)
	require.NoError(t, err)
	defer writer.Close()

	pipe := pipeline.New(pipeline.Config{Capacity: 4096, DrainTimeout: 5 * time.Second}, counters, testLog)

	var funnel *ingest.Funnel
	chain := validate.NewChain(validate.ChainConfig{}, counters, discardAlerts{},
		func(evt schema.MarketEvent) { funnel.InjectIntegrity(evt) }, testLog)
	funnel = ingest.NewFunnel(counters, chain, pipe, nil, nil, testLog)

	pipe.Start(ctx, pipeline.SinkFunc(func(_ context.Context, evt schema.MarketEvent) error {
		return writer.Write(evt)
	}))

	prov := sim.NewProvider(sim.Options{
		Name:          "sim-live",
		TradeInterval: 2 * time.Millisecond,
		QuoteInterval: 2 * time.Millisecond,
		Seed:          42,
	})
	prov.SetHandler(funnel.Handle)
	require.NoError(t, prov.Start(ctx))

	spec := schema.SymbolSpec{
		Symbol:          "AAPL",
		SecurityType:    schema.SecurityTypeStock,
		Exchange:        "SMART",
		SubscribeTrades: true,
	}
	id, err := prov.SubscribeTrades(ctx, spec)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.Eventually(t, func() bool {
		return counters.Snapshot().Stored >= 50
	}, 10*time.Second, 10*time.Millisecond, "events never reached the archive")

	require.NoError(t, prov.Close(ctx))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	require.NoError(t, pipe.Shutdown(shutdownCtx))
	require.NoError(t, writer.Flush())

	snap := counters.Snapshot()
	assert.Zero(t, snap.Balance(), "reconciliation identity broken: %+v", snap)
	assert.Zero(t, snap.Unaccounted)
	assert.GreaterOrEqual(t, snap.Stored, uint64(50))

	segments, err := filepath.Glob(filepath.Join(dataRoot, "hot", "AAPL", "*", "*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, segments, "no hot segments written for AAPL")
}
