// Package ingest funnels provider callbacks into the pipeline: stamping,
// reconciliation accounting, the validator chain, and health bookkeeping all
// happen here, on the provider's own goroutine, without blocking.
package ingest

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/health"
	"github.com/quantfeed/tickvault/internal/pipeline"
	"github.com/quantfeed/tickvault/internal/recon"
	"github.com/quantfeed/tickvault/internal/validate"
)

// Funnel is the producer-side entry point. One funnel serves every provider;
// all state it touches is atomic or internally locked.
type Funnel struct {
	counters *recon.Counters
	chain    *validate.Chain
	pipe     *pipeline.Pipeline
	monitor  *health.Monitor
	skew     *health.SkewEstimator
	log      zerolog.Logger
	now      func() time.Time
}

// NewFunnel wires the funnel. Monitor and skew may be nil in tests.
func NewFunnel(counters *recon.Counters, chain *validate.Chain, pipe *pipeline.Pipeline, monitor *health.Monitor, skew *health.SkewEstimator, log zerolog.Logger) *Funnel {
	return &Funnel{
		counters: counters,
		chain:    chain,
		pipe:     pipe,
		monitor:  monitor,
		skew:     skew,
		log:      log.With().Str("component", "ingest").Logger(),
		now:      time.Now,
	}
}

// Handle is the provider.Handler implementation. It must never block.
func (f *Funnel) Handle(evt schema.MarketEvent) {
	f.counters.Received()

	if evt.ReceivedTS.IsZero() {
		evt.ReceivedTS = f.now().UTC()
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	evt.Symbol = schema.NormalizeSymbol(evt.Symbol)

	if f.monitor != nil {
		f.monitor.RecordActivity(evt.Provider, evt.ReceivedTS)
	}
	if f.skew != nil {
		f.skew.Observe(evt.Provider, evt.ExchangeTS, evt.ReceivedTS)
	}

	if !f.chain.Process(evt) {
		return
	}

	f.pipe.TryPublish(evt)
}

// InjectIntegrity publishes an engine-generated integrity event. It enters
// the same counters as provider events so the reconciliation identity holds.
func (f *Funnel) InjectIntegrity(evt schema.MarketEvent) {
	f.counters.Received()
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	f.counters.Validated()
	f.pipe.TryPublish(evt)
}
