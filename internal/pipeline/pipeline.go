// Package pipeline implements the bounded multi-producer single-consumer
// event queue between provider callbacks and the archive sink. Publish is
// strictly non-blocking; a full queue drops the incoming event and accounts
// for it rather than stalling a provider thread.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/recon"
)

// HighWaterBand identifies a queue occupancy warning band.
type HighWaterBand int

const (
	// HighWater70 fires when occupancy first reaches 70%.
	HighWater70 HighWaterBand = 70
	// HighWater90 fires when occupancy first reaches 90%.
	HighWater90 HighWaterBand = 90
)

// Sink consumes drained events, typically the archive writer.
type Sink interface {
	Store(ctx context.Context, evt schema.MarketEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt schema.MarketEvent) error

// Store implements Sink.
func (f SinkFunc) Store(ctx context.Context, evt schema.MarketEvent) error { return f(ctx, evt) }

// Config controls pipeline capacity and shutdown drain behavior.
type Config struct {
	// Capacity bounds the queue; zero selects the 100k default.
	Capacity int
	// DrainTimeout bounds the shutdown drain; zero selects 30s.
	DrainTimeout time.Duration
	// OnHighWater, when set, observes each upward band crossing. Called from
	// the producer path; implementations must not block.
	OnHighWater func(band HighWaterBand, depth, capacity int)
}

const (
	defaultCapacity     = 100_000
	defaultDrainTimeout = 30 * time.Second
)

func (c Config) normalize() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	return c
}

// Pipeline is the bounded MPSC queue. Producers call TryPublish from
// arbitrary goroutines; one consumer drains into the sink preserving publish
// order.
type Pipeline struct {
	cfg      Config
	queue    chan schema.MarketEvent
	counters *recon.Counters
	log      zerolog.Logger

	accepting atomic.Bool
	started   atomic.Bool
	band      atomic.Int32
	stats     *stats

	wg       conc.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	highWaterCounter metric.Int64Counter
	storeDuration    metric.Float64Histogram
}

// New constructs a pipeline. Start must be called before events flow.
func New(cfg Config, counters *recon.Counters, log zerolog.Logger) *Pipeline {
	cfg = cfg.normalize()
	p := &Pipeline{
		cfg:      cfg,
		queue:    make(chan schema.MarketEvent, cfg.Capacity),
		counters: counters,
		log:      log.With().Str("component", "pipeline").Logger(),
		stats:    newStats(),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.accepting.Store(true)

	meter := otel.Meter("pipeline")
	p.publishedCounter, _ = meter.Int64Counter("pipeline.events.published",
		metric.WithDescription("Publish attempts accepted by the queue"),
		metric.WithUnit("{event}"))
	p.droppedCounter, _ = meter.Int64Counter("pipeline.events.dropped",
		metric.WithDescription("Publish attempts rejected by a full queue"),
		metric.WithUnit("{event}"))
	p.highWaterCounter, _ = meter.Int64Counter("pipeline.highwater.crossings",
		metric.WithDescription("Upward occupancy band crossings"),
		metric.WithUnit("{crossing}"))
	p.storeDuration, _ = meter.Float64Histogram("pipeline.store.duration",
		metric.WithDescription("Latency of sink store calls"),
		metric.WithUnit("ms"))

	return p
}

// Capacity returns the configured queue bound.
func (p *Pipeline) Capacity() int { return p.cfg.Capacity }

// Depth returns the current queue occupancy.
func (p *Pipeline) Depth() int { return len(p.queue) }

// Stats returns a point-in-time throughput snapshot.
func (p *Pipeline) Stats() Stats { return p.stats.snapshot(len(p.queue)) }

// TryPublish offers the event to the queue without blocking. It reports
// whether the event was accepted; rejected events are counted as dropped.
// Safe to call from any goroutine, including provider callback threads.
func (p *Pipeline) TryPublish(evt schema.MarketEvent) bool {
	now := time.Now()
	p.stats.recordPublish(evt, now)

	if !p.accepting.Load() {
		p.reject(evt)
		return false
	}

	select {
	case p.queue <- evt:
	default:
		p.reject(evt)
		return false
	}

	p.counters.PipelineAccepted()
	depth := len(p.queue)
	p.stats.recordDepth(depth)
	p.observeHighWater(depth)
	if p.publishedCounter != nil {
		p.publishedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("provider", evt.Provider)))
	}
	return true
}

func (p *Pipeline) reject(evt schema.MarketEvent) {
	p.stats.dropped.Add(1)
	p.counters.PipelineDropped()
	if p.droppedCounter != nil {
		p.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("provider", evt.Provider)))
	}
}

// observeHighWater fires one warning per upward band crossing. The band
// re-arms when occupancy falls back below its threshold on the consumer side.
func (p *Pipeline) observeHighWater(depth int) {
	target := int32(0)
	occupancy := float64(depth) / float64(p.cfg.Capacity)
	switch {
	case occupancy >= 0.90:
		target = 90
	case occupancy >= 0.70:
		target = 70
	}
	for {
		cur := p.band.Load()
		if target <= cur {
			return
		}
		if !p.band.CompareAndSwap(cur, target) {
			continue
		}
		band := HighWaterBand(target)
		p.log.Warn().
			Int("depth", depth).
			Int("capacity", p.cfg.Capacity).
			Int("band", int(band)).
			Msg("pipeline occupancy crossed high-water band")
		if p.highWaterCounter != nil {
			p.highWaterCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.Int("band", int(band))))
		}
		if p.cfg.OnHighWater != nil {
			p.cfg.OnHighWater(band, depth, p.cfg.Capacity)
		}
		return
	}
}

func (p *Pipeline) lowerHighWater(depth int) {
	occupancy := float64(depth) / float64(p.cfg.Capacity)
	target := int32(0)
	switch {
	case occupancy >= 0.90:
		target = 90
	case occupancy >= 0.70:
		target = 70
	}
	for {
		cur := p.band.Load()
		if target >= cur {
			return
		}
		if p.band.CompareAndSwap(cur, target) {
			return
		}
	}
}

// Start launches the consumer goroutine draining into sink. Events reach the
// sink in publish order; sink failures are counted and the event discarded.
// Start is single-shot; later calls are ignored.
func (p *Pipeline) Start(ctx context.Context, sink Sink) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Go(func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.stopAccepting()
				p.drain(sink)
				return
			case <-p.stopped:
				p.drain(sink)
				return
			case evt := <-p.queue:
				p.deliver(ctx, sink, evt)
				p.lowerHighWater(len(p.queue))
			}
		}
	})
}

func (p *Pipeline) deliver(ctx context.Context, sink Sink, evt schema.MarketEvent) {
	start := time.Now()
	err := sink.Store(ctx, evt)
	if p.storeDuration != nil {
		p.storeDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("event_type", string(evt.Type))))
	}
	if err != nil {
		p.stats.storeFailed.Add(1)
		p.counters.StoreFailed()
		p.log.Error().Err(err).
			Str("symbol", evt.Symbol).
			Str("type", string(evt.Type)).
			Msg("sink rejected event")
		return
	}
	p.stats.stored.Add(1)
	p.counters.Stored()
}

// drain empties the queue after publishing has stopped, bounded by the drain
// timeout. Events still queued when the timeout fires are abandoned and
// counted as store failures.
func (p *Pipeline) drain(sink Sink) {
	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	ctx := context.Background()
	for {
		select {
		case <-deadline.C:
			p.abandonRemaining()
			return
		default:
		}
		select {
		case evt := <-p.queue:
			p.deliver(ctx, sink, evt)
		case <-deadline.C:
			p.abandonRemaining()
			return
		default:
			return
		}
	}
}

func (p *Pipeline) abandonRemaining() {
	var abandoned uint64
	for {
		select {
		case <-p.queue:
			abandoned++
		default:
			if abandoned > 0 {
				p.stats.storeFailed.Add(abandoned)
				p.counters.StoreFailedN(abandoned)
				p.log.Warn().Uint64("abandoned", abandoned).Msg("drain timeout; abandoned queued events")
			}
			return
		}
	}
}

func (p *Pipeline) stopAccepting() {
	p.accepting.Store(false)
}

// Shutdown stops accepting publishes, drains the queue up to the drain
// timeout, and waits for the consumer to exit. The context bounds the wait
// for the consumer itself.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopAccepting()
		close(p.stopped)
	})
	if !p.started.Load() {
		p.abandonRemaining()
		return nil
	}
	select {
	case <-p.done:
		p.wg.Wait()
		// Producers that raced past the accepting check may have enqueued
		// after the drain finished; account for them here.
		p.abandonRemaining()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
