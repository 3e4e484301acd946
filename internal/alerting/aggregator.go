package alerting

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config tunes the aggregator.
type Config struct {
	// Window is the batch flush period; zero selects 30s.
	Window time.Duration
	// DedupCooldown suppresses repeats of a fingerprint; zero selects 300s.
	DedupCooldown time.Duration
	// MaxBatchSize flushes a group immediately when reached; zero selects 50.
	MaxBatchSize int
}

func (c Config) normalize() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.DedupCooldown <= 0 {
		c.DedupCooldown = 300 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	return c
}

type groupKey struct {
	category Category
	severity Severity
}

type group struct {
	mu          sync.Mutex
	items       []Item
	windowStart time.Time
}

// Aggregator deduplicates and batches alerts. Submit never blocks on emitter
// I/O; flushing happens on a background goroutine.
type Aggregator struct {
	cfg     Config
	log     zerolog.Logger
	emitter Emitter
	now     func() time.Time

	dedup *gocache.Cache

	mu     sync.RWMutex
	groups map[groupKey]*group

	suppressed map[string]*suppressCount
	supMu      sync.Mutex

	flushNow chan groupKey

	submittedCounter  metric.Int64Counter
	suppressedCounter metric.Int64Counter
	batchCounter      metric.Int64Counter
}

type suppressCount struct{ n int }

// NewAggregator constructs an aggregator fronting the emitter.
func NewAggregator(cfg Config, emitter Emitter, log zerolog.Logger) *Aggregator {
	cfg = cfg.normalize()
	a := &Aggregator{
		cfg:        cfg,
		log:        log.With().Str("component", "alerting").Logger(),
		emitter:    emitter,
		now:        time.Now,
		dedup:      gocache.New(cfg.DedupCooldown, cfg.DedupCooldown*2),
		groups:     make(map[groupKey]*group),
		suppressed: make(map[string]*suppressCount),
		flushNow:   make(chan groupKey, 16),
	}

	meter := otel.Meter("alerting")
	a.submittedCounter, _ = meter.Int64Counter("alerting.items.submitted",
		metric.WithDescription("Alerts accepted into a pending group"),
		metric.WithUnit("{alert}"))
	a.suppressedCounter, _ = meter.Int64Counter("alerting.items.suppressed",
		metric.WithDescription("Alerts suppressed by fingerprint dedup"),
		metric.WithUnit("{alert}"))
	a.batchCounter, _ = meter.Int64Counter("alerting.batches.emitted",
		metric.WithDescription("Batches handed to the emitter"),
		metric.WithUnit("{batch}"))

	return a
}

// Submit offers an alert. Repeats of a fingerprint within the dedup cooldown
// are suppressed and only counted.
func (a *Aggregator) Submit(item Item) {
	if item.Timestamp.IsZero() {
		item.Timestamp = a.now()
	}
	if item.Severity == "" {
		item.Severity = SeverityInfo
	}

	fp := item.EffectiveFingerprint()
	if err := a.dedup.Add(fp, struct{}{}, a.cfg.DedupCooldown); err != nil {
		a.supMu.Lock()
		sc, ok := a.suppressed[fp]
		if !ok {
			sc = &suppressCount{}
			a.suppressed[fp] = sc
		}
		sc.n++
		a.supMu.Unlock()
		if a.suppressedCounter != nil {
			a.suppressedCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("category", string(item.Category))))
		}
		return
	}

	a.supMu.Lock()
	delete(a.suppressed, fp)
	a.supMu.Unlock()

	key := groupKey{category: item.Category, severity: item.Severity}
	g := a.groupFor(key)

	g.mu.Lock()
	if len(g.items) == 0 {
		g.windowStart = a.now()
	}
	g.items = append(g.items, item)
	full := len(g.items) >= a.cfg.MaxBatchSize
	g.mu.Unlock()

	if a.submittedCounter != nil {
		a.submittedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("category", string(item.Category)),
			attribute.String("severity", string(item.Severity))))
	}

	if full {
		select {
		case a.flushNow <- key:
		default:
		}
	}
}

// SuppressedCount reports how many submissions a fingerprint swallowed since
// it last flushed; used by tests and the status surface.
func (a *Aggregator) SuppressedCount(fingerprint string) int {
	a.supMu.Lock()
	defer a.supMu.Unlock()
	if sc, ok := a.suppressed[fingerprint]; ok {
		return sc.n
	}
	return 0
}

func (a *Aggregator) groupFor(key groupKey) *group {
	a.mu.RLock()
	g, ok := a.groups[key]
	a.mu.RUnlock()
	if ok {
		return g
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok = a.groups[key]; ok {
		return g
	}
	g = &group{}
	a.groups[key] = g
	return g
}

// Run flushes pending groups every window until the context ends, then flushes
// one final time. Launch on its own goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.FlushAll(context.Background())
			return
		case <-ticker.C:
			a.FlushAll(ctx)
		case key := <-a.flushNow:
			a.flushGroup(ctx, key)
		}
	}
}

// FlushAll drains every pending group into the emitter.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.RLock()
	keys := make([]groupKey, 0, len(a.groups))
	for key := range a.groups {
		keys = append(keys, key)
	}
	a.mu.RUnlock()
	for _, key := range keys {
		a.flushGroup(ctx, key)
	}
}

func (a *Aggregator) flushGroup(ctx context.Context, key groupKey) {
	a.mu.RLock()
	g := a.groups[key]
	a.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	if len(g.items) == 0 {
		g.mu.Unlock()
		return
	}
	items := g.items
	windowStart := g.windowStart
	g.items = nil
	g.mu.Unlock()

	batch := Batch{
		Category:    key.category,
		Severity:    key.severity,
		Count:       len(items),
		PerSource:   make(map[string]int),
		Items:       items,
		WindowStart: windowStart,
		FlushedAt:   a.now(),
	}
	for _, item := range items {
		batch.PerSource[item.Source]++
		if item.Severity.Rank() > batch.Severity.Rank() {
			batch.Severity = item.Severity
		}
	}

	if a.batchCounter != nil {
		a.batchCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("category", string(batch.Category)),
			attribute.String("severity", string(batch.Severity))))
	}
	if a.emitter != nil {
		if err := a.emitter.Emit(ctx, batch); err != nil {
			a.log.Warn().Err(err).
				Str("category", string(batch.Category)).
				Int("count", batch.Count).
				Msg("alert batch emit failed")
		}
	}
}
