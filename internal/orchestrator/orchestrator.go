// Package orchestrator reconciles the desired symbol universe against live
// provider subscriptions. Apply is a batched transaction: diff the desired
// set against current state, execute provider calls with bounded timeouts,
// then commit the surviving ids. Failed subscribes leave a sentinel id and
// are retried on the next Apply.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/quantfeed/tickvault/internal/coordinator"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/infra/persistence/jsonstate"
	"github.com/quantfeed/tickvault/internal/provider"
)

const (
	// providerCallTimeout bounds every subscribe/unsubscribe so Apply cannot
	// hang on a stuck provider.
	providerCallTimeout = 10 * time.Second
	// defaultControlRate paces provider control calls per second.
	defaultControlRate  = 20
	defaultControlBurst = 10
)

// Config tunes the orchestrator.
type Config struct {
	// StatePath, when set, persists the last-known subscription set after
	// every Apply for recovery inspection.
	StatePath string
	// ControlCallsPerSec paces subscribe/unsubscribe calls; zero selects 20.
	ControlCallsPerSec float64
	// ControlBurst is the limiter burst; zero selects 10.
	ControlBurst int
}

// Orchestrator owns the three active-id maps. One lock guards all of them so
// concurrent Applies serialize and snapshots never see a half-applied diff.
type Orchestrator struct {
	cfg     Config
	client  provider.Client
	coord   coordinator.Coordinator
	log     zerolog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	prev         map[string]schema.SymbolSpec
	trades       map[string]int64
	depth        map[string]int64
	optionTrades map[string]int64
	updatedAt    map[string]time.Time

	subscribeCounter   metric.Int64Counter
	unsubscribeCounter metric.Int64Counter
	failureCounter     metric.Int64Counter
}

// New constructs the orchestrator over one provider client. A nil coordinator
// defaults to single-instance ownership.
func New(cfg Config, client provider.Client, coord coordinator.Coordinator, log zerolog.Logger) *Orchestrator {
	if coord == nil {
		coord = coordinator.NewNoop()
	}
	callRate := cfg.ControlCallsPerSec
	if callRate <= 0 {
		callRate = defaultControlRate
	}
	burst := cfg.ControlBurst
	if burst <= 0 {
		burst = defaultControlBurst
	}
	o := &Orchestrator{
		cfg:          cfg,
		client:       client,
		coord:        coord,
		log:          log.With().Str("component", "orchestrator").Logger(),
		limiter:      rate.NewLimiter(rate.Limit(callRate), burst),
		prev:         make(map[string]schema.SymbolSpec),
		trades:       make(map[string]int64),
		depth:        make(map[string]int64),
		optionTrades: make(map[string]int64),
		updatedAt:    make(map[string]time.Time),
	}

	meter := otel.Meter("orchestrator")
	o.subscribeCounter, _ = meter.Int64Counter("orchestrator.subscriptions.opened",
		metric.WithDescription("Successful provider subscribe calls"),
		metric.WithUnit("{subscription}"))
	o.unsubscribeCounter, _ = meter.Int64Counter("orchestrator.subscriptions.closed",
		metric.WithDescription("Provider unsubscribe calls issued"),
		metric.WithUnit("{subscription}"))
	o.failureCounter, _ = meter.Int64Counter("orchestrator.subscriptions.failed",
		metric.WithDescription("Provider subscribe calls that returned an error"),
		metric.WithUnit("{subscription}"))

	return o
}

// wantedChannels resolves which channels a spec should hold. Option symbols
// route trades through the option-trades channel and never depth.
func wantedChannels(spec schema.SymbolSpec) map[schema.Channel]bool {
	wanted := make(map[schema.Channel]bool, 2)
	if spec.IsOption() {
		wanted[schema.ChannelOptionTrades] = spec.SubscribeTrades
		return wanted
	}
	wanted[schema.ChannelTrades] = spec.SubscribeTrades
	wanted[schema.ChannelDepth] = spec.SubscribeDepth && spec.DepthLevels > 0
	return wanted
}

// channelParamsChanged reports whether fields the provider bakes into a live
// subscription on this channel differ between spec generations. Toggling a
// channel on or off is handled by the want/have diff, not here, so disabling
// depth never disturbs a live trades id.
func channelParamsChanged(channel schema.Channel, prev, cur schema.SymbolSpec) bool {
	if prev.Exchange != cur.Exchange || prev.LocalSymbol != cur.LocalSymbol || prev.PrimaryExchange != cur.PrimaryExchange {
		return true
	}
	switch channel {
	case schema.ChannelDepth:
		return prev.DepthLevels != cur.DepthLevels
	case schema.ChannelOptionTrades:
		return !prev.Strike.Equal(cur.Strike) || prev.Right != cur.Right || prev.Expiry != cur.Expiry
	default:
		return false
	}
}

func (o *Orchestrator) idMap(channel schema.Channel) map[string]int64 {
	switch channel {
	case schema.ChannelDepth:
		return o.depth
	case schema.ChannelOptionTrades:
		return o.optionTrades
	default:
		return o.trades
	}
}

// Apply reconciles the desired specs against active subscriptions. Provider
// errors are logged and left as retryable sentinels, never returned; only a
// cancelled context aborts the pass.
func (o *Orchestrator) Apply(ctx context.Context, desired []schema.SymbolSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	desiredMap := make(map[string]schema.SymbolSpec, len(desired))
	for _, spec := range desired {
		spec = spec.Normalize()
		if err := spec.Validate(); err != nil {
			o.log.Warn().Err(err).Str("symbol", spec.Symbol).Msg("invalid symbol spec skipped")
			continue
		}
		if !o.coord.TryClaim(spec.Symbol) {
			o.log.Debug().Str("symbol", spec.Symbol).Msg("symbol owned elsewhere; skipping")
			continue
		}
		desiredMap[spec.Symbol] = spec
	}

	// Removals first: symbols that left the universe give up every channel
	// and their ownership claim.
	for symbol := range o.prev {
		if _, ok := desiredMap[symbol]; ok {
			continue
		}
		if err := o.dropSymbolLocked(ctx, symbol); err != nil {
			return err
		}
		o.coord.Release(symbol)
	}

	// Parameter changes on a still-wanted channel force an unsubscribe so
	// the resubscribe below picks up the new values. HasChanged gates the
	// per-channel scan; unchanged specs skip straight to the retry pass.
	for symbol, spec := range desiredMap {
		prev, existed := o.prev[symbol]
		if !existed || !schema.HasChanged(prev, spec) {
			continue
		}
		for _, channel := range schema.Channels() {
			id, have := o.idMap(channel)[symbol]
			if !have || id == schema.FailedSubscriptionID || !channelParamsChanged(channel, prev, spec) {
				continue
			}
			o.log.Info().Str("symbol", symbol).Str("channel", string(channel)).Msg("spec changed; resubscribing")
			if err := o.unsubscribeLocked(ctx, channel, symbol); err != nil {
				return err
			}
		}
	}

	// Subscribe pass: every wanted channel without a live id gets a call;
	// sentinel ids from failed attempts are retried here too.
	symbols := make([]string, 0, len(desiredMap))
	for symbol := range desiredMap {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		spec := desiredMap[symbol]
		for channel, want := range wantedChannels(spec) {
			ids := o.idMap(channel)
			id, have := ids[symbol]
			switch {
			case want && (!have || id == schema.FailedSubscriptionID):
				if err := o.subscribeLocked(ctx, channel, spec); err != nil {
					return err
				}
			case !want && have:
				if err := o.unsubscribeLocked(ctx, channel, symbol); err != nil {
					return err
				}
			}
		}
	}

	o.prev = desiredMap
	o.persistLocked()
	return nil
}

// dropSymbolLocked unsubscribes every channel the symbol holds.
func (o *Orchestrator) dropSymbolLocked(ctx context.Context, symbol string) error {
	for _, channel := range schema.Channels() {
		if _, ok := o.idMap(channel)[symbol]; ok {
			if err := o.unsubscribeLocked(ctx, channel, symbol); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) subscribeLocked(ctx context.Context, channel schema.Channel, spec schema.SymbolSpec) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	var (
		id  int64
		err error
	)
	switch channel {
	case schema.ChannelDepth:
		id, err = o.client.SubscribeMarketDepth(callCtx, spec)
	case schema.ChannelOptionTrades:
		id, err = o.client.SubscribeOptionTrades(callCtx, spec)
	default:
		id, err = o.client.SubscribeTrades(callCtx, spec)
	}

	if err != nil || id < 1 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.idMap(channel)[spec.Symbol] = schema.FailedSubscriptionID
		o.updatedAt[spec.Symbol] = time.Now()
		o.log.Warn().Err(err).
			Str("symbol", spec.Symbol).
			Str("channel", string(channel)).
			Int64("id", id).
			Msg("subscribe failed; will retry on next apply")
		if o.failureCounter != nil {
			o.failureCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("channel", string(channel))))
		}
		return nil
	}

	o.idMap(channel)[spec.Symbol] = id
	o.updatedAt[spec.Symbol] = time.Now()
	o.log.Info().
		Str("symbol", spec.Symbol).
		Str("channel", string(channel)).
		Int64("id", id).
		Msg("subscribed")
	if o.subscribeCounter != nil {
		o.subscribeCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", string(channel))))
	}
	return nil
}

func (o *Orchestrator) unsubscribeLocked(ctx context.Context, channel schema.Channel, symbol string) error {
	ids := o.idMap(channel)
	id := ids[symbol]
	delete(ids, symbol)
	o.updatedAt[symbol] = time.Now()
	if id < 1 {
		// Sentinel or never-confirmed id: nothing to tell the provider.
		return nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	var err error
	switch channel {
	case schema.ChannelDepth:
		err = o.client.UnsubscribeMarketDepth(callCtx, id)
	case schema.ChannelOptionTrades:
		err = o.client.UnsubscribeOptionTrades(callCtx, id)
	default:
		err = o.client.UnsubscribeTrades(callCtx, id)
	}
	if err != nil {
		// Unsubscribe is best-effort; the provider may already have dropped
		// the stream.
		o.log.Warn().Err(err).
			Str("symbol", symbol).
			Str("channel", string(channel)).
			Int64("id", id).
			Msg("unsubscribe failed")
	}
	if o.unsubscribeCounter != nil {
		o.unsubscribeCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", string(channel))))
	}
	return nil
}

// SwitchProvider moves every active subscription to a new client, typically
// on a failover recommendation. The desired set is re-applied against the
// replacement.
func (o *Orchestrator) SwitchProvider(ctx context.Context, client provider.Client) error {
	o.mu.Lock()
	desired := make([]schema.SymbolSpec, 0, len(o.prev))
	for _, spec := range o.prev {
		desired = append(desired, spec)
	}
	for symbol := range o.prev {
		if err := o.dropSymbolLocked(ctx, symbol); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.client = client
	o.prev = make(map[string]schema.SymbolSpec)
	o.mu.Unlock()

	o.log.Info().Str("provider", client.Name()).Int("symbols", len(desired)).Msg("switching provider")
	return o.Apply(ctx, desired)
}

// Snapshot returns every subscription row, live and failed, sorted by symbol
// then channel.
func (o *Orchestrator) Snapshot() []schema.ActiveSubscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() []schema.ActiveSubscription {
	out := make([]schema.ActiveSubscription, 0, len(o.trades)+len(o.depth)+len(o.optionTrades))
	for _, channel := range schema.Channels() {
		for symbol, id := range o.idMap(channel) {
			row := schema.ActiveSubscription{
				Symbol:    symbol,
				Channel:   channel,
				ID:        id,
				State:     schema.SubscriptionActive,
				UpdatedAt: o.updatedAt[symbol],
			}
			if id == schema.FailedSubscriptionID {
				row.State = schema.SubscriptionFailed
				row.Reason = "provider rejected subscribe; pending retry"
			}
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func (o *Orchestrator) persistLocked() {
	if o.cfg.StatePath == "" {
		return
	}
	if err := jsonstate.Save(o.cfg.StatePath, o.snapshotLocked()); err != nil {
		o.log.Warn().Err(err).Msg("subscription state persist failed")
	}
}

// LoadPersisted reads the last persisted subscription set, for recovery
// inspection at startup. Missing state is not an error.
func (o *Orchestrator) LoadPersisted() ([]schema.ActiveSubscription, error) {
	if o.cfg.StatePath == "" {
		return nil, nil
	}
	var rows []schema.ActiveSubscription
	if err := jsonstate.Load(o.cfg.StatePath, &rows); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}
