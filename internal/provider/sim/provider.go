// Package sim provides a synthetic market-data provider for local runs and
// integration tests. It emits random-walk trades, quotes, and depth snapshots
// on per-subscription tickers.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/provider"
)

// AdapterIdentifier is the registry key for the simulated provider.
const AdapterIdentifier = "sim"

// Options configures the simulated provider.
type Options struct {
	Name          string
	TradeInterval time.Duration
	QuoteInterval time.Duration
	DepthInterval time.Duration
	BasePrice     float64
	Seed          int64
}

func (o Options) normalize() Options {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = AdapterIdentifier
	}
	if o.TradeInterval <= 0 {
		o.TradeInterval = 50 * time.Millisecond
	}
	if o.QuoteInterval <= 0 {
		o.QuoteInterval = 25 * time.Millisecond
	}
	if o.DepthInterval <= 0 {
		o.DepthInterval = 100 * time.Millisecond
	}
	if o.BasePrice <= 0 {
		o.BasePrice = 100.0
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

// Register installs the sim factory into a registry.
func Register(reg *provider.Registry) error {
	return reg.Register(AdapterIdentifier, func(name string, settings map[string]any) (provider.Client, error) {
		opts := Options{Name: name}
		if v, ok := settings["tradeIntervalMs"].(int); ok {
			opts.TradeInterval = time.Duration(v) * time.Millisecond
		}
		if v, ok := settings["basePrice"].(float64); ok {
			opts.BasePrice = v
		}
		return NewProvider(opts), nil
	})
}

type subscription struct {
	id      int64
	spec    schema.SymbolSpec
	channel schema.Channel
	cancel  context.CancelFunc
}

type symbolState struct {
	mu        sync.Mutex
	lastPrice float64
	rng       *rand.Rand
}

// Provider emits synthetic market data for subscribed symbols.
type Provider struct {
	opts Options

	started atomic.Bool
	closed  atomic.Bool
	nextID  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	handlerMu sync.RWMutex
	handler   provider.Handler

	mu   sync.Mutex
	subs map[int64]*subscription

	seqMu sync.Mutex
	seq   map[string]uint64

	stateMu sync.Mutex
	state   map[string]*symbolState

	clock func() time.Time
}

// NewProvider constructs a simulated provider with sane defaults.
func NewProvider(opts Options) *Provider {
	return &Provider{
		opts:  opts.normalize(),
		subs:  make(map[int64]*subscription),
		seq:   make(map[string]uint64),
		state: make(map[string]*symbolState),
		clock: time.Now,
	}
}

// Name implements provider.Client.
func (p *Provider) Name() string { return p.opts.Name }

// Enabled implements provider.Client; the sim feed is always available.
func (p *Provider) Enabled() bool { return !p.closed.Load() }

// SetHandler implements provider.Client.
func (p *Provider) SetHandler(h provider.Handler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// Start implements provider.Client.
func (p *Provider) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return nil
}

// Close implements provider.Client: stops every generator and waits for them.
func (p *Provider) Close(_ context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// SubscribeTrades implements provider.Client.
func (p *Provider) SubscribeTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	return p.subscribe(ctx, spec, schema.ChannelTrades)
}

// SubscribeMarketDepth implements provider.Client.
func (p *Provider) SubscribeMarketDepth(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	if spec.DepthLevels <= 0 {
		return 0, errs.New("sim/subscribe-depth", errs.KindValidation,
			errs.WithMessage("depth subscription requires positive depthLevels"),
			errs.WithSymbol(spec.Symbol), errs.WithProvider(p.opts.Name))
	}
	return p.subscribe(ctx, spec, schema.ChannelDepth)
}

// SubscribeOptionTrades implements provider.Client.
func (p *Provider) SubscribeOptionTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	return p.subscribe(ctx, spec, schema.ChannelOptionTrades)
}

func (p *Provider) subscribe(_ context.Context, spec schema.SymbolSpec, channel schema.Channel) (int64, error) {
	if !p.started.Load() || p.closed.Load() {
		return 0, errs.New("sim/subscribe", errs.KindUnavailable,
			errs.WithMessage("provider not running"), errs.WithProvider(p.opts.Name))
	}
	id := p.nextID.Add(1)
	genCtx, cancel := context.WithCancel(p.ctx)
	sub := &subscription{id: id, spec: spec, channel: channel, cancel: cancel}

	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()

	p.wg.Go(func() { p.generate(genCtx, sub) })
	return id, nil
}

// UnsubscribeTrades implements provider.Client.
func (p *Provider) UnsubscribeTrades(_ context.Context, id int64) error {
	p.drop(id)
	return nil
}

// UnsubscribeMarketDepth implements provider.Client.
func (p *Provider) UnsubscribeMarketDepth(_ context.Context, id int64) error {
	p.drop(id)
	return nil
}

// UnsubscribeOptionTrades implements provider.Client.
func (p *Provider) UnsubscribeOptionTrades(_ context.Context, id int64) error {
	p.drop(id)
	return nil
}

func (p *Provider) drop(id int64) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	p.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// ActiveSubscriptions returns the live subscription count, for tests.
func (p *Provider) ActiveSubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Provider) generate(ctx context.Context, sub *subscription) {
	interval := p.opts.TradeInterval
	switch sub.channel {
	case schema.ChannelDepth:
		interval = p.opts.DepthInterval
	case schema.ChannelOptionTrades:
		interval = p.opts.TradeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.emit(sub)
		}
	}
}

func (p *Provider) emit(sub *subscription) {
	p.handlerMu.RLock()
	handler := p.handler
	p.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	now := p.clock().UTC()
	symbol := sub.spec.Symbol
	price, size, side := p.roll(symbol)

	evt := schema.MarketEvent{
		EventID:    uuid.NewString(),
		Provider:   p.opts.Name,
		Symbol:     symbol,
		Sequence:   p.nextSeq(symbol, sub.channel),
		ExchangeTS: now,
		ReceivedTS: now,
	}

	switch sub.channel {
	case schema.ChannelTrades, schema.ChannelOptionTrades:
		evt.Type = schema.EventTypeTrade
		evt.Payload = schema.TradePayload{
			TradeID: fmt.Sprintf("%s-%d", symbol, evt.Sequence),
			Price:   decimal.NewFromFloat(price).Round(2),
			Size:    decimal.NewFromInt(size),
			Side:    side,
		}
	case schema.ChannelDepth:
		evt.Type = schema.EventTypeDepth
		evt.Payload = p.depthPayload(symbol, price, sub.spec.DepthLevels)
	}

	handler(evt)

	// Interleave a quote alongside each trade print so quote consumers see a
	// moving BBO without a dedicated channel.
	if sub.channel == schema.ChannelTrades {
		quote := schema.MarketEvent{
			EventID:    uuid.NewString(),
			Provider:   p.opts.Name,
			Symbol:     symbol,
			Type:       schema.EventTypeQuote,
			Sequence:   p.nextSeq(symbol, schema.Channel("quotes")),
			ExchangeTS: now,
			ReceivedTS: now,
			Payload: schema.QuotePayload{
				BidPrice: decimal.NewFromFloat(price - 0.01).Round(2),
				BidSize:  decimal.NewFromInt(100),
				AskPrice: decimal.NewFromFloat(price + 0.01).Round(2),
				AskSize:  decimal.NewFromInt(100),
			},
		}
		handler(quote)
	}
}

func (p *Provider) depthPayload(symbol string, mid float64, levels int) schema.DepthPayload {
	bids := make([]schema.PriceLevel, 0, levels)
	asks := make([]schema.PriceLevel, 0, levels)
	for i := 1; i <= levels; i++ {
		step := float64(i) * 0.01
		bids = append(bids, schema.PriceLevel{
			Price: decimal.NewFromFloat(mid - step).Round(2),
			Size:  decimal.NewFromInt(int64(100 * i)),
		})
		asks = append(asks, schema.PriceLevel{
			Price: decimal.NewFromFloat(mid + step).Round(2),
			Size:  decimal.NewFromInt(int64(100 * i)),
		})
	}
	return schema.DepthPayload{Bids: bids, Asks: asks}
}

func (p *Provider) nextSeq(symbol string, channel schema.Channel) uint64 {
	key := symbol + ":" + string(channel)
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq[key]++
	return p.seq[key]
}

func (p *Provider) stateFor(symbol string) *symbolState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	st, ok := p.state[symbol]
	if !ok {
		st = &symbolState{
			lastPrice: p.opts.BasePrice,
			rng:       rand.New(rand.NewSource(p.opts.Seed + int64(len(p.state)))),
		}
		p.state[symbol] = st
	}
	return st
}

// roll advances the symbol's random walk one step under the state lock.
func (p *Provider) roll(symbol string) (price float64, size int64, side schema.TradeSide) {
	st := p.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	drift := (st.rng.Float64() - 0.5) * 0.2
	st.lastPrice += drift
	if st.lastPrice < 1 {
		st.lastPrice = 1
	}
	size = int64(st.rng.Intn(900) + 100)
	side = schema.TradeSideSell
	if st.rng.Intn(2) == 0 {
		side = schema.TradeSideBuy
	}
	return st.lastPrice, size, side
}
