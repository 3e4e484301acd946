// Package wsfeed implements the provider contract over a generic
// JSON-over-WebSocket market-data feed: one socket per provider, topic-based
// subscriptions, automatic reconnect with resubscription, and paced control
// messages.
package wsfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/provider"
)

// AdapterIdentifier is the registry key for the wsfeed adapter.
const AdapterIdentifier = "wsfeed"

// Options configures a wsfeed provider instance.
type Options struct {
	Name string
	URL  string
	Log  zerolog.Logger
	// OnState, when set, observes connect/disconnect transitions, typically
	// wired to the health monitor.
	OnState func(connected bool, reason string)
}

// Register installs the wsfeed factory into a registry. The logger is caught
// in the closure; settings must carry the feed URL.
func Register(reg *provider.Registry, log zerolog.Logger) error {
	return reg.Register(AdapterIdentifier, func(name string, settings map[string]any) (provider.Client, error) {
		url, _ := settings["url"].(string)
		if strings.TrimSpace(url) == "" {
			return nil, errs.New("wsfeed/build", errs.KindValidation,
				errs.WithMessage("wsfeed adapter requires a url setting"), errs.WithProvider(name))
		}
		return NewProvider(Options{Name: name, URL: url, Log: log}), nil
	})
}

// Provider streams market data from one WebSocket feed.
type Provider struct {
	opts Options
	log  zerolog.Logger

	started atomic.Bool
	closed  atomic.Bool
	nextID  atomic.Int64

	handlerMu sync.RWMutex
	handler   provider.Handler

	mu     sync.Mutex
	topics map[int64]string

	sock *socket
	wg   conc.WaitGroup
}

// NewProvider constructs a wsfeed provider. Start dials the feed.
func NewProvider(opts Options) *Provider {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = AdapterIdentifier
	}
	opts.Name = name
	return &Provider{
		opts:   opts,
		log:    opts.Log.With().Str("component", "wsfeed").Str("provider", name).Logger(),
		topics: make(map[int64]string),
	}
}

// Name implements provider.Client.
func (p *Provider) Name() string { return p.opts.Name }

// Enabled implements provider.Client.
func (p *Provider) Enabled() bool { return p.started.Load() && !p.closed.Load() }

// SetHandler implements provider.Client.
func (p *Provider) SetHandler(h provider.Handler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// Start implements provider.Client: dials the feed and waits for the first
// connection so subscribe calls have a live socket.
func (p *Provider) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.sock = newSocket(ctx, p.opts.URL, p.log, p.onFrame, p.opts.OnState)
	p.wg.Go(p.sock.run)

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.sock.waitReady(readyCtx); err != nil {
		return errs.New("wsfeed/start", errs.KindUnavailable,
			errs.WithMessage("feed did not connect"), errs.WithProvider(p.opts.Name), errs.WithCause(err))
	}
	return nil
}

// Close implements provider.Client.
func (p *Provider) Close(_ context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.sock != nil {
		p.sock.close()
	}
	p.wg.Wait()
	return nil
}

// Ping probes the feed connection; exposed for the health monitor.
func (p *Provider) Ping(ctx context.Context) error {
	if p.sock == nil {
		return errs.New("wsfeed/ping", errs.KindUnavailable,
			errs.WithMessage("provider not started"), errs.WithProvider(p.opts.Name))
	}
	return p.sock.ping(ctx)
}

func (p *Provider) onFrame(payload []byte, receivedTS time.Time) {
	evt, err := parseFrame(p.opts.Name, payload, receivedTS)
	if err != nil {
		p.log.Debug().Err(err).Msg("unparseable frame dropped")
		return
	}
	p.handlerMu.RLock()
	handler := p.handler
	p.handlerMu.RUnlock()
	if handler != nil {
		handler(evt)
	}
}

// SubscribeTrades implements provider.Client.
func (p *Provider) SubscribeTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	return p.subscribe(ctx, schema.ChannelTrades, spec)
}

// SubscribeMarketDepth implements provider.Client.
func (p *Provider) SubscribeMarketDepth(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	if spec.DepthLevels <= 0 {
		return 0, errs.New("wsfeed/subscribe-depth", errs.KindValidation,
			errs.WithMessage("depth subscription requires positive depthLevels"),
			errs.WithSymbol(spec.Symbol), errs.WithProvider(p.opts.Name))
	}
	return p.subscribe(ctx, schema.ChannelDepth, spec)
}

// SubscribeOptionTrades implements provider.Client.
func (p *Provider) SubscribeOptionTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error) {
	return p.subscribe(ctx, schema.ChannelOptionTrades, spec)
}

func (p *Provider) subscribe(_ context.Context, channel schema.Channel, spec schema.SymbolSpec) (int64, error) {
	if !p.Enabled() {
		return 0, errs.New("wsfeed/subscribe", errs.KindUnavailable,
			errs.WithMessage("provider not running"), errs.WithProvider(p.opts.Name))
	}
	topic := topicFor(channel, spec)
	if err := p.sock.subscribe(topic); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.topics[id] = topic
	p.mu.Unlock()
	return id, nil
}

// UnsubscribeTrades implements provider.Client.
func (p *Provider) UnsubscribeTrades(ctx context.Context, id int64) error {
	return p.unsubscribe(ctx, id)
}

// UnsubscribeMarketDepth implements provider.Client.
func (p *Provider) UnsubscribeMarketDepth(ctx context.Context, id int64) error {
	return p.unsubscribe(ctx, id)
}

// UnsubscribeOptionTrades implements provider.Client.
func (p *Provider) UnsubscribeOptionTrades(ctx context.Context, id int64) error {
	return p.unsubscribe(ctx, id)
}

func (p *Provider) unsubscribe(_ context.Context, id int64) error {
	p.mu.Lock()
	topic, ok := p.topics[id]
	if ok {
		delete(p.topics, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.sock.unsubscribe(topic); err != nil {
		// Best-effort: the topic is out of the replay set, so a reconnect
		// will not resurrect it.
		p.log.Debug().Err(err).Str("topic", topic).Msg("unsubscribe write failed")
	}
	return nil
}
