// Package provider defines the abstract market-data provider contract the
// engine programs against, plus the registry adapters register with. Concrete
// adapters (wsfeed, sim) live in subpackages.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
)

// Handler receives normalized events from a provider. It is invoked on
// provider-owned goroutines and must never block; forward into the pipeline
// with a non-blocking publish only.
type Handler func(evt schema.MarketEvent)

// Client is the subscription surface every provider adapter implements.
// Subscribe calls return a provider-assigned id >= 1 on success and an error
// otherwise; unsubscribe calls are idempotent and best-effort.
type Client interface {
	Name() string
	Enabled() bool

	SubscribeTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error)
	SubscribeMarketDepth(ctx context.Context, spec schema.SymbolSpec) (int64, error)
	SubscribeOptionTrades(ctx context.Context, spec schema.SymbolSpec) (int64, error)

	UnsubscribeTrades(ctx context.Context, id int64) error
	UnsubscribeMarketDepth(ctx context.Context, id int64) error
	UnsubscribeOptionTrades(ctx context.Context, id int64) error

	// SetHandler installs the event callback. Must be called before Start;
	// replacing the handler on a live client is not supported.
	SetHandler(h Handler)

	// Start begins streaming; Close tears the client down. Both are
	// idempotent.
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory constructs a client from its configuration blob.
type Factory func(name string, settings map[string]any) (Client, error)

// Registry maps adapter identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under the identifier. Duplicate registration is
// a conflict.
func (r *Registry) Register(identifier string, factory Factory) error {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if id == "" || factory == nil {
		return errs.New("provider/register", errs.KindValidation,
			errs.WithMessage("identifier and factory required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return errs.New("provider/register", errs.KindConflict,
			errs.WithMessage("adapter already registered"), errs.WithProvider(id))
	}
	r.factories[id] = factory
	return nil
}

// Build instantiates a client for the adapter identifier.
func (r *Registry) Build(identifier, name string, settings map[string]any) (Client, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("provider/build", errs.KindNotFound,
			errs.WithMessage("unknown adapter identifier"), errs.WithProvider(id))
	}
	return factory(name, settings)
}

// Identifiers lists registered adapter identifiers in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
