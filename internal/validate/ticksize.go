// Package validate holds the per-event data-quality validators: tick-size
// conformance, cross-provider quote divergence, and sequence tracking.
// Findings are never fatal; they materialize as integrity events and
// cooldown-gated alerts.
package validate

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
)

var (
	dollarOne        = decimal.NewFromInt(1)
	defaultTickAbove = decimal.RequireFromString("0.01")
	defaultTickBelow = decimal.RequireFromString("0.0001")
	// Tolerance is a fraction of the tick, covering float-sourced feeds.
	tickToleranceFraction = decimal.RequireFromString("0.001")
)

// TickSizeConfig sets the tick grid. Zero values select US-equity defaults:
// $0.01 at or above $1, $0.0001 below.
type TickSizeConfig struct {
	TickAbove decimal.Decimal
	TickBelow decimal.Decimal
	Overrides map[string]decimal.Decimal
}

// TickSizeValidator checks that trade prices sit on the instrument tick grid.
type TickSizeValidator struct {
	mu        sync.RWMutex
	tickAbove decimal.Decimal
	tickBelow decimal.Decimal
	overrides map[string]decimal.Decimal
}

// NewTickSizeValidator constructs a validator from config.
func NewTickSizeValidator(cfg TickSizeConfig) *TickSizeValidator {
	v := &TickSizeValidator{
		tickAbove: cfg.TickAbove,
		tickBelow: cfg.TickBelow,
		overrides: make(map[string]decimal.Decimal, len(cfg.Overrides)),
	}
	if v.tickAbove.IsZero() {
		v.tickAbove = defaultTickAbove
	}
	if v.tickBelow.IsZero() {
		v.tickBelow = defaultTickBelow
	}
	for sym, tick := range cfg.Overrides {
		v.overrides[schema.NormalizeSymbol(sym)] = tick
	}
	return v
}

// SetOverride installs a per-symbol tick size at runtime.
func (v *TickSizeValidator) SetOverride(symbol string, tick decimal.Decimal) {
	v.mu.Lock()
	v.overrides[schema.NormalizeSymbol(symbol)] = tick
	v.mu.Unlock()
}

// TickFor returns the tick size applied to a symbol at a price.
func (v *TickSizeValidator) TickFor(symbol string, price decimal.Decimal) decimal.Decimal {
	v.mu.RLock()
	tick, ok := v.overrides[symbol]
	v.mu.RUnlock()
	if ok {
		return tick
	}
	if price.GreaterThanOrEqual(dollarOne) {
		return v.tickAbove
	}
	return v.tickBelow
}

// Check inspects a trade event. It returns a finding when the price is off
// the tick grid beyond tolerance, nil otherwise. Non-trade events pass.
func (v *TickSizeValidator) Check(evt schema.MarketEvent) *Finding {
	trade, ok := evt.Trade()
	if !ok || trade.Price.IsZero() {
		return nil
	}
	tick := v.TickFor(evt.Symbol, trade.Price)
	if tick.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	remainder := trade.Price.Mod(tick).Abs()
	tolerance := tick.Mul(tickToleranceFraction)
	// Remainders within tolerance of either grid edge pass.
	if remainder.LessThanOrEqual(tolerance) || tick.Sub(remainder).LessThanOrEqual(tolerance) {
		return nil
	}
	return &Finding{
		Kind:   schema.IntegrityTickSize,
		Symbol: evt.Symbol,
		Detail: fmt.Sprintf("price %s off tick grid %s (remainder %s)", trade.Price, tick, remainder),
		Payload: schema.IntegrityPayload{
			Kind:     schema.IntegrityTickSize,
			Detail:   fmt.Sprintf("price off tick grid for %s", evt.Symbol),
			Expected: tick.String(),
			Observed: remainder.String(),
			Fields: map[string]string{
				"price":    trade.Price.String(),
				"provider": evt.Provider,
			},
		},
	}
}
