// Package schema defines the canonical market-data event model and the
// subscription universe types shared across the tickvault engine.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/errs"
)

// EventType discriminates the payload carried by a MarketEvent.
type EventType string

const (
	// EventTypeTrade identifies executed trades.
	EventTypeTrade EventType = "trade"
	// EventTypeQuote identifies best-bid-and-offer quote updates.
	EventTypeQuote EventType = "bbo-quote"
	// EventTypeDepth identifies level-2 depth updates.
	EventTypeDepth EventType = "depth-update"
	// EventTypeBar identifies aggregated bars, live or backfilled.
	EventTypeBar EventType = "bar"
	// EventTypeIntegrity identifies detected data anomalies (gap, out-of-order,
	// tick-size, divergence) materialized into the stream.
	EventTypeIntegrity EventType = "integrity"
)

// EventTypes lists every canonical event type in stable order.
func EventTypes() []EventType {
	return []EventType{EventTypeTrade, EventTypeQuote, EventTypeDepth, EventTypeBar, EventTypeIntegrity}
}

// Valid reports whether t names a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeTrade, EventTypeQuote, EventTypeDepth, EventTypeBar, EventTypeIntegrity:
		return true
	default:
		return false
	}
}

// TradeSide captures the aggressor direction of a trade when known.
type TradeSide string

const (
	// TradeSideBuy indicates buy-side aggression.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell indicates sell-side aggression.
	TradeSideSell TradeSide = "sell"
)

// TradePayload represents an executed trade.
type TradePayload struct {
	TradeID string          `json:"tradeId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    TradeSide       `json:"side,omitempty"`
}

// QuotePayload conveys a best-bid-and-offer update.
type QuotePayload struct {
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidSize  decimal.Decimal `json:"bidSize"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskSize  decimal.Decimal `json:"askSize"`
}

// Mid returns the quote midpoint, or zero when either side is empty.
func (q QuotePayload) Mid() decimal.Decimal {
	if q.BidPrice.IsZero() || q.AskPrice.IsZero() {
		return decimal.Zero
	}
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// PriceLevel describes one side level of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// DepthPayload conveys a level-2 depth update. Adapters always emit the full
// visible book for the subscribed level count, never deltas.
type DepthPayload struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BarPayload represents one aggregated bar.
type BarPayload struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
}

// IntegrityKind enumerates detected data anomalies.
type IntegrityKind string

const (
	// IntegrityGap indicates a sequence gap for a (symbol, provider, type) stream.
	IntegrityGap IntegrityKind = "gap"
	// IntegrityOutOfOrder indicates a sequence regression beyond the reorder window.
	IntegrityOutOfOrder IntegrityKind = "out-of-order"
	// IntegrityTickSize indicates a price off the instrument's tick grid.
	IntegrityTickSize IntegrityKind = "tick-size"
	// IntegrityDivergence indicates cross-provider mid-price divergence.
	IntegrityDivergence IntegrityKind = "divergence"
)

// IntegrityPayload describes a detected anomaly. Integrity events flow through
// the pipeline like any other event so the archive keeps an auditable record.
type IntegrityPayload struct {
	Kind     IntegrityKind     `json:"kind"`
	Detail   string            `json:"detail"`
	Expected string            `json:"expected,omitempty"`
	Observed string            `json:"observed,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// MarketEvent is the canonical event emitted by providers and carried through
// the pipeline to the archive. Payload holds exactly one of the typed payload
// structs selected by Type.
type MarketEvent struct {
	EventID    string    `json:"eventId"`
	Provider   string    `json:"provider"`
	Symbol     string    `json:"symbol"`
	Type       EventType `json:"type"`
	Sequence   uint64    `json:"sequence"`
	ExchangeTS time.Time `json:"exchangeTs"`
	ReceivedTS time.Time `json:"receivedTs"`
	Payload    any       `json:"payload"`
}

// Key returns the dedup identity for the event: sequence numbers are unique
// per (provider, symbol, type) under the provider contract.
func (e MarketEvent) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.Provider, e.Symbol, e.Type, e.Sequence)
}

// Trade returns the trade payload when the event carries one.
func (e MarketEvent) Trade() (TradePayload, bool) {
	p, ok := e.Payload.(TradePayload)
	return p, ok
}

// Quote returns the quote payload when the event carries one.
func (e MarketEvent) Quote() (QuotePayload, bool) {
	p, ok := e.Payload.(QuotePayload)
	return p, ok
}

// Depth returns the depth payload when the event carries one.
func (e MarketEvent) Depth() (DepthPayload, bool) {
	p, ok := e.Payload.(DepthPayload)
	return p, ok
}

// Bar returns the bar payload when the event carries one.
func (e MarketEvent) Bar() (BarPayload, bool) {
	p, ok := e.Payload.(BarPayload)
	return p, ok
}

// Integrity returns the integrity payload when the event carries one.
func (e MarketEvent) Integrity() (IntegrityPayload, bool) {
	p, ok := e.Payload.(IntegrityPayload)
	return p, ok
}

// Validate checks that the event is well formed and that the payload matches
// the declared type.
func (e MarketEvent) Validate() error {
	if strings.TrimSpace(e.Symbol) == "" {
		return errs.New("schema/event", errs.KindValidation, errs.WithMessage("symbol required"))
	}
	if strings.TrimSpace(e.Provider) == "" {
		return errs.New("schema/event", errs.KindValidation, errs.WithMessage("provider required"), errs.WithSymbol(e.Symbol))
	}
	if !e.Type.Valid() {
		return errs.New("schema/event", errs.KindValidation,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", e.Type)), errs.WithSymbol(e.Symbol))
	}
	var ok bool
	switch e.Type {
	case EventTypeTrade:
		_, ok = e.Payload.(TradePayload)
	case EventTypeQuote:
		_, ok = e.Payload.(QuotePayload)
	case EventTypeDepth:
		_, ok = e.Payload.(DepthPayload)
	case EventTypeBar:
		_, ok = e.Payload.(BarPayload)
	case EventTypeIntegrity:
		_, ok = e.Payload.(IntegrityPayload)
	}
	if !ok {
		return errs.New("schema/event", errs.KindValidation,
			errs.WithMessage(fmt.Sprintf("payload does not match event type %q", e.Type)),
			errs.WithSymbol(e.Symbol), errs.WithProvider(e.Provider))
	}
	return nil
}

// NewIntegrityEvent builds an integrity event attributed to the provider and
// symbol that triggered the anomaly.
func NewIntegrityEvent(provider, symbol string, payload IntegrityPayload, at time.Time) MarketEvent {
	return MarketEvent{
		Provider:   provider,
		Symbol:     symbol,
		Type:       EventTypeIntegrity,
		ExchangeTS: at,
		ReceivedTS: at,
		Payload:    payload,
	}
}
