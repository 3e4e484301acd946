package wsfeed

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
)

// controlRequest is the subscribe/unsubscribe frame sent to the feed.
type controlRequest struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
	ID     int64    `json:"id"`
}

// controlResponse acknowledges a control request. Frames carrying a non-zero
// ID are acks, never data.
type controlResponse struct {
	ID    int64  `json:"id"`
	Error string `json:"error,omitempty"`
}

// dataFrame is the generic envelope every feed message arrives in.
type dataFrame struct {
	Channel  string          `json:"channel"`
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"seq"`
	TS       int64           `json:"ts"` // exchange timestamp, epoch milliseconds
	Data     json.RawMessage `json:"data"`
}

type tradeData struct {
	TradeID string          `json:"tradeId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"`
}

type quoteData struct {
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidSize  decimal.Decimal `json:"bidSize"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskSize  decimal.Decimal `json:"askSize"`
}

type depthLevelData struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type depthData struct {
	Bids []depthLevelData `json:"bids"`
	Asks []depthLevelData `json:"asks"`
}

type barData struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Start  int64           `json:"start"`
	End    int64           `json:"end"`
}

// Channel names on the wire.
const (
	wireChannelTrades       = "trades"
	wireChannelQuotes       = "quotes"
	wireChannelDepth        = "depth"
	wireChannelBars         = "bars"
	wireChannelOptionTrades = "option-trades"
)

// parseFrame decodes a data frame into a canonical event. The received
// timestamp comes from the local read loop, not the wire.
func parseFrame(providerName string, payload []byte, receivedTS time.Time) (schema.MarketEvent, error) {
	var frame dataFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return schema.MarketEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Symbol == "" || frame.Channel == "" {
		return schema.MarketEvent{}, fmt.Errorf("frame missing channel or symbol")
	}

	evt := schema.MarketEvent{
		Provider:   providerName,
		Symbol:     schema.NormalizeSymbol(frame.Symbol),
		Sequence:   frame.Sequence,
		ExchangeTS: time.UnixMilli(frame.TS).UTC(),
		ReceivedTS: receivedTS,
	}

	switch frame.Channel {
	case wireChannelTrades, wireChannelOptionTrades:
		var d tradeData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("decode trade %s: %w", frame.Symbol, err)
		}
		evt.Type = schema.EventTypeTrade
		evt.Payload = schema.TradePayload{
			TradeID: d.TradeID,
			Price:   d.Price,
			Size:    d.Size,
			Side:    schema.TradeSide(d.Side),
		}
	case wireChannelQuotes:
		var d quoteData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("decode quote %s: %w", frame.Symbol, err)
		}
		evt.Type = schema.EventTypeQuote
		evt.Payload = schema.QuotePayload{
			BidPrice: d.BidPrice,
			BidSize:  d.BidSize,
			AskPrice: d.AskPrice,
			AskSize:  d.AskSize,
		}
	case wireChannelDepth:
		var d depthData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("decode depth %s: %w", frame.Symbol, err)
		}
		evt.Type = schema.EventTypeDepth
		evt.Payload = schema.DepthPayload{
			Bids: toLevels(d.Bids),
			Asks: toLevels(d.Asks),
		}
	case wireChannelBars:
		var d barData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return schema.MarketEvent{}, fmt.Errorf("decode bar %s: %w", frame.Symbol, err)
		}
		evt.Type = schema.EventTypeBar
		evt.Payload = schema.BarPayload{
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.Volume,
			Start:  time.UnixMilli(d.Start).UTC(),
			End:    time.UnixMilli(d.End).UTC(),
		}
	default:
		return schema.MarketEvent{}, fmt.Errorf("unknown channel %q", frame.Channel)
	}
	return evt, nil
}

func toLevels(levels []depthLevelData) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, schema.PriceLevel{Price: l.Price, Size: l.Size})
	}
	return out
}

// topicFor builds the wire topic string for a (channel, spec) pair.
func topicFor(channel schema.Channel, spec schema.SymbolSpec) string {
	switch channel {
	case schema.ChannelDepth:
		return fmt.Sprintf("%s@%s/%d", spec.Symbol, wireChannelDepth, spec.DepthLevels)
	case schema.ChannelOptionTrades:
		return fmt.Sprintf("%s@%s", spec.Symbol, wireChannelOptionTrades)
	default:
		return fmt.Sprintf("%s@%s", spec.Symbol, wireChannelTrades)
	}
}
