// Package integration exercises the full ingest path with real components:
// sim providers, the validator chain, the bounded pipeline, and the archive
// writer, wired the same way the daemon wires them.
package integration

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/alerting"
	"github.com/quantfeed/tickvault/internal/domain/schema"
)

var testLog = zerolog.Nop()

// discardAlerts satisfies the chain's alert sink without an aggregator.
type discardAlerts struct{}

func (discardAlerts) Submit(alerting.Item) {}

func tradeEvent(provider, symbol string, seq uint64, at time.Time) schema.MarketEvent {
	return schema.MarketEvent{
		Provider:   provider,
		Symbol:     symbol,
		Type:       schema.EventTypeTrade,
		Sequence:   seq,
		ExchangeTS: at,
		ReceivedTS: at,
		Payload: schema.TradePayload{
			TradeID: fmt.Sprintf("%s-%d", symbol, seq),
			Price:   decimal.NewFromFloat(101.25),
			Size:    decimal.NewFromInt(100),
			Side:    schema.TradeSideBuy,
		},
	}
}
