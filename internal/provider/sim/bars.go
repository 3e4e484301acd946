package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
)

// BarSource generates synthetic one-minute bars for gap-fill runs. It walks
// the same price process as the live generator but is deterministic per
// (seed, symbol, from).
type BarSource struct {
	name      string
	basePrice float64
	seed      int64
}

// NewBarSource constructs a synthetic bar source.
func NewBarSource(name string, basePrice float64, seed int64) *BarSource {
	if name == "" {
		name = AdapterIdentifier
	}
	if basePrice <= 0 {
		basePrice = 100.0
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &BarSource{name: name, basePrice: basePrice, seed: seed}
}

// Name reports the provider identity stamped on backfilled events.
func (s *BarSource) Name() string { return s.name }

// Bars returns one-minute bars covering [from, to).
func (s *BarSource) Bars(ctx context.Context, symbol string, from, to time.Time) ([]schema.BarPayload, error) {
	if !to.After(from) {
		return nil, errs.New("sim/bars", errs.KindValidation,
			errs.WithMessage("bar range must be non-empty"), errs.WithSymbol(symbol))
	}

	var seedMix int64
	for _, r := range symbol {
		seedMix = seedMix*31 + int64(r)
	}
	rng := rand.New(rand.NewSource(s.seed + seedMix + from.Unix()))

	price := s.basePrice
	var bars []schema.BarPayload
	for start := from.Truncate(time.Minute); start.Before(to); start = start.Add(time.Minute) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		open := price
		high, low := open, open
		for i := 0; i < 4; i++ {
			price += (rng.Float64() - 0.5) * 0.2
			if price < 1 {
				price = 1
			}
			if price > high {
				high = price
			}
			if price < low {
				low = price
			}
		}
		bars = append(bars, schema.BarPayload{
			Open:   decimal.NewFromFloat(open).Round(2),
			High:   decimal.NewFromFloat(high).Round(2),
			Low:    decimal.NewFromFloat(low).Round(2),
			Close:  decimal.NewFromFloat(price).Round(2),
			Volume: decimal.NewFromInt(int64(rng.Intn(9000) + 1000)),
			Start:  start,
			End:    start.Add(time.Minute),
		})
	}
	return bars, nil
}
