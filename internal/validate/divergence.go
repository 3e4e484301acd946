package validate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
)

const (
	defaultDivergenceWindow = 5 * time.Second
	defaultDivergenceBps    = 10
	bpsDenominator          = 10_000
)

type midSample struct {
	mid decimal.Decimal
	at  time.Time
}

// DivergenceValidator tracks per-provider mid prices for each symbol within a
// rolling window and flags symbols whose providers disagree by more than the
// threshold, in basis points of the average mid.
type DivergenceValidator struct {
	window       time.Duration
	thresholdBps decimal.Decimal
	now          func() time.Time

	mu   sync.Mutex
	mids map[string]map[string]midSample // symbol -> provider -> latest mid
}

// NewDivergenceValidator constructs a validator; zero arguments select the 5s
// window and 10 bps threshold.
func NewDivergenceValidator(window time.Duration, thresholdBps int) *DivergenceValidator {
	if window <= 0 {
		window = defaultDivergenceWindow
	}
	if thresholdBps <= 0 {
		thresholdBps = defaultDivergenceBps
	}
	return &DivergenceValidator{
		window:       window,
		thresholdBps: decimal.NewFromInt(int64(thresholdBps)),
		now:          time.Now,
		mids:         make(map[string]map[string]midSample),
	}
}

// Check folds a quote into the window and reports a finding when fresh mids
// across providers diverge beyond the threshold. Needs at least two
// providers; single-sourced symbols never fire.
func (v *DivergenceValidator) Check(evt schema.MarketEvent) *Finding {
	quote, ok := evt.Quote()
	if !ok {
		return nil
	}
	mid := quote.Mid()
	if mid.IsZero() {
		return nil
	}
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	byProvider, ok := v.mids[evt.Symbol]
	if !ok {
		byProvider = make(map[string]midSample)
		v.mids[evt.Symbol] = byProvider
	}
	byProvider[evt.Provider] = midSample{mid: mid, at: now}

	cutoff := now.Add(-v.window)
	var (
		minMid, maxMid   decimal.Decimal
		minProv, maxProv string
		sum              decimal.Decimal
		fresh            int
	)
	for provider, sample := range byProvider {
		if sample.at.Before(cutoff) {
			delete(byProvider, provider)
			continue
		}
		if fresh == 0 || sample.mid.LessThan(minMid) {
			minMid, minProv = sample.mid, provider
		}
		if fresh == 0 || sample.mid.GreaterThan(maxMid) {
			maxMid, maxProv = sample.mid, provider
		}
		sum = sum.Add(sample.mid)
		fresh++
	}
	if fresh < 2 {
		return nil
	}

	avg := sum.Div(decimal.NewFromInt(int64(fresh)))
	if avg.IsZero() {
		return nil
	}
	spreadBps := maxMid.Sub(minMid).Div(avg).Mul(decimal.NewFromInt(bpsDenominator))
	if spreadBps.LessThan(v.thresholdBps) {
		return nil
	}

	return &Finding{
		Kind:   schema.IntegrityDivergence,
		Symbol: evt.Symbol,
		Detail: fmt.Sprintf("mid divergence %s bps between %s and %s", spreadBps.Round(1), minProv, maxProv),
		Payload: schema.IntegrityPayload{
			Kind:     schema.IntegrityDivergence,
			Detail:   fmt.Sprintf("cross-provider mid divergence for %s", evt.Symbol),
			Expected: fmt.Sprintf("< %s bps", v.thresholdBps),
			Observed: spreadBps.Round(1).String() + " bps",
			Fields: map[string]string{
				"minProvider": minProv,
				"minMid":      minMid.String(),
				"maxProvider": maxProv,
				"maxMid":      maxMid.String(),
			},
		},
	}
}
