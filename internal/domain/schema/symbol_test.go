package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func equitySpec(symbol string) SymbolSpec {
	return SymbolSpec{
		Symbol:          symbol,
		SecurityType:    SecurityTypeStock,
		Instrument:      InstrumentEquity,
		Exchange:        "SMART",
		SubscribeTrades: true,
	}
}

func optionSpec(symbol string) SymbolSpec {
	return SymbolSpec{
		Symbol:          symbol,
		SecurityType:    SecurityTypeOption,
		Instrument:      InstrumentEquityOption,
		Exchange:        "SMART",
		SubscribeTrades: true,
		Strike:          decimal.RequireFromString("190"),
		Right:           OptionRightCall,
		Expiry:          "20260918",
		Multiplier:      "100",
	}
}

func TestSymbolSpecValidate(t *testing.T) {
	if err := equitySpec("AAPL").Validate(); err != nil {
		t.Fatalf("expected valid equity spec, got %v", err)
	}

	lower := equitySpec("aapl")
	if err := lower.Validate(); err == nil {
		t.Fatal("expected lowercase symbol to fail validation")
	}
	if err := lower.Normalize().Validate(); err != nil {
		t.Fatalf("expected normalized spec to validate, got %v", err)
	}

	depth := equitySpec("MSFT")
	depth.SubscribeDepth = true
	if err := depth.Validate(); err == nil {
		t.Fatal("expected depth without levels to fail validation")
	}
	depth.DepthLevels = 5
	if err := depth.Validate(); err != nil {
		t.Fatalf("expected depth with levels to validate, got %v", err)
	}
}

func TestOptionSpecRequiresAllContractFields(t *testing.T) {
	if err := optionSpec("AAPL").Validate(); err != nil {
		t.Fatalf("expected complete option spec to validate, got %v", err)
	}

	for _, strip := range []func(*SymbolSpec){
		func(s *SymbolSpec) { s.Strike = decimal.Zero },
		func(s *SymbolSpec) { s.Right = "" },
		func(s *SymbolSpec) { s.Expiry = "" },
		func(s *SymbolSpec) { s.Multiplier = "" },
	} {
		spec := optionSpec("AAPL")
		strip(&spec)
		if err := spec.Validate(); err == nil {
			t.Fatalf("expected incomplete option spec to fail validation: %+v", spec)
		}
	}
}

func TestIsOptionCoversSecurityTypeAndInstrument(t *testing.T) {
	byType := equitySpec("SPX")
	byType.SecurityType = SecurityTypeOption
	if !byType.IsOption() {
		t.Fatal("expected OPT security type to classify as option")
	}

	byInstrument := equitySpec("SPX")
	byInstrument.Instrument = InstrumentIndexOption
	if !byInstrument.IsOption() {
		t.Fatal("expected IndexOption instrument to classify as option")
	}

	if equitySpec("AAPL").IsOption() {
		t.Fatal("expected plain equity to not classify as option")
	}
}

func TestHasChangedFixedFieldList(t *testing.T) {
	base := optionSpec("AAPL")

	if HasChanged(base, base) {
		t.Fatal("identical specs must not report change")
	}

	mutations := []func(*SymbolSpec){
		func(s *SymbolSpec) { s.SubscribeTrades = false },
		func(s *SymbolSpec) { s.SubscribeDepth = true },
		func(s *SymbolSpec) { s.DepthLevels = 10 },
		func(s *SymbolSpec) { s.Exchange = "CBOE" },
		func(s *SymbolSpec) { s.LocalSymbol = "AAPL 260918C00190000" },
		func(s *SymbolSpec) { s.PrimaryExchange = "NASDAQ" },
		func(s *SymbolSpec) { s.Strike = decimal.RequireFromString("195") },
		func(s *SymbolSpec) { s.Right = OptionRightPut },
		func(s *SymbolSpec) { s.Expiry = "20261218" },
	}
	for i, mutate := range mutations {
		cur := base
		mutate(&cur)
		if !HasChanged(base, cur) {
			t.Fatalf("mutation %d must report change", i)
		}
	}

	// Multiplier is deliberately outside the resubscribe field list.
	cur := base
	cur.Multiplier = "50"
	if HasChanged(base, cur) {
		t.Fatal("multiplier change must not force a resubscribe")
	}
}

func TestActiveSubscriptionLive(t *testing.T) {
	live := ActiveSubscription{Symbol: "AAPL", Channel: ChannelTrades, ID: 7, State: SubscriptionActive}
	if !live.Live() {
		t.Fatal("expected active row with positive id to be live")
	}
	failed := ActiveSubscription{Symbol: "AAPL", Channel: ChannelTrades, ID: FailedSubscriptionID, State: SubscriptionFailed}
	if failed.Live() {
		t.Fatal("failed sentinel row must not be live")
	}
}
