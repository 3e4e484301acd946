package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/errs"
)

// SecurityType identifies the venue-level security class of an instrument.
type SecurityType string

const (
	// SecurityTypeStock designates listed equities.
	SecurityTypeStock SecurityType = "STK"
	// SecurityTypeOption designates listed option contracts.
	SecurityTypeOption SecurityType = "OPT"
	// SecurityTypeIndex designates indices.
	SecurityTypeIndex SecurityType = "IND"
)

// InstrumentType refines the security class for routing decisions.
type InstrumentType string

const (
	// InstrumentEquity designates common shares and ETFs.
	InstrumentEquity InstrumentType = "Equity"
	// InstrumentEquityOption designates options on single equities.
	InstrumentEquityOption InstrumentType = "EquityOption"
	// InstrumentIndexOption designates options on indices.
	InstrumentIndexOption InstrumentType = "IndexOption"
	// InstrumentIndex designates cash indices.
	InstrumentIndex InstrumentType = "Index"
)

// OptionRight identifies the option side.
type OptionRight string

const (
	// OptionRightCall designates call contracts.
	OptionRightCall OptionRight = "C"
	// OptionRightPut designates put contracts.
	OptionRightPut OptionRight = "P"
)

// NormalizeSymbol canonicalizes a symbol key: trimmed and uppercased.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SymbolSpec declares the desired collection state for one instrument. Specs
// are keyed by the canonical (uppercase, trimmed) symbol.
type SymbolSpec struct {
	Symbol          string         `json:"symbol" yaml:"symbol"`
	SecurityType    SecurityType   `json:"securityType" yaml:"securityType"`
	Instrument      InstrumentType `json:"instrument,omitempty" yaml:"instrument,omitempty"`
	Exchange        string         `json:"exchange" yaml:"exchange"`
	PrimaryExchange string         `json:"primaryExchange,omitempty" yaml:"primaryExchange,omitempty"`
	LocalSymbol     string         `json:"localSymbol,omitempty" yaml:"localSymbol,omitempty"`
	SubscribeTrades bool           `json:"subscribeTrades" yaml:"subscribeTrades"`
	SubscribeDepth  bool           `json:"subscribeDepth" yaml:"subscribeDepth"`
	DepthLevels     int            `json:"depthLevels,omitempty" yaml:"depthLevels,omitempty"`

	// Option contract fields; all four are required when IsOption.
	Strike     decimal.Decimal `json:"strike,omitempty" yaml:"strike,omitempty"`
	Right      OptionRight     `json:"right,omitempty" yaml:"right,omitempty"`
	Expiry     string          `json:"expiry,omitempty" yaml:"expiry,omitempty"`
	Multiplier string          `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// Normalize returns a copy with the symbol key canonicalized.
func (s SymbolSpec) Normalize() SymbolSpec {
	s.Symbol = NormalizeSymbol(s.Symbol)
	s.Exchange = strings.TrimSpace(s.Exchange)
	s.PrimaryExchange = strings.TrimSpace(s.PrimaryExchange)
	s.LocalSymbol = strings.TrimSpace(s.LocalSymbol)
	return s
}

// IsOption reports whether the spec describes an option contract. Option
// symbols route trades through the option-trades channel and never depth.
func (s SymbolSpec) IsOption() bool {
	if s.SecurityType == SecurityTypeOption {
		return true
	}
	switch s.Instrument {
	case InstrumentEquityOption, InstrumentIndexOption:
		return true
	default:
		return false
	}
}

// Validate checks structural invariants on the spec.
func (s SymbolSpec) Validate() error {
	if NormalizeSymbol(s.Symbol) == "" {
		return errs.New("schema/symbol-spec", errs.KindValidation, errs.WithMessage("symbol required"))
	}
	if s.Symbol != NormalizeSymbol(s.Symbol) {
		return errs.New("schema/symbol-spec", errs.KindValidation,
			errs.WithMessage("symbol must be uppercase and trimmed"), errs.WithSymbol(s.Symbol))
	}
	if s.SubscribeDepth && s.DepthLevels <= 0 {
		return errs.New("schema/symbol-spec", errs.KindValidation,
			errs.WithMessage("depth subscription requires positive depthLevels"), errs.WithSymbol(s.Symbol))
	}
	if s.IsOption() {
		missing := make([]string, 0, 4)
		if s.Strike.LessThanOrEqual(decimal.Zero) {
			missing = append(missing, "strike")
		}
		if s.Right != OptionRightCall && s.Right != OptionRightPut {
			missing = append(missing, "right")
		}
		if strings.TrimSpace(s.Expiry) == "" {
			missing = append(missing, "expiry")
		}
		if strings.TrimSpace(s.Multiplier) == "" {
			missing = append(missing, "multiplier")
		}
		if len(missing) > 0 {
			return errs.New("schema/symbol-spec", errs.KindValidation,
				errs.WithMessage(fmt.Sprintf("option spec missing fields: %s", strings.Join(missing, ", "))),
				errs.WithSymbol(s.Symbol))
		}
	}
	return nil
}

// HasChanged reports whether the fields that require an unsubscribe plus
// resubscribe differ between two generations of a spec. The field list is
// fixed: flags and parameters the provider bakes into a live subscription.
func HasChanged(prev, cur SymbolSpec) bool {
	if prev.SubscribeTrades != cur.SubscribeTrades {
		return true
	}
	if prev.SubscribeDepth != cur.SubscribeDepth {
		return true
	}
	if prev.DepthLevels != cur.DepthLevels {
		return true
	}
	if prev.Exchange != cur.Exchange {
		return true
	}
	if prev.LocalSymbol != cur.LocalSymbol {
		return true
	}
	if prev.PrimaryExchange != cur.PrimaryExchange {
		return true
	}
	if !prev.Strike.Equal(cur.Strike) {
		return true
	}
	if prev.Right != cur.Right {
		return true
	}
	if prev.Expiry != cur.Expiry {
		return true
	}
	return false
}

// Channel identifies a provider subscription stream class.
type Channel string

const (
	// ChannelTrades carries equity trade prints.
	ChannelTrades Channel = "trades"
	// ChannelDepth carries level-2 depth updates.
	ChannelDepth Channel = "depth"
	// ChannelOptionTrades carries option trade prints.
	ChannelOptionTrades Channel = "option-trades"
)

// Channels lists every subscription channel in stable order.
func Channels() []Channel {
	return []Channel{ChannelTrades, ChannelDepth, ChannelOptionTrades}
}

// SubscriptionState tracks the lifecycle of one active subscription row.
type SubscriptionState string

const (
	// SubscriptionPending marks a subscribe call in flight.
	SubscriptionPending SubscriptionState = "pending"
	// SubscriptionActive marks a live provider subscription.
	SubscriptionActive SubscriptionState = "active"
	// SubscriptionFailed marks a subscribe attempt the provider rejected.
	SubscriptionFailed SubscriptionState = "failed"
	// SubscriptionClosed marks an unsubscribed row.
	SubscriptionClosed SubscriptionState = "closed"
)

// FailedSubscriptionID is the sentinel stored when a subscribe call fails;
// failed rows are retried on the next reconcile pass.
const FailedSubscriptionID int64 = -1

// ActiveSubscription records one (symbol, channel) provider subscription.
// The orchestrator owns these rows; there is at most one per (symbol, channel).
type ActiveSubscription struct {
	Symbol    string            `json:"symbol"`
	Channel   Channel           `json:"channel"`
	ID        int64             `json:"id"`
	State     SubscriptionState `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Live reports whether the row holds a provider-confirmed subscription id.
func (a ActiveSubscription) Live() bool {
	return a.State == SubscriptionActive && a.ID >= 1
}
