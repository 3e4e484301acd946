package validate

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/internal/alerting"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/recon"
)

// defaultAlertCooldown gates repeated alerts for the same (symbol, kind).
const defaultAlertCooldown = 10 * time.Second

// Finding describes one detected data-quality violation.
type Finding struct {
	Kind    schema.IntegrityKind
	Symbol  string
	Detail  string
	Payload schema.IntegrityPayload
}

// AlertSink receives rate-limited alerts for findings.
type AlertSink interface {
	Submit(item alerting.Item)
}

// IntegrityPublisher injects integrity events into the pipeline. Must not
// block; the chain runs on provider callback threads.
type IntegrityPublisher func(evt schema.MarketEvent)

// ChainConfig assembles the validator chain.
type ChainConfig struct {
	TickSize TickSizeConfig
	// DivergenceWindow and DivergenceBps tune the cross-provider check;
	// zeros select 5s and 10 bps.
	DivergenceWindow time.Duration
	DivergenceBps    int
	// AlertCooldown gates repeat alerts per (symbol, kind); zero selects 10s.
	AlertCooldown time.Duration
}

// Chain runs every event through structural validation, sequence tracking,
// and the data-quality validators. It decides whether the event proceeds to
// the pipeline and emits integrity events and alerts for findings.
type Chain struct {
	counters   *recon.Counters
	alerts     AlertSink
	publish    IntegrityPublisher
	log        zerolog.Logger
	tickSize   *TickSizeValidator
	divergence *DivergenceValidator
	sequencer  *Sequencer
	cooldown   *gocache.Cache
	cooldownD  time.Duration
	now        func() time.Time
}

// NewChain constructs the validator chain.
func NewChain(cfg ChainConfig, counters *recon.Counters, alerts AlertSink, publish IntegrityPublisher, log zerolog.Logger) *Chain {
	cd := cfg.AlertCooldown
	if cd <= 0 {
		cd = defaultAlertCooldown
	}
	return &Chain{
		counters:   counters,
		alerts:     alerts,
		publish:    publish,
		log:        log.With().Str("component", "validate").Logger(),
		tickSize:   NewTickSizeValidator(cfg.TickSize),
		divergence: NewDivergenceValidator(cfg.DivergenceWindow, cfg.DivergenceBps),
		sequencer:  NewSequencer(),
		cooldown:   gocache.New(cd, 2*cd),
		cooldownD:  cd,
		now:        time.Now,
	}
}

// TickSize exposes the tick validator for runtime override updates.
func (c *Chain) TickSize() *TickSizeValidator { return c.tickSize }

// Process runs the chain over one event. It reports whether the event should
// proceed to the pipeline. Data-quality findings never reject the event;
// only structural failures and duplicates do.
func (c *Chain) Process(evt schema.MarketEvent) bool {
	if err := evt.Validate(); err != nil {
		c.counters.Rejected()
		c.log.Debug().Err(err).Str("provider", evt.Provider).Msg("event rejected")
		return false
	}

	result, seqFinding := c.sequencer.Observe(evt)
	if result == SeqDuplicate {
		c.counters.Duplicate()
		return false
	}
	if seqFinding != nil {
		c.raise(evt, *seqFinding)
	}

	if finding := c.tickSize.Check(evt); finding != nil {
		c.raise(evt, *finding)
	}
	if finding := c.divergence.Check(evt); finding != nil {
		c.raise(evt, *finding)
	}

	c.counters.Validated()
	return true
}

// raise materializes a finding as an integrity event plus a cooldown-gated
// alert.
func (c *Chain) raise(evt schema.MarketEvent, finding Finding) {
	if c.publish != nil {
		c.publish(schema.NewIntegrityEvent(evt.Provider, finding.Symbol, finding.Payload, c.now()))
	}

	key := finding.Symbol + ":" + string(finding.Kind)
	if err := c.cooldown.Add(key, struct{}{}, c.cooldownD); err != nil {
		return
	}
	if c.alerts != nil {
		// The chain cooldown is the rate limit for validator alerts; the
		// fingerprint carries the emission instant so the aggregator's longer
		// dedup window does not suppress the post-cooldown re-emission.
		now := c.now()
		c.alerts.Submit(alerting.Item{
			Category:    alerting.CategoryDataQuality,
			Severity:    alerting.SeverityWarning,
			Title:       string(finding.Kind) + " " + finding.Symbol,
			Message:     finding.Detail,
			Source:      "validator",
			Fingerprint: fmt.Sprintf("validate:%s:%d", key, now.UnixNano()),
			Timestamp:   now,
		})
	}
}
