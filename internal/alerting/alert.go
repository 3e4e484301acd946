// Package alerting aggregates operational alerts: deduplication within a
// cooldown, batching within a window, and fan-out to emitters.
package alerting

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders alert importance.
type Severity string

const (
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
	// SeverityWarning needs attention eventually.
	SeverityWarning Severity = "warning"
	// SeverityError needs attention soon.
	SeverityError Severity = "error"
	// SeverityCritical needs attention now.
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity; unknown values rank as
// info.
func (s Severity) Rank() int { return severityRank[s] }

// Category groups alerts by subsystem concern.
type Category string

const (
	// CategoryDataQuality covers tick-size, divergence, and gap findings.
	CategoryDataQuality Category = "data-quality"
	// CategoryConnectivity covers heartbeat and disconnect findings.
	CategoryConnectivity Category = "connectivity"
	// CategoryDegradation covers provider degradation transitions.
	CategoryDegradation Category = "degradation"
	// CategoryPipeline covers queue pressure and store failures.
	CategoryPipeline Category = "pipeline"
	// CategoryMaintenance covers scheduled job outcomes.
	CategoryMaintenance Category = "maintenance"
	// CategorySystem covers fatal and startup conditions.
	CategorySystem Category = "system"
)

// Item is one submitted alert.
type Item struct {
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EffectiveFingerprint returns the dedup key: the explicit fingerprint when
// set, otherwise category:title:source.
func (i Item) EffectiveFingerprint() string {
	if fp := strings.TrimSpace(i.Fingerprint); fp != "" {
		return fp
	}
	return fmt.Sprintf("%s:%s:%s", i.Category, i.Title, i.Source)
}

// Batch is one flushed group of alerts sharing (category, severity).
type Batch struct {
	Category    Category       `json:"category"`
	Severity    Severity       `json:"severity"`
	Count       int            `json:"count"`
	PerSource   map[string]int `json:"perSource"`
	Items       []Item         `json:"items"`
	WindowStart time.Time      `json:"windowStart"`
	FlushedAt   time.Time      `json:"flushedAt"`
}
