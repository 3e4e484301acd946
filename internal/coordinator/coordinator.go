// Package coordinator arbitrates symbol ownership between collector
// instances. The orchestrator filters desired symbols through TryClaim so a
// symbol is collected by exactly one instance. Deployments running a single
// instance use the no-op coordinator.
package coordinator

import "time"

// Claim records one instance's ownership of a symbol.
type Claim struct {
	InstanceID  string    `json:"instanceId"`
	Symbol      string    `json:"symbol"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// Coordinator is the ownership contract. Implementations must be safe for
// concurrent use.
type Coordinator interface {
	// TryClaim attempts to take ownership of the symbol. It reports whether
	// this instance now owns it; claiming an already-owned symbol succeeds.
	TryClaim(symbol string) bool
	// Release gives up ownership of the symbol.
	Release(symbol string)
	// RefreshHeartbeat re-stamps every owned claim. Call on a timer faster
	// than the stale TTL.
	RefreshHeartbeat()
	// GetOwned lists symbols owned by this instance.
	GetOwned() []string
	// GetAllClaims lists every claim visible to the backend, including other
	// instances'.
	GetAllClaims() []Claim
	// ReclaimStale removes claims whose heartbeat exceeds the TTL, making
	// their symbols claimable again. Returns the symbols freed.
	ReclaimStale() []string
}

// Noop is the single-instance coordinator: every claim succeeds and nothing
// is persisted.
type Noop struct{}

// NewNoop constructs the no-op coordinator.
func NewNoop() *Noop { return &Noop{} }

// TryClaim implements Coordinator.
func (*Noop) TryClaim(string) bool { return true }

// Release implements Coordinator.
func (*Noop) Release(string) {}

// RefreshHeartbeat implements Coordinator.
func (*Noop) RefreshHeartbeat() {}

// GetOwned implements Coordinator.
func (*Noop) GetOwned() []string { return nil }

// GetAllClaims implements Coordinator.
func (*Noop) GetAllClaims() []Claim { return nil }

// ReclaimStale implements Coordinator.
func (*Noop) ReclaimStale() []string { return nil }
