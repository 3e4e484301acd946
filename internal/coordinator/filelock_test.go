package coordinator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newPair(t *testing.T) (*FileLock, *FileLock) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewFileLock(FileLockConfig{Dir: dir, InstanceID: "inst-a", HeartbeatInterval: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := NewFileLock(FileLockConfig{Dir: dir, InstanceID: "inst-b", HeartbeatInterval: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	return a, b
}

func TestClaimIsExclusive(t *testing.T) {
	a, b := newPair(t)

	if !a.TryClaim("AAPL") {
		t.Fatal("first claim should succeed")
	}
	if !a.TryClaim("aapl ") {
		t.Fatal("re-claiming an owned symbol should succeed")
	}
	if b.TryClaim("AAPL") {
		t.Fatal("second instance must not claim an owned symbol")
	}

	owned := a.GetOwned()
	if len(owned) != 1 || owned[0] != "AAPL" {
		t.Fatalf("owned = %v", owned)
	}
}

func TestReleaseMakesClaimable(t *testing.T) {
	a, b := newPair(t)
	a.TryClaim("MSFT")
	a.Release("MSFT")
	if !b.TryClaim("MSFT") {
		t.Fatal("released symbol should be claimable")
	}
}

func TestStaleClaimTakeover(t *testing.T) {
	a, b := newPair(t)

	base := time.Now()
	a.now = func() time.Time { return base }
	a.TryClaim("NVDA")

	// Within TTL the claim holds.
	b.now = func() time.Time { return base.Add(2 * time.Second) }
	if b.TryClaim("NVDA") {
		t.Fatal("fresh claim must not be taken over")
	}

	// Past TTL (3x heartbeat interval) it is reclaimable.
	b.now = func() time.Time { return base.Add(5 * time.Second) }
	if !b.TryClaim("NVDA") {
		t.Fatal("stale claim should be taken over")
	}

	claims := b.GetAllClaims()
	if len(claims) != 1 || claims[0].InstanceID != "inst-b" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestReclaimStaleFreesSymbols(t *testing.T) {
	a, b := newPair(t)

	base := time.Now()
	a.now = func() time.Time { return base }
	a.TryClaim("TSLA")
	a.TryClaim("AMD")

	b.now = func() time.Time { return base.Add(10 * time.Second) }
	freed := b.ReclaimStale()
	if len(freed) != 2 {
		t.Fatalf("freed = %v", freed)
	}
	if claims := b.GetAllClaims(); len(claims) != 0 {
		t.Fatalf("claims remain: %+v", claims)
	}
}

func TestHeartbeatKeepsClaimFresh(t *testing.T) {
	a, b := newPair(t)

	base := time.Now()
	a.now = func() time.Time { return base }
	a.TryClaim("AAPL")

	a.now = func() time.Time { return base.Add(4 * time.Second) }
	a.RefreshHeartbeat()

	b.now = func() time.Time { return base.Add(5 * time.Second) }
	if b.TryClaim("AAPL") {
		t.Fatal("heartbeated claim must not be stale")
	}
}

func TestNoopClaimsEverything(t *testing.T) {
	n := NewNoop()
	if !n.TryClaim("ANY") {
		t.Fatal("noop must claim everything")
	}
	if n.GetOwned() != nil || n.GetAllClaims() != nil {
		t.Fatal("noop holds no state")
	}
}
