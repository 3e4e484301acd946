package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/infra/persistence/jsonstate"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	staleTTLMultiplier       = 3
)

// FileLockConfig tunes the file-backed coordinator.
type FileLockConfig struct {
	// Dir holds one claim file per symbol.
	Dir string
	// InstanceID identifies this process; empty generates one.
	InstanceID string
	// HeartbeatInterval drives the stale TTL (3x); zero selects 30s.
	HeartbeatInterval time.Duration
}

// FileLock coordinates ownership through per-symbol claim files in a shared
// directory. Claims are taken by exclusive link creation and refreshed with
// atomic renames, so instances on a shared filesystem never see torn claims.
type FileLock struct {
	dir        string
	instanceID string
	ttl        time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	owned map[string]struct{}
}

// NewFileLock constructs the coordinator and ensures the claim directory
// exists.
func NewFileLock(cfg FileLockConfig, log zerolog.Logger) (*FileLock, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("coordinator: claim directory required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(cfg.InstanceID)
	if id == "" {
		id = uuid.NewString()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &FileLock{
		dir:        cfg.Dir,
		instanceID: id,
		ttl:        interval * staleTTLMultiplier,
		log:        log.With().Str("component", "coordinator").Str("instance", id).Logger(),
		now:        time.Now,
		owned:      make(map[string]struct{}),
	}, nil
}

// InstanceID returns this process's identity.
func (f *FileLock) InstanceID() string { return f.instanceID }

func (f *FileLock) claimPath(symbol string) string {
	return filepath.Join(f.dir, schema.NormalizeSymbol(symbol)+".claim.json")
}

// TryClaim implements Coordinator.
func (f *FileLock) TryClaim(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owned[symbol]; ok {
		return true
	}

	path := f.claimPath(symbol)
	if f.linkClaim(symbol, path) {
		f.owned[symbol] = struct{}{}
		return true
	}

	// Claim exists. Take it over only when it is ours from a previous run or
	// its heartbeat has gone stale.
	existing, err := f.readClaim(path)
	if err != nil {
		return false
	}
	stale := f.now().Sub(existing.HeartbeatAt) > f.ttl
	if existing.InstanceID != f.instanceID && !stale {
		return false
	}
	if err := f.writeClaim(symbol, path); err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("claim takeover failed")
		return false
	}
	if existing.InstanceID != f.instanceID {
		f.log.Info().Str("symbol", symbol).Str("previous", existing.InstanceID).Msg("reclaimed stale symbol")
	}
	f.owned[symbol] = struct{}{}
	return true
}

// linkClaim creates the claim by linking a temp file into place; link fails
// atomically when another instance holds the symbol.
func (f *FileLock) linkClaim(symbol, path string) bool {
	tmp, err := os.CreateTemp(f.dir, "claim-*")
	if err != nil {
		return false
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	data, err := json.Marshal(Claim{InstanceID: f.instanceID, Symbol: symbol, HeartbeatAt: f.now().UTC()})
	if err != nil {
		tmp.Close()
		return false
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false
	}
	if err := tmp.Close(); err != nil {
		return false
	}
	return os.Link(tmpPath, path) == nil
}

// writeClaim replaces the claim file via atomic rename; used for refresh and
// takeover.
func (f *FileLock) writeClaim(symbol, path string) error {
	return jsonstate.Save(path, Claim{InstanceID: f.instanceID, Symbol: symbol, HeartbeatAt: f.now().UTC()})
}

func (f *FileLock) readClaim(path string) (Claim, error) {
	var claim Claim
	err := jsonstate.Load(path, &claim)
	return claim, err
}

// Release implements Coordinator.
func (f *FileLock) Release(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owned[symbol]; !ok {
		return
	}
	delete(f.owned, symbol)
	if err := os.Remove(f.claimPath(symbol)); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("claim file removal failed")
	}
}

// RefreshHeartbeat implements Coordinator.
func (f *FileLock) RefreshHeartbeat() {
	f.mu.Lock()
	owned := make([]string, 0, len(f.owned))
	for symbol := range f.owned {
		owned = append(owned, symbol)
	}
	f.mu.Unlock()

	for _, symbol := range owned {
		if err := f.writeClaim(symbol, f.claimPath(symbol)); err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("heartbeat refresh failed")
		}
	}
}

// GetOwned implements Coordinator.
func (f *FileLock) GetOwned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.owned))
	for symbol := range f.owned {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// GetAllClaims implements Coordinator.
func (f *FileLock) GetAllClaims() []Claim {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.log.Warn().Err(err).Msg("claim directory scan failed")
		return nil
	}
	claims := make([]Claim, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".claim.json") {
			continue
		}
		claim, err := f.readClaim(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		claims = append(claims, claim)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Symbol < claims[j].Symbol })
	return claims
}

// ReclaimStale implements Coordinator.
func (f *FileLock) ReclaimStale() []string {
	now := f.now()
	var freed []string
	for _, claim := range f.GetAllClaims() {
		if claim.InstanceID == f.instanceID {
			continue
		}
		if now.Sub(claim.HeartbeatAt) <= f.ttl {
			continue
		}
		if err := os.Remove(f.claimPath(claim.Symbol)); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.log.Warn().Err(err).Str("symbol", claim.Symbol).Msg("stale claim removal failed")
			continue
		}
		freed = append(freed, claim.Symbol)
		f.log.Info().Str("symbol", claim.Symbol).Str("holder", claim.InstanceID).Msg("stale claim reclaimed")
	}
	return freed
}

// Run refreshes heartbeats and reclaims stale claims until the context ends.
// Launch on its own goroutine.
func (f *FileLock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = f.ttl / staleTTLMultiplier
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.RefreshHeartbeat()
			f.ReclaimStale()
		}
	}
}
