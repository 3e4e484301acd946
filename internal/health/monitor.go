// Package health tracks per-connection liveness and latency for provider
// channels, and estimates per-provider clock skew. State transitions surface
// on typed channels so subscribers stay decoupled from callback reentrancy.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PingSender probes an idle connection. Implementations are called off the
// sweep goroutine and must respect the context deadline.
type PingSender func(ctx context.Context, connectionID string) error

// MonitorConfig tunes the heartbeat sweep.
type MonitorConfig struct {
	// HeartbeatInterval is the sweep period; zero selects 30s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the idle span counted as a missed heartbeat; zero selects 60s.
	HeartbeatTimeout time.Duration
	// MaxMissedHeartbeats marks the connection disconnected when reached; zero selects 3.
	MaxMissedHeartbeats int
	// PingSender, when set, probes connections idle for half the interval.
	PingSender PingSender
}

func (c MonitorConfig) normalize() MonitorConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	return c
}

type connection struct {
	mu               sync.Mutex
	id               string
	provider         string
	connected        bool
	lastActivity     time.Time
	missedHeartbeats int
	reconnectCount   uint64
	totalData        uint64
	uptimeStart      time.Time
	reconnectTimes   []time.Time
	latency          latencyTracker
}

// ConnectionStatus is a point-in-time copy of one connection's state.
type ConnectionStatus struct {
	ID                 string       `json:"id"`
	Provider           string       `json:"provider"`
	Connected          bool         `json:"connected"`
	LastHeartbeatAt    time.Time    `json:"lastHeartbeatAt"`
	MissedHeartbeats   int          `json:"missedHeartbeats"`
	ReconnectCount     uint64       `json:"reconnectCount"`
	TotalData          uint64       `json:"totalData"`
	UptimeStart        time.Time    `json:"uptimeStart"`
	ReconnectsLastHour int          `json:"reconnectsLastHour"`
	Latency            LatencyStats `json:"latency"`
}

// Monitor owns connection health state. Mutators take the per-connection
// lock; the registry map has its own lock so callbacks on distinct
// connections never contend.
type Monitor struct {
	cfg MonitorConfig
	log zerolog.Logger
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*connection

	connectedCh    chan ConnectedEvent
	disconnectedCh chan DisconnectedEvent
	missedCh       chan HeartbeatMissedEvent

	missedCounter   metric.Int64Counter
	connectionGauge metric.Int64UpDownCounter
}

// NewMonitor constructs a connection health monitor.
func NewMonitor(cfg MonitorConfig, log zerolog.Logger) *Monitor {
	m := &Monitor{
		cfg:            cfg.normalize(),
		log:            log.With().Str("component", "health").Logger(),
		now:            time.Now,
		conns:          make(map[string]*connection),
		connectedCh:    make(chan ConnectedEvent, 64),
		disconnectedCh: make(chan DisconnectedEvent, 64),
		missedCh:       make(chan HeartbeatMissedEvent, 64),
	}

	meter := otel.Meter("health")
	m.missedCounter, _ = meter.Int64Counter("health.heartbeats.missed",
		metric.WithDescription("Heartbeat sweeps that found a connection idle past timeout"),
		metric.WithUnit("{heartbeat}"))
	m.connectionGauge, _ = meter.Int64UpDownCounter("health.connections",
		metric.WithDescription("Tracked provider connections"),
		metric.WithUnit("{connection}"))

	return m
}

// Connected exposes connect transitions.
func (m *Monitor) Connected() <-chan ConnectedEvent { return m.connectedCh }

// Disconnected exposes disconnect transitions.
func (m *Monitor) Disconnected() <-chan DisconnectedEvent { return m.disconnectedCh }

// HeartbeatMissed exposes missed-heartbeat findings.
func (m *Monitor) HeartbeatMissed() <-chan HeartbeatMissedEvent { return m.missedCh }

// Track registers a connection. Tracking an existing id is a no-op.
func (m *Monitor) Track(connectionID, provider string) {
	m.mu.Lock()
	if _, ok := m.conns[connectionID]; ok {
		m.mu.Unlock()
		return
	}
	m.conns[connectionID] = &connection{
		id:           connectionID,
		provider:     provider,
		lastActivity: m.now(),
	}
	m.mu.Unlock()
	if m.connectionGauge != nil {
		m.connectionGauge.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("provider", provider)))
	}
}

// Untrack forgets a connection.
func (m *Monitor) Untrack(connectionID string) {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}
	m.mu.Unlock()
	if ok && m.connectionGauge != nil {
		m.connectionGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("provider", conn.provider)))
	}
}

func (m *Monitor) lookup(connectionID string) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connectionID]
}

// RecordActivity notes data arrival, which doubles as a heartbeat.
func (m *Monitor) RecordActivity(connectionID string, at time.Time) {
	conn := m.lookup(connectionID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	if at.After(conn.lastActivity) {
		conn.lastActivity = at
	}
	conn.missedHeartbeats = 0
	conn.totalData++
	conn.mu.Unlock()
}

// RecordLatency adds a round-trip latency sample.
func (m *Monitor) RecordLatency(connectionID string, sample time.Duration) {
	conn := m.lookup(connectionID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.latency.observe(sample)
	conn.mu.Unlock()
}

// MarkConnected records a connect transition; repeats after a disconnect
// count as reconnects.
func (m *Monitor) MarkConnected(connectionID string) {
	conn := m.lookup(connectionID)
	if conn == nil {
		return
	}
	now := m.now()
	conn.mu.Lock()
	wasConnected := conn.connected
	reconnect := !wasConnected && !conn.uptimeStart.IsZero()
	conn.connected = true
	conn.missedHeartbeats = 0
	conn.lastActivity = now
	if conn.uptimeStart.IsZero() || reconnect {
		conn.uptimeStart = now
	}
	if reconnect {
		conn.reconnectCount++
		conn.reconnectTimes = append(conn.reconnectTimes, now)
		conn.pruneReconnects(now)
	}
	provider := conn.provider
	conn.mu.Unlock()

	if wasConnected {
		return
	}
	m.emitConnected(ConnectedEvent{ConnectionID: connectionID, Provider: provider, Reconnect: reconnect, At: now})
}

// MarkDisconnected records an explicit disconnect with a reason.
func (m *Monitor) MarkDisconnected(connectionID, reason string) {
	conn := m.lookup(connectionID)
	if conn == nil {
		return
	}
	now := m.now()
	conn.mu.Lock()
	wasConnected := conn.connected
	conn.connected = false
	provider := conn.provider
	conn.mu.Unlock()

	if !wasConnected {
		return
	}
	m.emitDisconnected(DisconnectedEvent{ConnectionID: connectionID, Provider: provider, Reason: reason, At: now})
}

func (c *connection) pruneReconnects(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := c.reconnectTimes[:0]
	for _, t := range c.reconnectTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	c.reconnectTimes = keep
}

// Status returns the state of one connection.
func (m *Monitor) Status(connectionID string) (ConnectionStatus, bool) {
	conn := m.lookup(connectionID)
	if conn == nil {
		return ConnectionStatus{}, false
	}
	return m.statusOf(conn), true
}

// Snapshot returns the state of every tracked connection.
func (m *Monitor) Snapshot() []ConnectionStatus {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, m.statusOf(c))
	}
	return out
}

func (m *Monitor) statusOf(conn *connection) ConnectionStatus {
	now := m.now()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.pruneReconnects(now)
	return ConnectionStatus{
		ID:                 conn.id,
		Provider:           conn.provider,
		Connected:          conn.connected,
		LastHeartbeatAt:    conn.lastActivity,
		MissedHeartbeats:   conn.missedHeartbeats,
		ReconnectCount:     conn.reconnectCount,
		TotalData:          conn.totalData,
		UptimeStart:        conn.uptimeStart,
		ReconnectsLastHour: len(conn.reconnectTimes),
		Latency:            conn.latency.stats(),
	}
}

// Run sweeps connections until the context ends. Launch on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.now()
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.sweepOne(ctx, conn, now)
	}
}

func (m *Monitor) sweepOne(ctx context.Context, conn *connection, now time.Time) {
	conn.mu.Lock()
	idle := now.Sub(conn.lastActivity)
	var missedEvt *HeartbeatMissedEvent
	var discEvt *DisconnectedEvent
	needsPing := false

	if idle > m.cfg.HeartbeatTimeout {
		conn.missedHeartbeats++
		missedEvt = &HeartbeatMissedEvent{
			ConnectionID: conn.id,
			Provider:     conn.provider,
			Missed:       conn.missedHeartbeats,
			IdleFor:      idle,
			At:           now,
		}
		if conn.connected && conn.missedHeartbeats >= m.cfg.MaxMissedHeartbeats {
			conn.connected = false
			discEvt = &DisconnectedEvent{
				ConnectionID: conn.id,
				Provider:     conn.provider,
				Reason:       "heartbeat timeout",
				At:           now,
			}
		}
	} else if conn.connected && idle >= m.cfg.HeartbeatInterval/2 {
		needsPing = true
	}
	provider := conn.provider
	id := conn.id
	conn.mu.Unlock()

	if missedEvt != nil {
		if m.missedCounter != nil {
			m.missedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
		}
		m.log.Warn().
			Str("connection", id).
			Str("provider", provider).
			Int("missed", missedEvt.Missed).
			Dur("idle", missedEvt.IdleFor).
			Msg("heartbeat missed")
		m.emitMissed(*missedEvt)
	}
	if discEvt != nil {
		m.log.Error().
			Str("connection", id).
			Str("provider", provider).
			Msg("connection marked disconnected after missed heartbeats")
		m.emitDisconnected(*discEvt)
	}
	if needsPing && m.cfg.PingSender != nil {
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.cfg.PingSender(pingCtx, id); err != nil {
				m.log.Debug().Err(err).Str("connection", id).Msg("ping probe failed")
			}
		}()
	}
}

func (m *Monitor) emitConnected(evt ConnectedEvent) {
	select {
	case m.connectedCh <- evt:
	default:
		m.log.Debug().Str("connection", evt.ConnectionID).Msg("connected channel full; event dropped")
	}
}

func (m *Monitor) emitDisconnected(evt DisconnectedEvent) {
	select {
	case m.disconnectedCh <- evt:
	default:
		m.log.Debug().Str("connection", evt.ConnectionID).Msg("disconnected channel full; event dropped")
	}
}

func (m *Monitor) emitMissed(evt HeartbeatMissedEvent) {
	select {
	case m.missedCh <- evt:
	default:
		m.log.Debug().Str("connection", evt.ConnectionID).Msg("missed-heartbeat channel full; event dropped")
	}
}
