package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Spec describes one provider instance to materialize: the adapter to build
// it from, an instance name, and the adapter-specific settings blob.
type Spec struct {
	Name     string
	Adapter  string
	Enabled  bool
	Settings map[string]any
}

// Manager owns provider clients materialized from configuration. It builds
// them through the registry, installs the shared event handler, and starts
// and stops them as a group.
type Manager struct {
	mu       sync.RWMutex
	registry *Registry
	log      zerolog.Logger
	clients  map[string]Client
}

// NewManager creates a provider manager backed by the registry.
func NewManager(reg *Registry, log zerolog.Logger) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{
		registry: reg,
		log:      log.With().Str("component", "provider-manager").Logger(),
		clients:  make(map[string]Client),
	}
}

// Registry exposes the underlying factory registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Start builds every enabled spec, installs the handler, and starts the
// clients. Disabled specs are skipped; a failing build aborts the whole
// startup so a misconfigured provider is caught at boot, not at subscribe.
func (m *Manager) Start(ctx context.Context, specs []Spec, handler Handler) error {
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			name = spec.Adapter
		}
		if !spec.Enabled {
			m.log.Info().Str("provider", name).Msg("provider disabled; skipping")
			continue
		}
		client, err := m.registry.Build(spec.Adapter, name, spec.Settings)
		if err != nil {
			return fmt.Errorf("build provider %q: %w", name, err)
		}
		client.SetHandler(handler)
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start provider %q: %w", name, err)
		}

		m.mu.Lock()
		m.clients[name] = client
		m.mu.Unlock()
		m.log.Info().Str("provider", name).Str("adapter", spec.Adapter).Msg("provider started")
	}
	return nil
}

// Client resolves a provider client by name.
func (m *Manager) Client(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Clients returns every managed client keyed by name.
func (m *Manager) Clients() map[string]Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Client, len(m.clients))
	for name, c := range m.clients {
		out[name] = c
	}
	return out
}

// Names lists managed provider names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close stops every client. Errors are logged, not returned; shutdown keeps
// going.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	clients := make(map[string]Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.clients = make(map[string]Client)
	m.mu.Unlock()

	for name, c := range clients {
		if err := c.Close(ctx); err != nil {
			m.log.Warn().Err(err).Str("provider", name).Msg("provider close failed")
		}
	}
}
