// Package manager owns the agent fleet: one runtime per non-king agent,
// inbound routing, fleet snapshots, and coordinated shutdown.
package manager

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kmoriya/shogun/internal/agent"
	"github.com/kmoriya/shogun/internal/history"
	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/provider"
	"github.com/kmoriya/shogun/internal/runtime"
	"github.com/kmoriya/shogun/internal/state"
	"github.com/kmoriya/shogun/internal/waits"
)

// ProviderFactory builds the provider instance for one role. The manager
// calls it once per role so all ashigaru share a provider configuration.
type ProviderFactory func(role agent.Role) (provider.Provider, error)

// Config assembles the fleet.
type Config struct {
	BaseDir          string
	HistoryDir       string
	WorkingDirectory string
	AshigaruCount    int
	AshigaruProfiles map[string]string

	ProviderName string
	Providers    ProviderFactory

	State  *state.Store
	Waits  *waits.Store
	Writer *mailbox.Writer

	// OnStatusChange fires after any runtime's observable state changed.
	OnStatusChange func()

	Tracer trace.Tracer
}

// Manager routes messages to runtimes and exposes the fleet.
type Manager struct {
	runtimes map[agent.ID]*runtime.Runtime
	order    []agent.ID
}

// New constructs runtimes for shogun, karou and the ashigaru fleet.
func New(cfg Config) (*Manager, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.AshigaruCount <= 0 {
		return nil, fmt.Errorf("ashigaru count must be positive")
	}

	ashigaru := agent.AshigaruIDs(cfg.AshigaruCount)
	m := &Manager{runtimes: make(map[agent.ID]*runtime.Runtime)}

	caps := runtime.Capabilities{
		AshigaruStatus: m.ashigaruStatus,
		Interrupt:      m.interrupt,
	}

	providers := make(map[agent.Role]provider.Provider)
	for _, role := range []agent.Role{agent.RoleShogun, agent.RoleKarou, agent.RoleAshigaru} {
		p, err := cfg.Providers(role)
		if err != nil {
			return nil, fmt.Errorf("building %s provider: %w", role, err)
		}
		providers[role] = p
	}

	ids := append([]agent.ID{agent.Shogun, agent.Karou}, ashigaru...)
	for _, id := range ids {
		rt, err := runtime.New(runtime.Config{
			AgentID:          id,
			BaseDir:          cfg.BaseDir,
			HistoryDir:       cfg.HistoryDir,
			WorkingDirectory: cfg.WorkingDirectory,
			AshigaruIDs:      ashigaru,
			AshigaruProfiles: cfg.AshigaruProfiles,
			ProviderName:     cfg.ProviderName,
			Provider:         providers[id.Role()],
			State:            cfg.State,
			Waits:            cfg.Waits,
			Writer:           cfg.Writer,
			Caps:             caps,
			OnStatusChange:   cfg.OnStatusChange,
			Tracer:           cfg.Tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("building runtime %s: %w", id, err)
		}
		m.runtimes[id] = rt
		m.order = append(m.order, id)
	}
	return m, nil
}

// Deliver routes an inbound message to its runtime and waits for the
// consuming turn to finish, so the caller's acknowledgment tracks actual
// processing. Messages for unknown agents are dropped with a warning.
func (m *Manager) Deliver(msg mailbox.Message) error {
	to, err := agent.Parse(msg.To)
	if err != nil {
		log.Warn(log.CatManager, "dropping message for unknown recipient",
			"to", msg.To, "messageId", msg.ID)
		return nil
	}
	rt, ok := m.runtimes[to]
	if !ok {
		log.Warn(log.CatManager, "dropping message for absent runtime",
			"to", msg.To, "messageId", msg.ID)
		return nil
	}
	return <-rt.Enqueue(msg)
}

// StopAll stops every runtime concurrently and returns once all are
// drained.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, rt := range m.runtimes {
		wg.Add(1)
		go func(rt *runtime.Runtime) {
			defer wg.Done()
			rt.Stop()
		}(rt)
	}
	wg.Wait()
}

// ResumePendingWaits replays durable wait records on every runtime.
func (m *Manager) ResumePendingWaits(hist *history.Store) {
	for _, id := range m.order {
		m.runtimes[id].ResumePendingWaits(hist)
	}
}

// Snapshots returns the fleet state in construction order.
func (m *Manager) Snapshots() []runtime.Snapshot {
	out := make([]runtime.Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runtimes[id].Snapshot())
	}
	return out
}

// ashigaruStatus derives live idle and busy lists for the karou's
// getAshigaruStatus tool.
func (m *Manager) ashigaruStatus() (idle, busy []string) {
	for _, id := range m.order {
		if _, ok := id.AshigaruIndex(); !ok {
			continue
		}
		snap := m.runtimes[id].Snapshot()
		if snap.Status == runtime.StatusBusy {
			busy = append(busy, string(id))
		} else {
			idle = append(idle, string(id))
		}
	}
	return idle, busy
}

// interrupt dispatches a tool-initiated interrupt to a runtime.
func (m *Manager) interrupt(to agent.ID, reason string) {
	rt, ok := m.runtimes[to]
	if !ok {
		log.Warn(log.CatManager, "interrupt for absent runtime", "to", to)
		return
	}
	if reason == runtime.ReasonStop {
		rt.Stop()
		return
	}
	rt.Interrupt(reason)
}
