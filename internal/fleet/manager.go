package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinsim/egress/internal/metrics"
	"github.com/odinsim/egress/pkg/egress"
)

// Manager owns the fleet of per-client egress orchestrators: it gates
// admission through a ResourceGuard, registers new clients, and drives
// their dequeue loop on a shared tick.
type Manager struct {
	guard  *ResourceGuard
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*egress.ClientEgress

	maxPacketsPerTick int
}

// NewManager builds a fleet manager bound to the given guard.
func NewManager(guard *ResourceGuard, logger zerolog.Logger, maxPacketsPerTick int) *Manager {
	return &Manager{
		guard:             guard,
		logger:            logger,
		clients:           make(map[string]*egress.ClientEgress),
		maxPacketsPerTick: maxPacketsPerTick,
	}
}

// Admit checks the resource guard and, if accepted, registers a new
// ClientEgress under agentID. Returns the rejection reason on failure.
func (m *Manager) Admit(agentID string, client *egress.ClientEgress) (bool, string) {
	accept, reason := m.guard.ShouldAcceptConnection()
	if !accept {
		m.logger.Warn().Str("agent_id", agentID).Str("reason", reason).Msg("connection rejected")
		return false, reason
	}

	m.mu.Lock()
	m.clients[agentID] = client
	m.mu.Unlock()

	m.guard.NoteClientAdded()
	metrics.FleetActiveClients.Set(float64(m.guard.CurrentClients()))
	return true, "OK"
}

// Remove shuts down and unregisters a client. It reports
// ErrUnknownClient if agentID isn't currently registered.
func (m *Manager) Remove(agentID string) error {
	m.mu.Lock()
	client, ok := m.clients[agentID]
	if ok {
		delete(m.clients, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownClient
	}
	client.Shutdown()
	m.guard.NoteClientRemoved()
	metrics.FleetActiveClients.Set(float64(m.guard.CurrentClients()))
	return nil
}

// Get returns the client registered under agentID, if any.
func (m *Manager) Get(agentID string) (*egress.ClientEgress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[agentID]
	return c, ok
}

// Len returns the number of registered clients.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// snapshot copies the current client map under the read lock, so Tick
// doesn't hold the lock across each client's dequeue.
func (m *Manager) snapshot() map[string]*egress.ClientEgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*egress.ClientEgress, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

// Tick drains up to maxPacketsPerTick packets from every registered,
// connected client and reports each one's queue depth to metrics.
func (m *Manager) Tick() {
	for agentID, client := range m.snapshot() {
		if !client.Connected() {
			_ = m.Remove(agentID)
			continue
		}
		client.DequeueOutgoing(m.maxPacketsPerTick)
		metrics.QueueDepth.WithLabelValues(agentID).Set(float64(client.QueueDepth()))
		metrics.RTOMillis.WithLabelValues(agentID).Set(client.RTO())
		metrics.ClientRootRate.WithLabelValues(agentID).Set(client.RootRate())
		for cat, tokens := range client.CategoryTokens() {
			metrics.CategoryTokens.WithLabelValues(agentID, cat.String()).Set(tokens)
		}
	}
}

// Run ticks the fleet at the given period until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Shutdown shuts down and unregisters every client, for graceful
// daemon exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*egress.ClientEgress)
	m.mu.Unlock()

	for agentID, client := range clients {
		client.Shutdown()
		m.logger.Info().Str("agent_id", agentID).Msg("client shut down")
	}
}

// ErrUnknownClient is returned by operations addressing a client not
// present in the fleet.
var ErrUnknownClient = fmt.Errorf("fleet: unknown client")
