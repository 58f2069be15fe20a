// Package reconnect restarts a tunnel that died on its own.
//
// The engine never retries; a host that wants the tunnel back after a
// transient failure drives it through a Manager.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/session"
)

// Config holds reconnection configuration.
type Config struct {
	// MaxAttempts is the number of restarts tried after one failure.
	// Zero disables reconnection.
	MaxAttempts int
	Delay       time.Duration
}

// DefaultConfig returns default reconnection configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
	}
}

// StartFunc starts a tunnel for req.
type StartFunc func(ctx context.Context, req session.StartRequest) error

// Callbacks contains optional callbacks for reconnection events.
type Callbacks struct {
	// OnReconnecting is called when a reconnect attempt is about to start.
	OnReconnecting func(attempt int)
	// OnFailed is called once the last attempt failed or reconnecting was
	// aborted. The held descriptor is no longer needed.
	OnFailed func(err error)
}

// Manager handles automatic tunnel restarts.
// It is safe for concurrent use.
type Manager struct {
	mu                sync.Mutex
	attemptCount      int
	reconnectTimer    *time.Timer
	userInitiatedStop bool
	lastRequest       *session.StartRequest

	config    Config
	start     StartFunc
	callbacks Callbacks
}

// NewManager creates a manager that restarts tunnels through start.
func NewManager(cfg Config, start StartFunc) *Manager {
	return &Manager{
		config: cfg,
		start:  start,
	}
}

// SetCallbacks sets the event callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// OnConnected records req as the tunnel to restore and resets the attempt counter.
func (m *Manager) OnConnected(req session.StartRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attemptCount = 0
	m.userInitiatedStop = false
	m.lastRequest = &req
}

// SetUserStop marks the next disconnect as user-initiated and drops the
// stored request.
func (m *Manager) SetUserStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInitiatedStop = true
	m.lastRequest = nil
}

// ShouldReconnect reports whether the transition old -> new, caused by
// cause, is an unexpected tunnel failure worth restarting.
func (m *Manager) ShouldReconnect(old, new session.State, cause error) bool {
	if old != session.StateConnected || new != session.StateError {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userInitiatedStop {
		m.userInitiatedStop = false
		slog.Debug("Skipping reconnect: user-initiated stop")
		return false
	}

	if m.lastRequest == nil {
		slog.Debug("Skipping reconnect: no tunnel recorded")
		return false
	}

	if kind := apierr.KindOf(cause); !kind.Retryable() {
		slog.Debug("Skipping reconnect: failure is not retryable", "kind", kind)
		return false
	}

	if m.attemptCount >= m.config.MaxAttempts {
		slog.Warn("Max reconnect attempts reached",
			"server_id", m.lastRequest.ServerID,
			"attempts", m.attemptCount,
			"max", m.config.MaxAttempts)
		return false
	}

	return true
}

// StartReconnect schedules a restart after the configured delay.
func (m *Manager) StartReconnect() {
	m.mu.Lock()

	m.attemptCount++
	attempt := m.attemptCount
	var serverID int32
	if m.lastRequest != nil {
		serverID = m.lastRequest.ServerID
	}

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(m.config.Delay, m.performReconnect)
	m.mu.Unlock()

	slog.Info("Scheduling reconnect attempt",
		"server_id", serverID,
		"attempt", attempt,
		"max", m.config.MaxAttempts,
		"delay", m.config.Delay)
}

// Cancel stops any pending reconnection attempt. It reports whether one
// was pending.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reconnectTimer == nil {
		return false
	}
	pending := m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	if pending {
		slog.Debug("Cancelled pending reconnect")
	}
	return pending
}

// AttemptCount returns the current reconnection attempt count.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptCount
}

func (m *Manager) performReconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	req := m.lastRequest
	attempt := m.attemptCount
	userStopped := m.userInitiatedStop
	callbacks := m.callbacks
	m.mu.Unlock()

	if userStopped || req == nil {
		slog.Debug("Skipping reconnect: tunnel stopped during timer wait")
		return
	}

	slog.Info("Performing reconnect attempt", "server_id", req.ServerID, "attempt", attempt)
	if callbacks.OnReconnecting != nil {
		callbacks.OnReconnecting(attempt)
	}

	err := m.start(context.Background(), *req)
	if err == nil {
		m.OnConnected(*req)
		slog.Info("Reconnected", "server_id", req.ServerID, "attempt", attempt)
		return
	}

	slog.Error("Reconnect failed", "server_id", req.ServerID, "attempt", attempt, "error", err)

	m.mu.Lock()
	retry := !m.userInitiatedStop && m.lastRequest != nil &&
		apierr.KindOf(err).Retryable() && m.attemptCount < m.config.MaxAttempts
	m.mu.Unlock()

	if retry {
		m.StartReconnect()
		return
	}
	if callbacks.OnFailed != nil {
		callbacks.OnFailed(err)
	}
}
