package handler

import (
	"context"
	"sync"
	"time"

	"github.com/apivpn/apivpn-core/internal/apierr"
	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/session"
)

// MockEngine implements Engine for testing.
type MockEngine struct {
	mu sync.Mutex

	state         session.State
	lastErr       error
	connectedAt   time.Time
	onStateChange func(old, new session.State)

	initErr    error
	servers    []model.Server
	serversErr error
	stats      model.GlobalStatistics
	logPath    string
	logErr     error
	startErr   error
	stopErr    error
	relayErr   error
	relayPort  uint16

	creds     config.Credentials
	hasCreds  bool
	initCalls int
	startReqs []session.StartRequest
	pinged    bool
	stopCalls int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{state: session.StateUninitialized}
}

func (m *MockEngine) Initialize(_ context.Context, creds config.Credentials) error {
	m.mu.Lock()
	m.initCalls++
	err := m.initErr
	if err != nil {
		m.creds, m.hasCreds = config.Credentials{}, false
	} else {
		m.creds, m.hasCreds = creds, true
	}
	m.mu.Unlock()

	m.setState(session.StateInitializing, nil)
	if err != nil {
		m.setState(session.StateError, err)
		return err
	}
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(session.StateReady, nil)
	return nil
}

func (m *MockEngine) Credentials() (config.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, m.hasCreds
}

func (m *MockEngine) FetchServers(_ context.Context, measurePing bool) ([]model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinged = measurePing
	return m.servers, m.serversErr
}

func (m *MockEngine) FetchGlobalStatistics() (model.GlobalStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *MockEngine) FetchConnectionLogPath() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logPath, m.logErr
}

func (m *MockEngine) Start(_ context.Context, req session.StartRequest) error {
	m.mu.Lock()
	if m.state == session.StateError {
		m.mu.Unlock()
		return apierr.E(apierr.KindNotInitialized, "start", nil)
	}
	m.startReqs = append(m.startReqs, req)
	err := m.startErr
	m.mu.Unlock()

	m.setState(session.StateConnecting, nil)
	if err != nil {
		m.setState(session.StateError, err)
		return err
	}
	m.setState(session.StateConnected, nil)
	return nil
}

func (m *MockEngine) Stop() error {
	m.mu.Lock()
	m.stopCalls++
	err := m.stopErr
	state := m.state
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if state == session.StateConnected {
		m.setState(session.StateStopping, nil)
		m.setState(session.StateReady, nil)
	}
	return nil
}

func (m *MockEngine) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockEngine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *MockEngine) ConnectedSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != session.StateConnected {
		return time.Time{}
	}
	return m.connectedAt
}

func (m *MockEngine) OnStateChange(callback func(old, new session.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

func (m *MockEngine) StartRelay() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relayErr != nil {
		return m.relayErr
	}
	m.relayPort = 10800
	return nil
}

func (m *MockEngine) StopRelay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayPort = 0
}

func (m *MockEngine) RelayPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayPort
}

// setState changes state and fires the callback outside the lock.
func (m *MockEngine) setState(state session.State, err error) {
	m.mu.Lock()
	old := m.state
	m.state = state
	if err != nil {
		m.lastErr = err
	}
	callback := m.onStateChange
	m.mu.Unlock()

	if callback != nil {
		callback(old, state)
	}
}

// Die simulates the tunnel ending on its own.
func (m *MockEngine) Die(err error) {
	m.setState(session.StateError, err)
}

func (m *MockEngine) SetInitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

func (m *MockEngine) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

func (m *MockEngine) SetStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockEngine) StartRequests() []session.StartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.StartRequest(nil), m.startReqs...)
}

// fdRecorder records descriptors released by the handler.
type fdRecorder struct {
	mu     sync.Mutex
	closed []int
}

func (r *fdRecorder) Close(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, fd)
	return nil
}

func (r *fdRecorder) Closed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.closed...)
}
