package mobile

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apivpn/apivpn-core/internal/config"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/session"
)

// MockCore implements core for testing.
type MockCore struct {
	mu sync.Mutex

	initErr     error
	servers     []model.Server
	serversErr  error
	stats       model.GlobalStatistics
	logPath     string
	logErr      error
	startErr    error
	stopErr     error
	relayErr    error
	upstream    string
	upstreamErr error

	creds       config.Credentials
	pinged      bool
	startReqs   []session.StartRequest
	running     bool
	relayPort   uint16
	relayForAPI bool
	stopCalls   int
	closed      bool
}

func NewMockCore() *MockCore {
	return &MockCore{}
}

func (m *MockCore) Initialize(_ context.Context, creds config.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return m.initErr
}

func (m *MockCore) FetchServers(_ context.Context, measurePing bool) ([]model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinged = measurePing
	return m.servers, m.serversErr
}

func (m *MockCore) FetchGlobalStatistics() (model.GlobalStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *MockCore) FetchConnectionLogPath() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logPath, m.logErr
}

func (m *MockCore) Start(_ context.Context, req session.StartRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startReqs = append(m.startReqs, req)
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *MockCore) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	if m.stopErr != nil {
		return m.stopErr
	}
	m.running = false
	return nil
}

func (m *MockCore) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockCore) StartRelay() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relayErr != nil {
		return m.relayErr
	}
	m.relayPort = 10800
	return nil
}

func (m *MockCore) StopRelay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayPort = 0
}

func (m *MockCore) RelayPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayPort
}

func (m *MockCore) SetRelayUpstream(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upstreamErr != nil {
		return m.upstreamErr
	}
	m.upstream = addr
	return nil
}

func (m *MockCore) SetUseRelayForAPI(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayForAPI = enabled
	return nil
}

func (m *MockCore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.running = false
	m.relayPort = 0
}

func (m *MockCore) StartRequests() []session.StartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.StartRequest(nil), m.startReqs...)
}

// result is one callback invocation.
type result struct {
	value   string
	failed  bool
	kind    string
	code    int32
	message string
}

// MockCallback implements every callback interface and records each call.
type MockCallback struct {
	results chan result
}

func NewMockCallback() *MockCallback {
	return &MockCallback{results: make(chan result, 4)}
}

func (c *MockCallback) OnError(kind string, code int32, message string) {
	c.results <- result{failed: true, kind: kind, code: code, message: message}
}

func (c *MockCallback) OnDone() {
	c.results <- result{}
}

func (c *MockCallback) OnServers(serversJSON string) {
	c.results <- result{value: serversJSON}
}

func (c *MockCallback) OnStatistics(statsJSON string) {
	c.results <- result{value: statsJSON}
}

func (c *MockCallback) OnPath(path string) {
	c.results <- result{value: path}
}

// Wait returns the first invocation and fails if another one follows.
func (c *MockCallback) Wait(t *testing.T) result {
	t.Helper()
	var r result
	select {
	case r = <-c.results:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	select {
	case extra := <-c.results:
		t.Fatalf("callback invoked twice: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
	return r
}

// logRecorder records log redirections.
type logRecorder struct {
	mu     sync.Mutex
	files  []string
	closed int
}

func (l *logRecorder) setup(logFile string) (io.Closer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = append(l.files, logFile)
	return closer{l}, nil
}

func (l *logRecorder) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.files...)
}

func (l *logRecorder) Closed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type closer struct{ l *logRecorder }

func (c closer) Close() error {
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	c.l.closed++
	return nil
}
