package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/apivpn/apivpn-core/internal/controlplane"
	"github.com/apivpn/apivpn-core/internal/model"
	"github.com/apivpn/apivpn-core/internal/tunnel"
)

const testServerConfig = `{"outbounds":[
  {"protocol":"socks","tag":"proxy","settings":{"servers":[{"address":"127.0.0.1","port":1080}]}},
  {"protocol":"freedom","tag":"direct"}],
  "routing":{"rules":[{"type":"field","outboundTag":"direct","ip":["geoip:private"]}]}}`

// MockAPI implements API for testing.
type MockAPI struct {
	mu sync.Mutex

	opts       controlplane.Options
	authErr    error
	servers    []model.Server
	serversErr error
	blockFetch bool
	fetching   chan struct{}
	config     string
	configErr  error

	appToken      string
	deviceID      string
	fetchCount    int
	closedIdle    int
	configFetches []int32
}

func NewMockAPI() *MockAPI {
	return &MockAPI{
		servers: []model.Server{
			{ID: 3, Name: "Frankfurt", Sort: 1},
			{ID: 1, Name: "Amsterdam", Sort: 2},
		},
		config:   testServerConfig,
		fetching: make(chan struct{}, 8),
	}
}

func (m *MockAPI) Authenticate(_ context.Context, appToken, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appToken = appToken
	m.deviceID = deviceID
	if m.authErr != nil {
		return "", m.authErr
	}
	return "session-token", nil
}

func (m *MockAPI) FetchServers(ctx context.Context, _ bool) ([]model.Server, error) {
	m.mu.Lock()
	m.fetchCount++
	block := m.blockFetch
	m.mu.Unlock()

	if block {
		m.fetching <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serversErr != nil {
		return nil, m.serversErr
	}
	return append([]model.Server(nil), m.servers...), nil
}

func (m *MockAPI) FetchServerConfig(_ context.Context, id int32) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configFetches = append(m.configFetches, id)
	if m.configErr != nil {
		return nil, m.configErr
	}
	return json.RawMessage(m.config), nil
}

func (m *MockAPI) CloseIdleConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedIdle++
}

func (m *MockAPI) SetBlockFetch(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockFetch = block
}

func (m *MockAPI) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCount
}

// factory returns a NewAPI func handing out m and recording options.
func (m *MockAPI) factory() func(controlplane.Options) (API, error) {
	return func(opts controlplane.Options) (API, error) {
		m.mu.Lock()
		m.opts = opts
		m.mu.Unlock()
		return m, nil
	}
}

// MockTransport implements tunnel.Transport for testing.
type MockTransport struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	err    error
	closed bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{done: make(chan struct{})}
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.once.Do(func() { close(t.done) })
	return nil
}

// Fail simulates the tunnel dying on its own.
func (t *MockTransport) Fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.once.Do(func() { close(t.done) })
}

func (t *MockTransport) Done() <-chan struct{} {
	return t.done
}

func (t *MockTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// MockAttacher implements Attacher for testing.
type MockAttacher struct {
	mu        sync.Mutex
	err       error
	block     bool
	entered   chan struct{}
	params    []tunnel.Params
	transport *MockTransport
}

func NewMockAttacher() *MockAttacher {
	return &MockAttacher{entered: make(chan struct{}, 8)}
}

func (a *MockAttacher) Attach(ctx context.Context, p tunnel.Params) (tunnel.Transport, error) {
	a.mu.Lock()
	a.params = append(a.params, p)
	block, err := a.block, a.err
	a.mu.Unlock()

	a.entered <- struct{}{}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	t := NewMockTransport()
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
	return t, nil
}

func (a *MockAttacher) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *MockAttacher) SetBlock(block bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block = block
}

func (a *MockAttacher) Transport() *MockTransport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

func (a *MockAttacher) Params() []tunnel.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tunnel.Params(nil), a.params...)
}

var errMockNetwork = errors.New("connection refused")
