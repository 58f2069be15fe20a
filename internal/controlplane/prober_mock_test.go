package controlplane

import (
	"context"
	"sync"

	"github.com/apivpn/apivpn-core/internal/model"
)

// MockProber assigns fixed pings by server id.
type MockProber struct {
	mu     sync.Mutex
	pings  map[int32]uint32
	called int
}

func NewMockProber(pings map[int32]uint32) *MockProber {
	return &MockProber{pings: pings}
}

func (m *MockProber) Probe(_ context.Context, servers []model.Server) []model.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++

	out := make([]model.Server, len(servers))
	for i, s := range servers {
		s.Ping = nil
		if ms, ok := m.pings[s.ID]; ok {
			s = s.WithPing(ms)
		}
		out[i] = s
	}
	return out
}

func (m *MockProber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}
