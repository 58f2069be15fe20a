package tunnel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/apivpn/apivpn-core/internal/model"
)

// MockDialer hands out in-memory connections served by Serve.
type MockDialer struct {
	mu    sync.Mutex
	calls []dialCall

	// Serve runs on the far end of every dialed connection.
	Serve func(conn net.Conn)
	Err   error
}

type dialCall struct {
	network string
	address string
}

func (d *MockDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{network, address})
	d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}
	if d.Serve == nil {
		return nil, errors.New("no server")
	}
	local, remote := net.Pipe()
	go d.Serve(remote)
	return local, nil
}

func (d *MockDialer) Calls() []dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialCall(nil), d.calls...)
}

// MockRecorder collects connection records.
type MockRecorder struct {
	mu      sync.Mutex
	records []model.ConnectionRecord
}

func (r *MockRecorder) Record(rec model.ConnectionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *MockRecorder) Records() []model.ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionRecord(nil), r.records...)
}

// MockCountries maps addresses to country codes.
type MockCountries map[string]string

func (m MockCountries) Country(ip netip.Addr) (string, bool) {
	c, ok := m[ip.String()]
	return c, ok
}
