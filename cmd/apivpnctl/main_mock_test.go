package main

import (
	"sync"

	"github.com/apivpn/apivpn-core/internal/keyring"
)

// MockTokenStore implements keyring.TokenStore in memory.
type MockTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{tokens: make(map[string]string)}
}

func (m *MockTokenStore) Save(apiServer, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[apiServer] = token
	return nil
}

func (m *MockTokenStore) Get(apiServer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[apiServer]
	if !ok {
		return "", keyring.ErrTokenNotFound
	}
	return token, nil
}

func (m *MockTokenStore) Delete(apiServer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, apiServer)
	return nil
}

// pipeCloser records whether the fake tun device was closed.
type pipeCloser struct {
	mu     sync.Mutex
	closed bool
	close  func() error
}

func (p *pipeCloser) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.close()
}

func (p *pipeCloser) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
