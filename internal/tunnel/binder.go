// Package tunnel binds a userspace network stack to a TUN descriptor owned by
// the host and routes each flow to the proxy or the host network.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apivpn/apivpn-core/internal/connlog"
	"github.com/apivpn/apivpn-core/internal/stats"
)

const (
	// DefaultMTU matches the MTU hosts usually configure on the interface.
	DefaultMTU = 1500
	// DefaultAttachTimeout bounds Attach when the context has no deadline.
	DefaultAttachTimeout = 20 * time.Second
)

// watchInterval is how often a running tunnel checks the host descriptor.
var watchInterval = 2 * time.Second

var (
	// ErrDescriptorNotFound means the descriptor is not an open handle.
	ErrDescriptorNotFound = errors.New("descriptor not found")
	// ErrDescriptorClosed reports that the host closed the interface descriptor.
	ErrDescriptorClosed = errors.New("interface descriptor closed")
)

// Params describes one tunnel.
type Params struct {
	// Descriptor is the host's TUN file descriptor. It is duplicated and
	// never closed by the tunnel.
	Descriptor int
	MTU        uint32
	Outbounds  Outbounds
	Router     *Router
	Counters   *stats.Counters
	Recorder   connlog.Recorder
	Domains    *DomainCache
}

// Transport is a running tunnel.
type Transport interface {
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Binder attaches tunnels to descriptors.
type Binder struct {
	timeout time.Duration
}

// NewBinder creates a Binder whose Attach gives up after timeout.
func NewBinder(timeout time.Duration) *Binder {
	if timeout <= 0 {
		timeout = DefaultAttachTimeout
	}
	return &Binder{timeout: timeout}
}

// Attach starts a tunnel on p.Descriptor. It fails with
// ErrDescriptorNotFound when the descriptor is not open.
func (b *Binder) Attach(ctx context.Context, p Params) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if p.Outbounds.Proxy == nil || p.Outbounds.Direct == nil {
		return nil, errors.New("both outbounds are required")
	}
	if p.MTU == 0 {
		p.MTU = DefaultMTU
	}

	fd, id, err := dupDescriptor(p.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorNotFound, err)
	}

	handler := NewHandler(HandlerConfig{
		Router:    p.Router,
		Outbounds: p.Outbounds,
		Counters:  p.Counters,
		Recorder:  p.Recorder,
		Domains:   p.Domains,
	})

	type result struct {
		ns  *netstack
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ns, err := startStack(fd, p.MTU, handler)
		ch <- result{ns, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			handler.Close()
			return nil, r.err
		}
		h := newHandle(p.Descriptor, id, r.ns, handler)
		slog.Info("Tunnel attached", "descriptor", p.Descriptor, "mtu", p.MTU)
		return h, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.ns != nil {
				r.ns.Close()
			}
			handler.Close()
		}()
		return nil, fmt.Errorf("attach tunnel: %w", ctx.Err())
	}
}

// Handle controls a running tunnel.
type Handle struct {
	descriptor int
	id         fileID
	stack      *netstack
	handler    *Handler

	once sync.Once
	done chan struct{}
	stop chan struct{}

	mu  sync.Mutex
	err error
}

var _ Transport = (*Handle)(nil)

func newHandle(descriptor int, id fileID, ns *netstack, handler *Handler) *Handle {
	h := &Handle{
		descriptor: descriptor,
		id:         id,
		stack:      ns,
		handler:    handler,
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
	go h.watch()
	return h
}

// watch ends the tunnel when the host closes its descriptor. The stack
// reads from a duplicate, so the host's descriptor number is compared
// against the file it referred to at attach time.
func (h *Handle) watch() {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !sameDescriptor(h.descriptor, h.id) {
				slog.Warn("Interface descriptor closed by host", "descriptor", h.descriptor)
				h.shutdown(ErrDescriptorClosed)
				return
			}
		}
	}
}

// Close stops the stack and every relayed flow. It never closes the host
// descriptor and is safe to call more than once.
func (h *Handle) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *Handle) shutdown(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = cause
		h.mu.Unlock()

		close(h.stop)
		h.stack.Close()
		h.handler.Close()
		close(h.done)
		slog.Info("Tunnel detached", "descriptor", h.descriptor)
	})
}

// Done is closed once the tunnel has stopped for any reason.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns why the tunnel stopped on its own, or nil after Close.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Active returns the number of open relayed connections.
func (h *Handle) Active() int {
	return h.handler.Active()
}
