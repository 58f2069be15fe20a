package tunnel

import (
	"fmt"
	"net/netip"

	"github.com/xjasonlyu/tun2socks/v2/core"
	"github.com/xjasonlyu/tun2socks/v2/core/adapter"
	"github.com/xjasonlyu/tun2socks/v2/core/device"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// netstack is a gVisor stack reading packets from a TUN descriptor.
type netstack struct {
	device device.Device
	stack  *stack.Stack
}

// transportHandler receives flows accepted by the stack.
type transportHandler struct {
	h *Handler
}

var _ adapter.TransportHandler = (*transportHandler)(nil)

func (t *transportHandler) HandleTCP(conn adapter.TCPConn) {
	dst, ok := destination(conn.ID())
	if !ok {
		_ = conn.Close()
		return
	}
	go t.h.HandleTCP(conn, dst)
}

func (t *transportHandler) HandleUDP(conn adapter.UDPConn) {
	dst, ok := destination(conn.ID())
	if !ok {
		_ = conn.Close()
		return
	}
	go t.h.HandleUDP(conn, dst)
}

// destination is the stack-local side of a flow, which is where the
// packets were addressed.
func destination(id *stack.TransportEndpointID) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(id.LocalAddress.String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), id.LocalPort), true
}

// startStack takes ownership of fd and serves flows through h.
func startStack(fd int, mtu uint32, h *Handler) (*netstack, error) {
	dev, err := openDevice(fd, mtu)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("open tun device: %w", err)
	}

	s, err := core.CreateStack(&core.Config{
		LinkEndpoint:     dev,
		TransportHandler: &transportHandler{h: h},
	})
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("create network stack: %w", err)
	}
	return &netstack{device: dev, stack: s}, nil
}

// Close stops the stack and releases the descriptor.
func (n *netstack) Close() {
	if n.stack != nil {
		n.stack.Close()
	}
	if n.device != nil {
		_ = n.device.Close()
	}
	if n.stack != nil {
		n.stack.Wait()
	}
}
