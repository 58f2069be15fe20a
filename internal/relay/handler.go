package relay

import (
	"context"
	"log/slog"
	"net"

	"github.com/txthinking/socks5"

	"github.com/apivpn/apivpn-core/internal/netutil"
)

// handler serves CONNECT itself and leaves UDP ASSOCIATE to the library.
type handler struct {
	socks5.DefaultHandle
	relay *Relay
}

func (h *handler) TCPHandle(s *socks5.Server, c *net.TCPConn, r *socks5.Request) error {
	if r.Cmd != socks5.CmdConnect {
		return h.DefaultHandle.TCPHandle(s, c, r)
	}

	h.relay.total.Add(1)
	h.relay.active.Add(1)
	defer h.relay.active.Add(-1)

	target := r.Address()

	dialer, err := h.relay.dialer()
	if err != nil {
		writeFailure(c, socks5.RepServerFailure)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	remote, err := dialer.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		slog.Debug("Relay dial failed", "target", target, "error", err)
		writeFailure(c, socks5.RepHostUnreachable)
		return err
	}

	atyp, addr, port, err := socks5.ParseAddress(remote.LocalAddr().String())
	if err != nil {
		atyp, addr, port = socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, atyp, addr, port).WriteTo(c); err != nil {
		_ = remote.Close()
		return err
	}

	up, down := netutil.Pipe(c, remote)
	slog.Debug("Relay connection closed", "target", target, "sent", up, "recvd", down)
	return nil
}

func writeFailure(c net.Conn, rep byte) {
	reply := socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	_, _ = reply.WriteTo(c)
}
