package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	keepAlive        = 30 * time.Second
)

// Dialer opens outbound connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Outbounds holds the dialers flows are routed to.
type Outbounds struct {
	Proxy  Dialer
	Direct Dialer
}

// NewDirectDialer dials destinations from the host network.
func NewDirectDialer() Dialer {
	return &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
}

// NewProxyDialer returns a SOCKS5 dialer for spec. With the websocket
// transport the SOCKS5 session runs inside a websocket connection.
func NewProxyDialer(spec OutboundSpec) (Dialer, error) {
	var auth *proxy.Auth
	if spec.Username != "" {
		auth = &proxy.Auth{User: spec.Username, Password: spec.Password}
	}

	var forward proxy.Dialer = &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
	if spec.Transport == OutboundWebSocket {
		forward = newWSDialer(spec)
	}

	d, err := proxy.SOCKS5("tcp", spec.Endpoint(), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// wsDialer opens a websocket to the proxy server regardless of the
// address it is asked for.
type wsDialer struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

func newWSDialer(spec OutboundSpec) *wsDialer {
	scheme := "ws"
	if spec.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: spec.Endpoint(), Path: spec.Path}

	header := http.Header{}
	if spec.Host != "" {
		header.Set("Host", spec.Host)
	}

	d := &websocket.Dialer{
		NetDialContext:   (&net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}).DialContext,
		HandshakeTimeout: handshakeTimeout,
	}
	if spec.TLS {
		serverName := spec.ServerName
		if serverName == "" {
			serverName = spec.Host
		}
		if serverName == "" {
			serverName = spec.Address
		}
		d.TLSClientConfig = &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	}

	return &wsDialer{url: u.String(), header: header, dialer: d}
}

func (w *wsDialer) Dial(network, addr string) (net.Conn, error) {
	return w.DialContext(context.Background(), network, addr)
}

func (w *wsDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", w.url, err)
	}
	return newWSConn(conn), nil
}

// wsConn adapts a websocket to a byte stream. Each Write is one binary
// message; reads drain messages in order.
type wsConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			kind, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
