// Package netutil holds connection plumbing shared by the relay and the tunnel.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// Pipe copies in both directions until both halves are done, then closes
// both connections. It returns the bytes copied from a to b and from b to a.
func Pipe(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		aToB = copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		bToA = copyHalf(a, b)
	}()

	wg.Wait()
	_ = a.Close()
	_ = b.Close()
	return aToB, bToA
}

// copyHalf copies src to dst and half-closes dst when src is drained.
func copyHalf(dst, src net.Conn) int64 {
	n, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok && err == nil {
		if cw.CloseWrite() == nil {
			return n
		}
	}
	// Unblock the opposite direction.
	_ = dst.SetReadDeadline(time.Now())
	return n
}

// IsClosed reports whether err only signals an ordinary shutdown.
func IsClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// CountingConn reports every successful read and write to callbacks.
type CountingConn struct {
	net.Conn
	OnRead  func(n int)
	OnWrite func(n int)
}

func (c *CountingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.OnRead != nil {
		c.OnRead(n)
	}
	return n, err
}

func (c *CountingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.OnWrite != nil {
		c.OnWrite(n)
	}
	return n, err
}

// CloseWrite forwards a half-close when the wrapped connection supports it.
func (c *CountingConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// IdleConn fails a read that waits longer than Timeout. Used for
// datagram flows, which have no end-of-stream.
type IdleConn struct {
	net.Conn
	Timeout time.Duration
}

func (c *IdleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
