//go:build !windows

package main

import (
	"errors"
	"io"

	"github.com/songgao/water"
)

// openTUN creates the named TUN device. The returned descriptor belongs to
// the returned closer.
func openTUN(name string) (io.Closer, int, error) {
	conf := water.Config{DeviceType: water.TUN}
	conf.Name = name
	ifce, err := water.New(conf)
	if err != nil {
		return nil, -1, err
	}

	f, ok := ifce.ReadWriteCloser.(interface{ Fd() uintptr })
	if !ok {
		_ = ifce.Close()
		return nil, -1, errors.New("tun device has no descriptor")
	}
	return ifce, int(f.Fd()), nil // #nosec G115 -- descriptors fit in int
}
