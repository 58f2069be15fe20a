package tunnel

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"

	"github.com/xjasonlyu/tun2socks/v2/core/device"
	"github.com/xjasonlyu/tun2socks/v2/core/device/iobased"
	"golang.org/x/sys/unix"
)

// utunHeaderLen is the protocol family prefix utun puts before every packet.
const utunHeaderLen = 4

// utunDevice adapts a utun descriptor to a raw IP packet device.
type utunDevice struct {
	*iobased.Endpoint
	fd   int
	file *os.File
}

func openDevice(fd int, mtu uint32) (device.Device, error) {
	file := os.NewFile(uintptr(fd), "utun")
	ep, err := iobased.New(&utunReadWriter{file: file, buf: make([]byte, utunHeaderLen+int(mtu))}, mtu, 0)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &utunDevice{Endpoint: ep, fd: fd, file: file}, nil
}

func (d *utunDevice) Close() error { return d.file.Close() }
func (d *utunDevice) Name() string { return strconv.Itoa(d.fd) }
func (d *utunDevice) Type() string { return "utun" }

// utunReadWriter strips the family header on read and adds it on write.
// Reads happen on a single goroutine, so buf is not shared.
type utunReadWriter struct {
	file *os.File
	buf  []byte
}

func (rw *utunReadWriter) Read(p []byte) (int, error) {
	n, err := rw.file.Read(rw.buf)
	if err != nil {
		return 0, err
	}
	if n < utunHeaderLen {
		return 0, nil
	}
	return copy(p, rw.buf[utunHeaderLen:n]), nil
}

func (rw *utunReadWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, errors.New("empty packet")
	}
	family := uint32(unix.AF_INET)
	if p[0]>>4 == 6 {
		family = unix.AF_INET6
	}
	pkt := make([]byte, utunHeaderLen+len(p))
	binary.BigEndian.PutUint32(pkt, family)
	copy(pkt[utunHeaderLen:], p)
	if _, err := rw.file.Write(pkt); err != nil {
		return 0, err
	}
	return len(p), nil
}
