package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

const (
	readChunkSize = 4096
	// maxFDsPerRead bounds the rights one read accepts; extra are truncated by the kernel.
	maxFDsPerRead = 4
)

var errMessageTooLarge = errors.New("message too large")

// lineReader reads NDJSON lines from a unix socket together with the
// descriptors sent alongside them.
type lineReader struct {
	conn *net.UnixConn
	buf  []byte
	oob  []byte
	fds  []int
}

func newLineReader(conn *net.UnixConn) *lineReader {
	return &lineReader{
		conn: conn,
		oob:  make([]byte, unix.CmsgSpace(maxFDsPerRead*4)),
	}
}

// ReadLine returns the next line and every descriptor received since the
// previous line. The caller owns the descriptors.
func (r *lineReader) ReadLine() ([]byte, []int, error) {
	chunk := make([]byte, readChunkSize)
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := make([]byte, i+1)
			copy(line, r.buf[:i+1])
			r.buf = r.buf[i+1:]
			fds := r.fds
			r.fds = nil
			return line, fds, nil
		}
		if len(r.buf) > maxMessageSize {
			return nil, nil, errMessageTooLarge
		}

		n, oobn, _, _, err := r.conn.ReadMsgUnix(chunk, r.oob)
		if oobn > 0 {
			fds, perr := parseRights(r.oob[:oobn])
			r.fds = append(r.fds, fds...)
			if perr != nil {
				return nil, nil, perr
			}
		}
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, nil, err
		}
		if n == 0 && oobn == 0 {
			return nil, nil, io.EOF
		}
	}
}

// Close closes descriptors that were received but never handed out.
func (r *lineReader) Close() {
	closeFDs(r.fds)
	r.fds = nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
