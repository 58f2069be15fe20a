package tunnel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// fileID identifies the open file behind a descriptor number.
type fileID struct {
	dev  uint64
	ino  uint64
	rdev uint64
}

// descriptorID returns the identity of the file fd refers to.
func descriptorID(fd int) (fileID, error) {
	if fd < 0 {
		return fileID{}, fmt.Errorf("descriptor %d is negative", fd)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fileID{}, fmt.Errorf("descriptor %d is not open: %w", fd, err)
	}
	return fileID{dev: uint64(st.Dev), ino: st.Ino, rdev: uint64(st.Rdev)}, nil
}

// sameDescriptor reports whether fd is still open on the file identified by id.
// A number the host closed and reused for another file does not match.
func sameDescriptor(fd int, id fileID) bool {
	got, err := descriptorID(fd)
	return err == nil && got == id
}

// dupDescriptor validates fd and returns a close-on-exec duplicate owned by
// the tunnel together with the identity of the host's file. The caller's
// descriptor is never closed.
func dupDescriptor(fd int) (int, fileID, error) {
	id, err := descriptorID(fd)
	if err != nil {
		return -1, fileID{}, err
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, fileID{}, fmt.Errorf("dup descriptor %d: %w", fd, err)
	}
	unix.CloseOnExec(dup)

	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return -1, fileID{}, fmt.Errorf("set descriptor %d non-blocking: %w", dup, err)
	}
	return dup, id, nil
}
