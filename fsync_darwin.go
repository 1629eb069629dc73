//go:build darwin

package nvwal

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsyncFile issues F_FULLFSYNC on Darwin: a plain fsync(2) there only
// flushes to the drive's write cache, not to the persistent media. Adapted
// from the teacher's fsync_darwin.go, using golang.org/x/sys/unix's Fcntl
// rather than a raw syscall.Syscall(SYS_FCNTL, ...) call.
func fsyncFile(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}
