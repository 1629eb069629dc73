//go:build linux

package nvwal

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate extends f to sizeInBytes using fallocate(2), falling back to a
// seek+truncate dance when the filesystem doesn't support it. Adapted from
// the teacher's preallocate_linux.go, swapping the raw syscall package for
// golang.org/x/sys/unix.
func preallocate(f *os.File, sizeInBytes int64) error {
	if sizeInBytes == 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, sizeInBytes)
	if err == nil {
		return nil
	}
	if err == unix.ENOTSUP || err == unix.EINTR || err == unix.EOPNOTSUPP {
		return preallocateTruncate(f, sizeInBytes)
	}
	return err
}

func preallocateTruncate(f *os.File, sizeInBytes int64) error {
	cur, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	size, err := f.Seek(sizeInBytes, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := f.Seek(cur, io.SeekStart); err != nil {
		return err
	}
	if size < sizeInBytes {
		return nil
	}
	return f.Truncate(sizeInBytes)
}
