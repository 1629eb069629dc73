//go:build darwin

package nvwal

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate extends f to sizeInBytes via the F_PREALLOCATE fcntl, falling
// back to a seek+truncate dance. Adapted from the teacher's
// preallocate_darwin.go, swapping raw syscall.Syscall(SYS_FCNTL, ...) for
// golang.org/x/sys/unix's typed FcntlFstore wrapper.
func preallocate(f *os.File, sizeInBytes int64) error {
	if sizeInBytes == 0 {
		return nil
	}
	if err := preallocateFixed(f, sizeInBytes); err != nil {
		return err
	}
	return preallocateTruncate(f, sizeInBytes)
}

func preallocateFixed(f *os.File, sizeInBytes int64) error {
	fstore := &unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  sizeInBytes,
	}
	err := unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, fstore)
	if err == nil || err == unix.ENOTSUP {
		return nil
	}
	if err == unix.EINVAL {
		var stat unix.Stat_t
		if serr := unix.Fstat(int(f.Fd()), &stat); serr == nil {
			var statfs unix.Statfs_t
			if ferr := unix.Fstatfs(int(f.Fd()), &statfs); ferr == nil {
				blockSize := int64(statfs.Bsize)
				if stat.Blocks*blockSize >= sizeInBytes {
					return nil
				}
			}
		}
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
