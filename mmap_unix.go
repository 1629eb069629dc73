//go:build linux || darwin

package nvwal

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// mapFile maps the whole of f (which must already be sized to size bytes)
// read-write and shared, returning the backing slice. The caller owns
// unmapping it via m.Unmap().
func mapFile(f *os.File, size int64) (mmap.MMap, error) {
	return mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
}

// mapFileReadOnly maps f read-only and shared, for cursors reading disk
// segments they never mutate.
func mapFileReadOnly(f *os.File, size int64) (mmap.MMap, error) {
	return mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
}

// flushToPersistence is the substitute for a cache-line writeback plus
// store-fence: Go exposes no clwb/sfence intrinsic, so msync(MS_SYNC) over
// the mapped byte range is used instead, the "flush-to-persistence"
// primitive the design allows in place of the architecture instruction.
//
// msync(2) rejects any address that isn't page-aligned, so the requested
// [offset, offset+length) range is rounded out to whole pages of mm before
// the syscall. mm's own base address is page-aligned because it came from
// mmap, so a page-aligned offset into it is page-aligned too.
func flushToPersistence(mm mmap.MMap, offset, length int) error {
	if length == 0 {
		return nil
	}
	pageSize := os.Getpagesize()
	start := (offset / pageSize) * pageSize
	end := offset + length
	if rem := end % pageSize; rem != 0 {
		end += pageSize - rem
	}
	if end > len(mm) {
		end = len(mm)
	}
	return unix.Msync(mm[start:end], unix.MS_SYNC)
}

// lockFileNonBlocking locks f via flock(2) in non-blocking mode so a second
// process pointed at the same NV folder fails fast instead of corrupting
// state, generalizing the teacher's lock_unix.go to the ecosystem's
// golang.org/x/sys/unix rather than the raw syscall package.
func lockFileNonBlocking(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errAlreadyLocked
	}
	return err
}
