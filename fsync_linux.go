//go:build linux

package nvwal

import "os"

// fsyncFile is a thin wrapper around os.File's Sync(), kept as its own
// function (rather than calling f.Sync() inline) so the darwin build can
// swap in F_FULLFSYNC, exactly as the teacher's fsync_linux.go/
// fsync_darwin.go split does.
func fsyncFile(f *os.File) error {
	return f.Sync()
}
