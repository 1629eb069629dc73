package nvwal

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// formatVersion is persisted in the control block on creation and checked
// against the persisted value on every restart. Bump it whenever the on-disk
// layout changes incompatibly.
const formatVersion uint64 = 1

// Size/limit constants mirrored from the design's control constants.
const (
	// MaxPathLength bounds nv_root_/disk_root_, including suffix budget for
	// filenames nvwal derives from them (e.g. "nvwal_segment_XXXXXXXX").
	MaxPathLength = 256
	maxFolderPathLength = MaxPathLength - 32

	// MaxWorkers bounds writer_count.
	MaxWorkers = 64

	// MaxActiveSegments bounds nv_quota/segment_size.
	MaxActiveSegments = 1024

	// DefaultSegmentSize is used when Config.SegmentSize is zero.
	DefaultSegmentSize = 32 << 20

	// DefaultMDSPageSize is used when Config.MDSPageSize is zero.
	DefaultMDSPageSize = 1 << 20

	// EpochFrameCount is the number of ring slots per writer: one possibly
	// still-draining frame, two possibly-active frames, two guaranteed-free
	// frames. See writer.go.
	EpochFrameCount = 5

	// CursorEpochPrefetches is how many MDS entries a cursor buffers,
	// starting with the epoch it is currently serving.
	CursorEpochPrefetches = 2

	// MDSReadPrefetch is a batch size for reading consecutive MDS entries
	// from a disk page file. The MDS read path does not consult it:
	// mdsCore.readEpoch reads one page per requested entry.
	MDSReadPrefetch = 16

	// numMDSFiles is fixed at 1 per the design's Open Question: the
	// striping formula supports more, but only one file is exercised.
	numMDSFiles = 1
)

// InitMode controls how Init treats the contents of the NV folder, analogous
// to O_CREAT/O_TRUNC for open(2).
type InitMode int

const (
	// ModeRestart requires a restartable instance to already exist.
	ModeRestart InitMode = iota
	// ModeCreateIfNotExists restarts an existing instance if present,
	// otherwise creates a new one — but only if the NV folder is empty.
	ModeCreateIfNotExists
	// ModeCreateTruncate deletes everything in the NV and disk folders
	// first, then creates a fresh instance.
	ModeCreateTruncate
)

// Config configures one WAL instance. It is a plain Go value — there is no
// file-format parsing here; resolving a Config from a config file, flags, or
// environment is an external, interface-only collaborator's job (CLI
// wrappers are out of scope), the same way the teacher's OpenWAL takes
// already-resolved Go values rather than a config file path.
type Config struct {
	// Logger receives structured lifecycle and error logs. If nil, a no-op
	// logger is used.
	Logger *zap.Logger

	// NVRoot is the directory on NVRAM-backed storage holding the control
	// file, NV segments, and MDS page/buffer files.
	NVRoot string
	// DiskRoot is the directory on block storage holding fsynced segment
	// copies.
	DiskRoot string

	// ResumingEpoch, on restart, is the caller's last-known durable epoch.
	// If non-zero and it disagrees with the persisted durable epoch, Init
	// fails with a Restart error rather than silently picking one or the
	// other.
	ResumingEpoch Epoch

	// WriterCount is the number of writer contexts to provision, 1–64.
	WriterCount int

	// SegmentSize is the byte size of each NV/disk segment; must be a
	// multiple of 512. Zero selects DefaultSegmentSize.
	SegmentSize uint64
	// NVQuota is the total NV bytes available to the segment pool;
	// segment_count = NVQuota/SegmentSize rounded up, which must be
	// <= MaxActiveSegments.
	NVQuota uint64

	// WriterBufferSize is the per-writer ring buffer size in bytes.
	WriterBufferSize uint64

	// MDSPageSize is the metadata-store page size; must be a multiple of
	// 512. Zero selects DefaultMDSPageSize.
	MDSPageSize uint64

	// Registerer receives the instance's metrics. If nil, metrics are
	// created but not registered anywhere.
	Registerer prometheus.Registerer
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Config) segmentSize() uint64 {
	if c.SegmentSize == 0 {
		return DefaultSegmentSize
	}
	return c.SegmentSize
}

func (c *Config) mdsPageSize() uint64 {
	if c.MDSPageSize == 0 {
		return DefaultMDSPageSize
	}
	return c.MDSPageSize
}

func (c *Config) segmentCount() uint64 {
	return (c.NVQuota + c.segmentSize() - 1) / c.segmentSize()
}

// Validate checks the Configuration-kind invariants from the design's error
// taxonomy: bad paths, bad sizes, writer_count out of range, non-512-multiple
// sizes.
func (c *Config) Validate() error {
	const op = "nvwal.Config.Validate"
	if c.NVRoot == "" || c.DiskRoot == "" {
		return newError(ErrKindConfiguration, op, errBadPath)
	}
	if len(c.NVRoot) >= maxFolderPathLength || len(c.DiskRoot) >= maxFolderPathLength {
		return newError(ErrKindConfiguration, op, errPathTooLong)
	}
	if !filepath.IsAbs(c.NVRoot) || !filepath.IsAbs(c.DiskRoot) {
		return newError(ErrKindConfiguration, op, errBadPath)
	}
	if c.WriterCount < 1 || c.WriterCount > MaxWorkers {
		return newError(ErrKindConfiguration, op, errWriterCountRange)
	}
	segSize := c.segmentSize()
	if segSize%512 != 0 {
		return newError(ErrKindConfiguration, op, errNotSectorMultiple)
	}
	pageSize := c.mdsPageSize()
	if pageSize%512 != 0 {
		return newError(ErrKindConfiguration, op, errNotSectorMultiple)
	}
	if sizeofMDSEntry == 0 || pageSize%sizeofMDSEntry != 0 {
		return newError(ErrKindConfiguration, op, errPageSizeNotEntryMultiple)
	}
	if c.NVQuota == 0 || c.NVQuota < segSize {
		return newError(ErrKindConfiguration, op, errBadQuota)
	}
	if c.segmentCount() > MaxActiveSegments {
		return newError(ErrKindConfiguration, op, errTooManySegments)
	}
	if c.WriterBufferSize == 0 {
		return newError(ErrKindConfiguration, op, errBadBufferSize)
	}
	return nil
}
