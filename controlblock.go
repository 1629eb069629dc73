package nvwal

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// The control file (CF) is a small, 512-byte-aligned, NV-mapped file holding
// the only state that must survive a crash: the flusher's and fsyncer's
// durability progress, plus the configuration the instance was created with.
// Its layout mirrors struct NvwalControlBlock: two independent 64-byte cache
// lines (one per owning agent) followed by a serialized config section,
// padded out to a multiple of 512 bytes.
const (
	cfFlusherProgressOffset = 0
	cfFlusherProgressSize   = 64

	cfFsyncerProgressOffset = cfFlusherProgressOffset + cfFlusherProgressSize
	cfFsyncerProgressSize   = 64

	cfConfigOffset = cfFsyncerProgressOffset + cfFsyncerProgressSize
	// durableEpoch(8) + pagedMDSEpoch(8) + checksum(4), rest is padding to
	// keep the line at exactly 64 bytes and its own cacheline.
	cfConfigVersionLen = 8
	cfConfigFixedLen   = 8 + 4 + 8 + 8 + 8 + 8 + 2 + 2 // version, writerCount, segSize, quota, bufSize, pageSize, nvLen, diskLen
	cfConfigSize       = cfConfigFixedLen + 2*MaxPathLength + 4

	cfUnroundedSize = cfConfigOffset + cfConfigSize
)

// controlFileSize rounds cfUnroundedSize up to the next multiple of 512, per
// the design's "size = next multiple of 512 >= sizeof(fields)".
func controlFileSize() int64 {
	const sector = 512
	n := cfUnroundedSize
	if rem := n % sector; rem != 0 {
		n += sector - rem
	}
	return int64(n)
}

// controlBlock is the in-memory handle to the mmap'd control file.
type controlBlock struct {
	file *os.File
	mm   mmap.MMap

	mu sync.Mutex // serializes writes to either cache line

	logger *zap.Logger
}

// progressSnapshot is what loadSnapshot returns: the durability state as of
// the last successful persist, torn-write-checked.
type progressSnapshot struct {
	DurableEpoch    Epoch
	PagedMDSEpoch   Epoch
	LastSyncedDSID  DSID
	PersistedConfig Config
	Version         uint64
}

func controlFilePath(nvRoot string) string {
	return filepath.Join(nvRoot, "nvwal.cf")
}

// createControlFile creates a fresh control file, truncated and zeroed, then
// writes the immutable config section and an initial (all-zero) progress
// snapshot.
func createControlFile(nvRoot string, cfg Config, logger *zap.Logger) (*controlBlock, error) {
	const op = "nvwal.createControlFile"
	path := controlFilePath(nvRoot)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, newError(ErrKindIO, op, err)
	}
	if err := lockFileNonBlocking(f); err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	size := controlFileSize()
	if err := preallocate(f, size); err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	mm, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	cb := &controlBlock{file: f, mm: mm, logger: logger}
	encodeConfigSection(cb.mm, formatVersion, cfg)
	cb.writeFlusherProgressLocked(InvalidEpoch, InvalidEpoch)
	cb.writeFsyncerProgressLocked(InvalidDSID)
	if err := flushToPersistence(cb.mm, 0, len(cb.mm)); err != nil {
		cb.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	if err := fsyncFile(f); err != nil {
		cb.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	return cb, nil
}

// openControlFile opens and maps an existing control file for restart,
// validating the format version and computed size.
func openControlFile(nvRoot string, logger *zap.Logger) (*controlBlock, error) {
	const op = "nvwal.openControlFile"
	path := controlFilePath(nvRoot)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrKindRestart, op, errNoRestartableInstance)
		}
		return nil, newError(ErrKindIO, op, err)
	}
	if err := lockFileNonBlocking(f); err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	want := controlFileSize()
	if fi.Size() != want {
		f.Close()
		return nil, newError(ErrKindRestart, op, errNoRestartableInstance)
	}
	mm, err := mapFile(f, want)
	if err != nil {
		f.Close()
		return nil, newError(ErrKindIO, op, err)
	}
	cb := &controlBlock{file: f, mm: mm, logger: logger}
	version, _, ok := decodeConfigSection(cb.mm)
	if !ok {
		cb.Close()
		return nil, newError(ErrKindRestart, op, errControlFileCorrupted)
	}
	if version != formatVersion {
		cb.Close()
		return nil, newError(ErrKindRestart, op, errVersionMismatch)
	}
	return cb, nil
}

func (cb *controlBlock) Close() error {
	var firstErr error
	if cb.mm != nil {
		if err := cb.mm.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cb.file != nil {
		if err := cb.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadSnapshot reads the full persisted state: both progress cache lines and
// the immutable config section, used once at restart.
func (cb *controlBlock) loadSnapshot() (progressSnapshot, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	de, pme, ok := cb.readFlusherProgressLocked()
	if !ok {
		return progressSnapshot{}, newError(ErrKindRestart, "nvwal.loadSnapshot", errControlFileCorrupted)
	}
	dsid, ok := cb.readFsyncerProgressLocked()
	if !ok {
		return progressSnapshot{}, newError(ErrKindRestart, "nvwal.loadSnapshot", errControlFileCorrupted)
	}
	version, cfg, ok := decodeConfigSection(cb.mm)
	if !ok {
		return progressSnapshot{}, newError(ErrKindRestart, "nvwal.loadSnapshot", errControlFileCorrupted)
	}
	return progressSnapshot{
		DurableEpoch:    de,
		PagedMDSEpoch:   pme,
		LastSyncedDSID:  dsid,
		PersistedConfig: cfg,
		Version:         version,
	}, nil
}

// persistDurableEpoch durably advances the flusher's DE. It touches exactly
// the flusher-progress cache line: field bytes are written, then the
// persistent-store fence (flushToPersistence) runs, then the line is
// fsynced. After this call returns, a crash will recover exactly this DE —
// never a partially-written one, because the checksum trailer lets
// loadSnapshot detect and reject a torn line.
func (cb *controlBlock) persistDurableEpoch(de Epoch) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	_, pme, ok := cb.readFlusherProgressLocked()
	if !ok {
		pme = InvalidEpoch
	}
	cb.writeFlusherProgressLocked(de, pme)
	return cb.syncLine(cfFlusherProgressOffset, cfFlusherProgressSize)
}

// persistPagedMDSEpoch durably advances the paged-MDS-epoch watermark.
// Called by the flusher (via the MDS core) before it recycles an MDS NV
// buffer, so the line it shares with durable_epoch_ is always rewritten as
// a whole, matching the design's "each touches exactly one cache line".
func (cb *controlBlock) persistPagedMDSEpoch(pme Epoch) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	de, _, ok := cb.readFlusherProgressLocked()
	if !ok {
		de = InvalidEpoch
	}
	cb.writeFlusherProgressLocked(de, pme)
	return cb.syncLine(cfFlusherProgressOffset, cfFlusherProgressSize)
}

// persistLastSyncedDSID durably advances the fsyncer's watermark. Only the
// fsyncer goroutine ever calls this, so no cross-agent coordination beyond
// the mutex (shared only to make reads from loadSnapshot/tests race-free) is
// required.
func (cb *controlBlock) persistLastSyncedDSID(dsid DSID) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.writeFsyncerProgressLocked(dsid)
	return cb.syncLine(cfFsyncerProgressOffset, cfFsyncerProgressSize)
}

func (cb *controlBlock) syncLine(offset, size int) error {
	if err := flushToPersistence(cb.mm, offset, size); err != nil {
		return newError(ErrKindIO, "nvwal.controlBlock.syncLine", err)
	}
	if err := fsyncFile(cb.file); err != nil {
		return newError(ErrKindIO, "nvwal.controlBlock.syncLine", err)
	}
	return nil
}

func (cb *controlBlock) writeFlusherProgressLocked(de, pme Epoch) {
	b := cb.mm[cfFlusherProgressOffset : cfFlusherProgressOffset+cfFlusherProgressSize]
	binary.LittleEndian.PutUint64(b[0:8], uint64(de))
	binary.LittleEndian.PutUint64(b[8:16], uint64(pme))
	sum := crc32.Checksum(b[0:16], crcTable)
	binary.LittleEndian.PutUint32(b[16:20], sum)
}

func (cb *controlBlock) readFlusherProgressLocked() (de, pme Epoch, ok bool) {
	b := cb.mm[cfFlusherProgressOffset : cfFlusherProgressOffset+cfFlusherProgressSize]
	sum := binary.LittleEndian.Uint32(b[16:20])
	if crc32.Checksum(b[0:16], crcTable) != sum {
		return 0, 0, false
	}
	de = Epoch(binary.LittleEndian.Uint64(b[0:8]))
	pme = Epoch(binary.LittleEndian.Uint64(b[8:16]))
	return de, pme, true
}

func (cb *controlBlock) writeFsyncerProgressLocked(dsid DSID) {
	b := cb.mm[cfFsyncerProgressOffset : cfFsyncerProgressOffset+cfFsyncerProgressSize]
	binary.LittleEndian.PutUint64(b[0:8], uint64(dsid))
	sum := crc32.Checksum(b[0:8], crcTable)
	binary.LittleEndian.PutUint32(b[8:12], sum)
}

func (cb *controlBlock) readFsyncerProgressLocked() (DSID, bool) {
	b := cb.mm[cfFsyncerProgressOffset : cfFsyncerProgressOffset+cfFsyncerProgressSize]
	sum := binary.LittleEndian.Uint32(b[8:12])
	if crc32.Checksum(b[0:8], crcTable) != sum {
		return 0, false
	}
	return DSID(binary.LittleEndian.Uint64(b[0:8])), true
}

// encodeConfigSection serializes the immutable config snapshot once, at
// creation time. It is never rewritten afterward.
func encodeConfigSection(mm mmap.MMap, version uint64, cfg Config) {
	b := mm[cfConfigOffset : cfConfigOffset+cfConfigSize]
	off := 0
	binary.LittleEndian.PutUint64(b[off:off+8], version)
	off += 8
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(cfg.WriterCount))
	off += 4
	binary.LittleEndian.PutUint64(b[off:off+8], cfg.segmentSize())
	off += 8
	binary.LittleEndian.PutUint64(b[off:off+8], cfg.NVQuota)
	off += 8
	binary.LittleEndian.PutUint64(b[off:off+8], cfg.WriterBufferSize)
	off += 8
	binary.LittleEndian.PutUint64(b[off:off+8], cfg.mdsPageSize())
	off += 8
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(cfg.NVRoot)))
	off += 2
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(cfg.DiskRoot)))
	off += 2
	copy(b[off:off+MaxPathLength], cfg.NVRoot)
	off += MaxPathLength
	copy(b[off:off+MaxPathLength], cfg.DiskRoot)
	off += MaxPathLength
	sum := crc32.Checksum(b[:off], crcTable)
	binary.LittleEndian.PutUint32(b[off:off+4], sum)
}

func decodeConfigSection(mm mmap.MMap) (version uint64, cfg Config, ok bool) {
	b := mm[cfConfigOffset : cfConfigOffset+cfConfigSize]
	off := 0
	version = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	writerCount := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	segSize := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	quota := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	bufSize := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	pageSize := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	nvLen := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	diskLen := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	nvRoot := string(b[off : off+int(nvLen)])
	off += MaxPathLength
	diskRoot := string(b[off : off+int(diskLen)])
	off += MaxPathLength
	sum := binary.LittleEndian.Uint32(b[off : off+4])
	if crc32.Checksum(b[:off], crcTable) != sum {
		return 0, Config{}, false
	}
	cfg = Config{
		WriterCount:      int(writerCount),
		SegmentSize:      segSize,
		NVQuota:          quota,
		WriterBufferSize: bufSize,
		MDSPageSize:      pageSize,
		NVRoot:           nvRoot,
		DiskRoot:         diskRoot,
	}
	return version, cfg, true
}
