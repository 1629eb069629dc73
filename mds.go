package nvwal

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"go.uber.org/zap"
)

// mdsEntry binds one epoch to the NV/disk byte range holding its log bytes:
// an inclusive start (firstDSID, firstOffset) and an exclusive end
// (lastDSID, lastOffset), plus two caller-supplied metadata words. It is a
// fixed 64-byte record, a power-of-two divisor of the default 1 MiB page
// size.
type mdsEntry struct {
	Epoch       Epoch
	FirstDSID   DSID
	FirstOffset uint64
	LastDSID    DSID
	LastOffset  uint64
	Meta0       uint64
	Meta1       uint64
}

// sizeofMDSEntry is the on-disk/on-NV record size: 7 uint64 fields, a
// trailing CRC32 checksum, and 4 bytes of padding to round out to a
// power-of-two divisor of the page size.
const sizeofMDSEntry = 64

func encodeMDSEntry(buf []byte, e mdsEntry) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Epoch))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.FirstDSID))
	binary.LittleEndian.PutUint64(buf[16:24], e.FirstOffset)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.LastDSID))
	binary.LittleEndian.PutUint64(buf[32:40], e.LastOffset)
	binary.LittleEndian.PutUint64(buf[40:48], e.Meta0)
	binary.LittleEndian.PutUint64(buf[48:56], e.Meta1)
	sum := crc32.Checksum(buf[0:56], crcTable)
	binary.LittleEndian.PutUint32(buf[56:60], sum)
}

func decodeMDSEntry(buf []byte) (mdsEntry, bool) {
	sum := binary.LittleEndian.Uint32(buf[56:60])
	if crc32.Checksum(buf[0:56], crcTable) != sum {
		return mdsEntry{}, false
	}
	return mdsEntry{
		Epoch:       Epoch(binary.LittleEndian.Uint64(buf[0:8])),
		FirstDSID:   DSID(binary.LittleEndian.Uint64(buf[8:16])),
		FirstOffset: binary.LittleEndian.Uint64(buf[16:24]),
		LastDSID:    DSID(binary.LittleEndian.Uint64(buf[24:32])),
		LastOffset:  binary.LittleEndian.Uint64(buf[32:40]),
		Meta0:       binary.LittleEndian.Uint64(buf[40:48]),
		Meta1:       binary.LittleEndian.Uint64(buf[48:56]),
	}, true
}

// mdsCore maps epoch -> (dsid range, offsets). num_files is fixed at 1 (see
// DESIGN.md's resolution of the striping Open Question); the striping
// formula below is nonetheless written in full so growing numFiles beyond 1
// is a one-line change, not a rewrite.
type mdsCore struct {
	mu sync.Mutex

	io_    *mdsIOLayer
	buf    *mdsBufferManager
	cb     *controlBlock
	logger *zap.Logger

	pageSize      uint64
	numFiles      uint64
	entriesPerPage uint64

	latest Epoch
}

func newMDSCore(io_ *mdsIOLayer, buf *mdsBufferManager, cb *controlBlock, pageSize uint64, numFiles uint64, logger *zap.Logger) *mdsCore {
	return &mdsCore{
		io_:            io_,
		buf:            buf,
		cb:             cb,
		logger:         logger,
		pageSize:       pageSize,
		numFiles:       numFiles,
		entriesPerPage: pageSize / sizeofMDSEntry,
	}
}

func (m *mdsCore) epochToFileNo(epoch Epoch) uint64 {
	n := normalize(epoch)
	return (n / m.entriesPerPage) % m.numFiles
}

func (m *mdsCore) epochToPageNo(epoch Epoch) uint64 {
	if epoch == InvalidEpoch {
		return 0
	}
	n := normalize(epoch)
	return 1 + n/(m.entriesPerPage*m.numFiles)
}

func (m *mdsCore) epochToPageOffset(epoch Epoch) uint64 {
	n := normalize(epoch)
	return n % m.entriesPerPage
}

func (m *mdsCore) epochToFileOffset(epoch Epoch) uint64 {
	return normalize(epoch) * sizeofMDSEntry
}

// init restores in-memory state needed to resume writing: the buffer
// frames' assigned page numbers are derived from each page file's current
// size, and latest_epoch is the resumeLatest the caller (Init in wal.go)
// passes from the control block's persisted DE, which writeEpoch never
// outpaces.
func (m *mdsCore) init(mode InitMode, resumeLatest Epoch) (didRestart bool, err error) {
	r1, err := m.io_.init(mode)
	if err != nil {
		return false, err
	}
	r2, err := m.buf.init(mode)
	if err != nil {
		return false, err
	}
	for fileNo := uint64(0); fileNo < m.numFiles; fileNo++ {
		pf := m.io_.file(fileNo)
		fr := m.buf.frame(fileNo)
		fr.pageNo = pf.pageCount() + 1
	}
	m.latest = resumeLatest
	return r1 || r2, nil
}

func (m *mdsCore) uninit() error {
	if err := m.buf.uninit(); err != nil {
		return err
	}
	return m.io_.uninit()
}

// writeEpoch places entry at the computed (file, page, offset). If this is
// the first entry of a new page, the previous tail page is paged out first:
// persisted to disk via appendPage, the paged_mds_epoch watermark in the
// control file is durably advanced, then the NV buffer is recycled for the
// new page.
func (m *mdsCore) writeEpoch(epoch Epoch, entry mdsEntry) error {
	const op = "nvwal.mdsCore.writeEpoch"
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest != InvalidEpoch && !IsAfter(epoch, m.latest) {
		panicInvariant("mds writeEpoch called with a non-monotonic epoch")
	}

	fileNo := m.epochToFileNo(epoch)
	pageNo := m.epochToPageNo(epoch)
	offset := m.epochToPageOffset(epoch)

	fr := m.buf.frame(fileNo)

	if fr.pageNo == 0 {
		fr.reset(pageNo)
	}
	if pageNo != fr.pageNo {
		if err := m.pageOut(fileNo); err != nil {
			return err
		}
		fr.reset(pageNo)
	}

	rec := fr.baseaddr[offset*sizeofMDSEntry : (offset+1)*sizeofMDSEntry]
	encodeMDSEntry(rec, entry)
	fr.dirty = true
	if err := flushToPersistence(fr.baseaddr, offset*sizeofMDSEntry, sizeofMDSEntry); err != nil {
		return newError(ErrKindIO, op, err)
	}

	m.latest = epoch
	return nil
}

// pageOut persists the current tail page of file fileNo to disk and
// durably advances paged_mds_epoch in the control file.
func (m *mdsCore) pageOut(fileNo uint64) error {
	fr := m.buf.frame(fileNo)
	pf := m.io_.file(fileNo)
	if !fr.dirty {
		return nil
	}
	if err := pf.appendPage(fr.baseaddr); err != nil {
		return err
	}
	if err := fsyncFile(pf.file); err != nil {
		return newError(ErrKindIO, "nvwal.mdsCore.pageOut", err)
	}
	pagedEpoch := m.latest
	if err := m.cb.persistPagedMDSEpoch(pagedEpoch); err != nil {
		return err
	}
	m.logger.Info("mds page paged out",
		zap.Uint64("file_no", fileNo), zap.Uint64("page_no", fr.pageNo))
	return nil
}

// readEpoch returns the entry for epoch, from the NV buffer if its page is
// still resident, otherwise from the disk page file. Each call from disk
// reads the whole page and decodes only the requested entry; nothing is
// cached or prefetched for later calls.
func (m *mdsCore) readEpoch(epoch Epoch) (mdsEntry, error) {
	const op = "nvwal.mdsCore.readEpoch"
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch == InvalidEpoch || IsAfter(epoch, m.latest) {
		return mdsEntry{}, newError(ErrKindCursor, op, errCursorEpochNotDurable)
	}

	fileNo := m.epochToFileNo(epoch)
	pageNo := m.epochToPageNo(epoch)
	offset := m.epochToPageOffset(epoch)

	fr := m.buf.frame(fileNo)
	if fr.pageNo == pageNo {
		rec := fr.baseaddr[offset*sizeofMDSEntry : (offset+1)*sizeofMDSEntry]
		entry, ok := decodeMDSEntry(rec)
		if !ok {
			return mdsEntry{}, newError(ErrKindRestart, op, errMDSCorrupted)
		}
		return entry, nil
	}

	pf := m.io_.file(fileNo)
	page := make([]byte, m.pageSize)
	if err := pf.readPage(pageNo, page); err != nil {
		return mdsEntry{}, err
	}
	rec := page[offset*sizeofMDSEntry : (offset+1)*sizeofMDSEntry]
	entry, ok := decodeMDSEntry(rec)
	if !ok {
		return mdsEntry{}, newError(ErrKindRestart, op, errMDSCorrupted)
	}
	return entry, nil
}

// readEpochRange reads up to count consecutive entries starting
// at start, stopping early at the first entry beyond latest_epoch.
func (m *mdsCore) readEpochRange(start Epoch, count int) ([]mdsEntry, error) {
	entries := make([]mdsEntry, 0, count)
	e := start
	for i := 0; i < count; i++ {
		if IsAfter(e, m.latestEpoch()) {
			break
		}
		entry, err := m.readEpoch(e)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
		next, err := Increment(e)
		if err != nil {
			break
		}
		e = next
	}
	return entries, nil
}

func (m *mdsCore) latestEpoch() Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}
