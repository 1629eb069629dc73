package nvwal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// DSID is a Durable Segment ID: a monotonic identifier for an NV segment,
// assigned when the segment is (re)created and carried through to its disk
// copy. 0 is reserved as null.
type DSID uint64

// InvalidDSID is the reserved null DSID.
const InvalidDSID DSID = 0

// segmentFilePrefix names the disk copy of a segment; the DSID is rendered
// as an 8-hex-digit, uppercase suffix. NV segment files are not named by
// DSID: each NV slot has one file, nvwal_nvseg_NNNN, named by its slot index.
const segmentFilePrefix = "nvwal_segment_"

func segmentFileName(dsid DSID) string {
	return fmt.Sprintf("%s%08X", segmentFilePrefix, uint64(dsid))
}

// recyclingPins is the sentinel nv_reader_pins_ value meaning "being
// recycled": no reader may observe or hold a pin while a segment is in this
// state.
const recyclingPins = int32(-1)

// nvSegment is one slot in the circular NV segment pool. Index is the
// slot's immutable array position; DSID identifies which logical segment
// currently occupies it.
type nvSegment struct {
	index uint32 // immutable

	file *os.File
	mm   mmap.MMap // nv_baseaddr_, valid once dsid != InvalidDSID

	dsid atomic.Uint64 // DSID, 0 when unused

	// nvReaderPins tracks cursor pins: -1 means "being recycled", >=0 is
	// the live pin count. CAS'd from 0 to -1 to begin recycling, and from
	// v>=0 to v+1/v-1 to pin/unpin.
	nvReaderPins atomic.Int32

	fsyncRequested atomic.Bool
	fsyncCompleted atomic.Bool
	fsyncError     atomic.Pointer[error]

	// writtenBytes is read/written only by the flusher.
	writtenBytes uint64
}

func (s *nvSegment) baseAddr() []byte {
	return []byte(s.mm)
}

// segmentManager owns the circular pool of NV segments and the single
// currently-active segment's DSID.
type segmentManager struct {
	wal          *WAL
	nvDir        string
	segmentSize  uint64
	segmentCount uint32

	segments []*nvSegment

	// currentDSID mirrors flusher_current_nv_segment_dsid_: written by the
	// flusher (and by resumeCurrent during Init), read also by the fsyncer.
	currentDSID atomic.Uint64
}

func newSegmentManager(wal *WAL, nvDir string, segmentSize uint64, segmentCount uint32) *segmentManager {
	sm := &segmentManager{
		wal:          wal,
		nvDir:        nvDir,
		segmentSize:  segmentSize,
		segmentCount: segmentCount,
		segments:     make([]*nvSegment, segmentCount),
	}
	for i := range sm.segments {
		sm.segments[i] = &nvSegment{index: uint32(i)}
	}
	return sm
}

func (sm *segmentManager) indexForDSID(dsid DSID) uint32 {
	return uint32((uint64(dsid) - 1) % uint64(sm.segmentCount))
}

// allocate maps (creating if necessary) the slot for dsid and marks it
// active, resetting its volatile fields. Called with the slot already
// CAS'd into the "being recycled" (-1 pins) state, or for a brand-new slot
// on first use.
func (sm *segmentManager) allocate(dsid DSID) (*nvSegment, error) {
	const op = "nvwal.segmentManager.allocate"
	idx := sm.indexForDSID(dsid)
	seg := sm.segments[idx]

	if seg.mm == nil {
		path := filepath.Join(sm.nvDir, fmt.Sprintf("nvwal_nvseg_%04d", idx))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, newError(ErrKindIO, op, err)
		}
		if err := preallocate(f, int64(sm.segmentSize)); err != nil {
			f.Close()
			return nil, newError(ErrKindIO, op, err)
		}
		if err := f.Truncate(int64(sm.segmentSize)); err != nil {
			f.Close()
			return nil, newError(ErrKindIO, op, err)
		}
		mm, err := mapFile(f, int64(sm.segmentSize))
		if err != nil {
			f.Close()
			return nil, newError(ErrKindIO, op, err)
		}
		seg.file = f
		seg.mm = mm
	} else {
		for i := range seg.mm {
			seg.mm[i] = 0
		}
	}

	seg.writtenBytes = 0
	seg.fsyncRequested.Store(false)
	seg.fsyncCompleted.Store(false)
	seg.fsyncError.Store(nil)
	seg.dsid.Store(uint64(dsid))
	seg.nvReaderPins.Store(0)
	return seg, nil
}

// resumeCurrent re-maps the NV segment slot that was active when the
// instance last exited, so the flusher appends to it instead of handing its
// DSID to a brand-new segment. dsid and writtenThrough come from the most
// recent durable MDS entry's LastDSID/LastOffset; dsid == InvalidDSID means
// there is nothing to resume (a fresh instance). lastSyncedDSID is the
// control file's fsyncer watermark, used to tell whether the resumed
// segment had already been copied to disk before the exit.
func (sm *segmentManager) resumeCurrent(dsid DSID, writtenThrough uint64, lastSyncedDSID DSID) error {
	const op = "nvwal.segmentManager.resumeCurrent"
	if dsid == InvalidDSID {
		return nil
	}

	idx := sm.indexForDSID(dsid)
	seg := sm.segments[idx]

	path := filepath.Join(sm.nvDir, fmt.Sprintf("nvwal_nvseg_%04d", idx))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return newError(ErrKindIO, op, err)
	}
	if err := preallocate(f, int64(sm.segmentSize)); err != nil {
		f.Close()
		return newError(ErrKindIO, op, err)
	}
	if err := f.Truncate(int64(sm.segmentSize)); err != nil {
		f.Close()
		return newError(ErrKindIO, op, err)
	}
	mm, err := mapFile(f, int64(sm.segmentSize))
	if err != nil {
		f.Close()
		return newError(ErrKindIO, op, err)
	}

	seg.file = f
	seg.mm = mm
	seg.writtenBytes = writtenThrough
	seg.nvReaderPins.Store(0)

	synced := lastSyncedDSID != InvalidDSID && dsid <= lastSyncedDSID
	seg.fsyncRequested.Store(synced)
	seg.fsyncCompleted.Store(synced)
	seg.fsyncError.Store(nil)
	seg.dsid.Store(uint64(dsid))

	sm.currentDSID.Store(uint64(dsid))
	return nil
}

// currentNVSegment returns the segment the flusher is currently writing to.
func (sm *segmentManager) currentNVSegment() *nvSegment {
	dsid := DSID(sm.currentDSID.Load())
	if dsid == InvalidDSID {
		return nil
	}
	return sm.segments[sm.indexForDSID(dsid)]
}

// advanceNVSegment marks the current segment full (requesting fsync) and
// brings the next slot in the ring online as the new current segment,
// blocking while the slot is pinned by a reader or not yet fsynced to disk
// (recycling it earlier would destroy the only remaining copy of bytes the
// fsyncer hasn't copied out yet — an invariant the design implies via
// "flusher ... will refuse to recycle that segment" in §4.9, resolved
// explicitly as an Open Question in DESIGN.md).
func (sm *segmentManager) advanceNVSegment(ctx context.Context) (*nvSegment, error) {
	const op = "nvwal.segmentManager.advanceNVSegment"

	if cur := sm.currentNVSegment(); cur != nil {
		cur.fsyncRequested.Store(true)
	}

	nextDSID := DSID(sm.currentDSID.Load() + 1)
	idx := sm.indexForDSID(nextDSID)
	seg := sm.segments[idx]

	waited := false
	for {
		select {
		case <-ctx.Done():
			return nil, newError(ErrKindShutdown, op, errShuttingDown)
		default:
		}
		if seg.dsid.Load() != 0 {
			if !seg.fsyncCompleted.Load() {
				if errp := seg.fsyncError.Load(); errp != nil && *errp != nil {
					sm.wal.logger().Warn("segment recycle blocked by sticky fsync error",
						zap.Uint32("slot", idx))
				}
				waited = true
				time.Sleep(time.Millisecond)
				continue
			}
		}
		if seg.nvReaderPins.CompareAndSwap(0, recyclingPins) {
			break
		}
		waited = true
		time.Sleep(time.Millisecond)
	}
	if waited && sm.wal.metrics != nil {
		sm.wal.metrics.segmentRecycleWaits.Inc()
	}

	newSeg, err := sm.allocate(nextDSID)
	if err != nil {
		return nil, err
	}
	sm.currentDSID.Store(uint64(nextDSID))
	return newSeg, nil
}

// pinForRead locates the segment currently holding dsid, if any, and
// increments its reader pin count via CAS, returning (segment, true) on
// success or (nil, false) if the DSID is no longer NV-resident (recycled
// out, or never allocated in this slot).
func (sm *segmentManager) pinForRead(dsid DSID) (*nvSegment, bool) {
	idx := sm.indexForDSID(dsid)
	seg := sm.segments[idx]
	for {
		v := seg.nvReaderPins.Load()
		if v < 0 || seg.dsid.Load() != uint64(dsid) {
			return nil, false
		}
		if seg.nvReaderPins.CompareAndSwap(v, v+1) {
			if seg.dsid.Load() != uint64(dsid) {
				// Lost a race with recycling right after the CAS; back out.
				seg.nvReaderPins.Add(-1)
				return nil, false
			}
			return seg, true
		}
	}
}

// unpin releases a pin taken by pinForRead.
func (sm *segmentManager) unpin(seg *nvSegment) {
	seg.nvReaderPins.Add(-1)
}

func (sm *segmentManager) close() error {
	var firstErr error
	for _, seg := range sm.segments {
		if seg.mm != nil {
			if err := seg.mm.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if seg.file != nil {
			if err := seg.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
