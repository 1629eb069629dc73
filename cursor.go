package nvwal

import (
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// Cursor reassembles byte ranges for a half-open epoch range [start, end)
// from MDS entries, pinning NV segments still resident or mmap'ing their
// disk copies otherwise.
type Cursor struct {
	wal   *WAL
	start Epoch
	end   Epoch

	currentEpoch Epoch
	window       []mdsEntry // prefetched MDS entries, currentEpoch first

	curDSID      DSID
	curFromNV    bool
	curSeg       *nvSegment // non-nil iff curFromNV
	curDiskFile  *os.File
	curDiskMap   mmap.MMap
	curData      []byte
	curOffset    uint64
	curLen       uint64
	lastDSIDOfEp DSID
	endOffsetOfEp uint64

	closed bool
}

// OpenLogCursor opens a cursor over [start, end). It snapshots latest_epoch
// at open time; entries written after that are not guaranteed visible.
func (w *WAL) OpenLogCursor(start, end Epoch) (*Cursor, error) {
	const op = "nvwal.WAL.OpenLogCursor"
	if !IsAfter(end, start) {
		return nil, newError(ErrKindCursor, op, errCursorRangeEmpty)
	}
	if IsAfter(start, w.mds.latestEpoch()) {
		return nil, newError(ErrKindCursor, op, errCursorEpochNotDurable)
	}

	c := &Cursor{wal: w, start: start, end: end, currentEpoch: start}
	if err := c.fillWindow(); err != nil {
		return nil, err
	}
	if err := c.openCurrentSegment(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) fillWindow() error {
	if len(c.window) > 0 {
		return nil
	}
	if IsAfterOrEqual(c.currentEpoch, c.end) {
		return nil
	}
	entries, err := c.wal.mds.readEpochRange(c.currentEpoch, CursorEpochPrefetches)
	if err != nil {
		return err
	}
	c.window = entries
	return nil
}

func (c *Cursor) openCurrentSegment() error {
	const op = "nvwal.Cursor.openCurrentSegment"
	if len(c.window) == 0 {
		return newError(ErrKindCursor, op, errCursorSegmentMissing)
	}
	entry := c.window[0]

	c.lastDSIDOfEp = entry.LastDSID
	c.endOffsetOfEp = entry.LastOffset

	if seg, ok := c.wal.segments.pinForRead(entry.FirstDSID); ok {
		c.curSeg = seg
		c.curFromNV = true
		c.curData = seg.baseAddr()
	} else {
		f, mm, err := c.openDiskSegment(entry.FirstDSID)
		if err != nil {
			return err
		}
		c.curDiskFile = f
		c.curDiskMap = mm
		c.curData = []byte(mm)
		c.curFromNV = false
	}

	c.curDSID = entry.FirstDSID
	c.curOffset = entry.FirstOffset
	if entry.FirstDSID == entry.LastDSID {
		c.curLen = entry.LastOffset - entry.FirstOffset
	} else {
		c.curLen = c.wal.cfg.segmentSize() - entry.FirstOffset
	}
	return nil
}

func (c *Cursor) openDiskSegment(dsid DSID) (*os.File, mmap.MMap, error) {
	const op = "nvwal.Cursor.openDiskSegment"
	path := diskSegmentPath(c.wal.cfg.DiskRoot, dsid)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, newError(ErrKindCursor, op, errCursorSegmentMissing)
		}
		return nil, nil, newError(ErrKindIO, op, err)
	}
	mm, err := mapFileReadOnly(f, int64(c.wal.cfg.segmentSize()))
	if err != nil {
		f.Close()
		return nil, nil, newError(ErrKindIO, op, err)
	}
	return f, mm, nil
}

func diskSegmentPath(diskRoot string, dsid DSID) string {
	return filepath.Join(diskRoot, segmentFileName(dsid))
}

// Current returns the bytes available at the cursor's current position
// without advancing it.
func (c *Cursor) Current() ([]byte, error) {
	const op = "nvwal.Cursor.Current"
	if c.closed {
		return nil, newError(ErrKindCursor, op, errShuttingDown)
	}
	return c.curData[c.curOffset : c.curOffset+c.curLen], nil
}

// Next advances the cursor: within a multi-segment epoch it walks to the
// next DSID; at the end of an epoch's range it moves to the next epoch in
// [start, end).
func (c *Cursor) Next() error {
	const op = "nvwal.Cursor.Next"
	if c.closed {
		return newError(ErrKindCursor, op, errShuttingDown)
	}

	if c.curDSID != c.lastDSIDOfEp {
		c.releaseCurrentSegment()
		nextDSID := c.curDSID + 1
		if seg, ok := c.wal.segments.pinForRead(nextDSID); ok {
			c.curSeg = seg
			c.curFromNV = true
			c.curData = seg.baseAddr()
		} else {
			f, mm, err := c.openDiskSegment(nextDSID)
			if err != nil {
				return err
			}
			c.curDiskFile = f
			c.curDiskMap = mm
			c.curData = []byte(mm)
			c.curFromNV = false
		}
		c.curDSID = nextDSID
		c.curOffset = 0
		if nextDSID == c.lastDSIDOfEp {
			c.curLen = c.endOffsetOfEp
		} else {
			c.curLen = c.wal.cfg.segmentSize()
		}
		return nil
	}

	// Done with this epoch's range; advance to the next epoch.
	c.releaseCurrentSegment()
	next, err := Increment(c.currentEpoch)
	if err != nil {
		return err
	}
	c.currentEpoch = next
	c.window = c.window[1:]
	if err := c.fillWindow(); err != nil {
		return err
	}
	if IsAfterOrEqual(c.currentEpoch, c.end) {
		return newError(ErrKindCursor, op, errCursorRangeEmpty)
	}
	return c.openCurrentSegment()
}

func (c *Cursor) releaseCurrentSegment() {
	if c.curFromNV {
		if c.curSeg != nil {
			c.wal.segments.unpin(c.curSeg)
			c.curSeg = nil
		}
		return
	}
	if c.curDiskMap != nil {
		c.curDiskMap.Unmap()
		c.curDiskMap = nil
	}
	if c.curDiskFile != nil {
		c.curDiskFile.Close()
		c.curDiskFile = nil
	}
}

// Close releases the cursor's currently-held segment reference.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.releaseCurrentSegment()
	c.closed = true
	return nil
}
