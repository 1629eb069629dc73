package nvwal

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// fsyncer is the single long-running agent copying fsync-requested NV
// segments to block storage. A failure is recorded in the segment's
// fsyncError and leaves it not completed, so advanceNVSegment waits before
// recycling that slot; later passes retry the segment.
type fsyncer struct {
	wal    *WAL
	state  agentState
	logger *zap.Logger

	nextDSID DSID // next DSID to scan, resumes from lastSyncedDSID+1
}

func newFsyncer(wal *WAL, resumeFrom DSID) *fsyncer {
	fs := &fsyncer{
		wal:      wal,
		logger:   wal.logger(),
		nextDSID: resumeFrom + 1,
	}
	fs.state.store(threadInit)
	return fs
}

func (fs *fsyncer) run() error {
	fs.state.store(threadRunning)
	for {
		switch fs.state.load() {
		case threadStopRequested:
			fs.state.store(threadStopped)
			return nil
		case threadPauseRequested:
			fs.state.store(threadPaused)
			continue
		case threadPaused:
			time.Sleep(time.Millisecond)
			continue
		}

		didWork, err := fs.scanPass()
		if err != nil {
			fs.logger.Error("fsyncer pass failed", zap.Error(err))
		}
		if !didWork {
			time.Sleep(time.Millisecond)
		}
	}
}

// scanPass scans segments in DSID order starting at nextDSID, copying each
// fsync_requested/!fsync_completed segment to disk. All segment files
// created during the pass are covered by one directory fsync at the end,
// rather than one per segment.
func (fs *fsyncer) scanPass() (didWork bool, err error) {
	current := fs.wal.segments.currentNVSegment()
	if current == nil {
		return false, nil
	}
	lastDSID := DSID(current.dsid.Load())

	touchedDir := false
	for dsid := fs.nextDSID; IsAfterOrEqual(lastDSID, dsid); dsid++ {
		idx := fs.wal.segments.indexForDSID(dsid)
		seg := fs.wal.segments.segments[idx]

		if seg.dsid.Load() != uint64(dsid) || seg.fsyncCompleted.Load() {
			// Either recycled past already, or a previous pass finished it.
			fs.nextDSID = dsid + 1
			continue
		}
		if !seg.fsyncRequested.Load() {
			// Still being filled by the flusher; retry on a later pass.
			break
		}

		if err := fs.syncSegment(seg, dsid); err != nil {
			errCopy := err
			seg.fsyncError.Store(&errCopy)
			fs.logger.Error("segment fsync failed", zap.Uint64("dsid", uint64(dsid)), zap.Error(err))
			return didWork, err
		}
		touchedDir = true
		didWork = true

		if err := fs.wal.cb.persistLastSyncedDSID(dsid); err != nil {
			return didWork, err
		}
		seg.fsyncCompleted.Store(true)
		fs.nextDSID = dsid + 1
	}

	if touchedDir {
		if err := fs.fsyncDiskDir(); err != nil {
			return didWork, err
		}
	}
	return didWork, nil
}

// syncSegment copies one NV segment's bytes to its disk file and fsyncs the
// file (not yet the containing directory — that is batched across the
// whole scan pass).
func (fs *fsyncer) syncSegment(seg *nvSegment, dsid DSID) error {
	const op = "nvwal.fsyncer.syncSegment"
	path := filepath.Join(fs.wal.cfg.DiskRoot, segmentFileName(dsid))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newError(ErrKindIO, op, err)
	}
	defer f.Close()

	buf := seg.baseAddr()
	written := 0
	for written < len(buf) {
		n, werr := f.WriteAt(buf[written:], int64(written))
		if n > 0 {
			written += n
		}
		if werr != nil {
			return newError(ErrKindIO, op, werr)
		}
	}

	start := time.Now()
	if err := fsyncFile(f); err != nil {
		return newError(ErrKindIO, op, err)
	}
	if m := fs.wal.metrics; m != nil {
		m.fsyncLatency.Observe(time.Since(start).Seconds())
		m.bytesSynced.Add(float64(len(buf)))
	}
	return nil
}

func (fs *fsyncer) fsyncDiskDir() error {
	const op = "nvwal.fsyncer.fsyncDiskDir"
	d, err := os.Open(fs.wal.cfg.DiskRoot)
	if err != nil {
		return newError(ErrKindIO, op, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return newError(ErrKindIO, op, err)
	}
	return nil
}
