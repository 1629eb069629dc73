package nvwal

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// threadState is the cooperative-cancellation state word shared by the
// flusher and the fsyncer: INIT -> RUNNING -> PAUSE_REQUESTED -> PAUSED ->
// RUNNING -> STOP_REQUESTED -> STOPPED. Each agent checks it at loop top
// and at quiescent points; there is no hard preemption, so a thread in a
// blocking I/O call finishes that call before observing STOP.
type threadState uint32

const (
	threadInit threadState = iota
	threadRunning
	threadPauseRequested
	threadPaused
	threadStopRequested
	threadStopped
)

type agentState struct {
	word atomic.Uint32
}

func (s *agentState) load() threadState   { return threadState(s.word.Load()) }
func (s *agentState) store(v threadState) { s.word.Store(uint32(v)) }
func (s *agentState) requestStop()        { s.store(threadStopRequested) }
func (s *agentState) stopping() bool      { return s.load() == threadStopRequested }

// flusher is the single long-running agent copying writer-buffer bytes into
// the active NV segment, writing MDS entries, and durably advancing DE.
type flusher struct {
	wal    *WAL
	state  agentState
	logger *zap.Logger

	// copiedUpTo[writerIndex][frameIdx] tracks how far this flusher has
	// locally copied out of each frame, since a frame's tailOffset can
	// keep growing while its epoch stays the same.
	copiedUpTo [][EpochFrameCount]uint64

	// aheadFirst*/aheadLast* hold the segment range of bytes copied ahead of
	// SE while their epoch was NE, so the MDS entry written once that epoch
	// becomes SE still covers them. aheadFirstDSID is InvalidDSID when no
	// bytes are pending.
	aheadFirstDSID, aheadLastDSID     DSID
	aheadFirstOffset, aheadLastOffset uint64

	metrics *metrics
}

func newFlusher(wal *WAL) *flusher {
	f := &flusher{
		wal:        wal,
		logger:     wal.logger(),
		copiedUpTo: make([][EpochFrameCount]uint64, len(wal.writers)),
		metrics:    wal.metrics,
	}
	f.state.store(threadInit)
	return f
}

// run is the flusher's main loop, launched as a goroutine from WAL.Init and
// joined from WAL.Uninit via an errgroup.
func (fl *flusher) run() error {
	fl.state.store(threadRunning)
	for {
		switch fl.state.load() {
		case threadStopRequested:
			fl.state.store(threadStopped)
			return nil
		case threadPauseRequested:
			fl.state.store(threadPaused)
			continue
		case threadPaused:
			time.Sleep(time.Millisecond)
			continue
		}

		if err := fl.tick(); err != nil {
			if ferr, ok := err.(*Error); ok && ferr.Kind == ErrKindShutdown {
				fl.state.store(threadStopped)
				return nil
			}
			// Fatal I/O pauses further DE advancement but does not crash
			// the process; callers observe it via QueryDurableEpoch simply
			// not advancing.
			fl.logger.Error("flusher tick failed", zap.Error(err))
			time.Sleep(5 * time.Millisecond)
			continue
		}

		time.Sleep(100 * time.Microsecond)
	}
}

// tick runs one pass of the main loop: copy drained writer bytes for every
// frame at or behind SE, and once every writer's SE-or-earlier bytes are
// copied, write the MDS entry for SE and durably advance DE. It then
// opportunistically copies NE bytes ahead of SE, and reclaims writer frames
// the writers can no longer need.
func (fl *flusher) tick() error {
	se := fl.wal.stableEpoch()
	ne := fl.wal.nextEpoch()
	de := fl.wal.durableEpoch()

	if IsAfter(se, de) {
		firstDSID, firstOffset := fl.aheadFirstDSID, fl.aheadFirstOffset
		lastDSID, lastOffset := fl.aheadLastDSID, fl.aheadLastOffset
		haveRange := firstDSID != InvalidDSID

		for wIdx, w := range fl.wal.writers {
			active := w.activeFrameIndex()
			for i := uint32(1); i <= EpochFrameCount; i++ {
				idx := (active + i) % EpochFrameCount
				frame := w.frameAt(idx)
				epoch := frame.epoch()
				if epoch == InvalidEpoch || IsAfter(epoch, se) {
					continue
				}
				copied := fl.copiedUpTo[wIdx][idx]
				if copied < frame.headOffset {
					copied = frame.headOffset
				}
				tail := frame.tailOffset
				if copied >= tail {
					continue
				}
				fDSID, fOff, lDSID, lOff, err := fl.copyBytes(wIdx, frame, copied, tail-copied)
				if err != nil {
					return err
				}
				fl.copiedUpTo[wIdx][idx] = tail
				if !haveRange {
					firstDSID, firstOffset = fDSID, fOff
					haveRange = true
				}
				lastDSID, lastOffset = lDSID, lOff
			}
		}

		if !haveRange {
			// No bytes were submitted under SE: record an empty range at the
			// current end of the segment stream so SE still becomes durable.
			if seg := fl.wal.segments.currentNVSegment(); seg != nil {
				firstDSID, firstOffset = DSID(seg.dsid.Load()), seg.writtenBytes
				lastDSID, lastOffset = firstDSID, firstOffset
			}
			haveRange = true
		}

		if haveRange {
			entry := mdsEntry{
				Epoch:       se,
				FirstDSID:   firstDSID,
				FirstOffset: firstOffset,
				LastDSID:    lastDSID,
				LastOffset:  lastOffset,
			}
			if err := fl.wal.mds.writeEpoch(se, entry); err != nil {
				return err
			}
			if err := fl.wal.cb.persistDurableEpoch(se); err != nil {
				return err
			}
			fl.wal.publishDurableEpoch(se)
			fl.aheadFirstDSID = InvalidDSID
			if fl.metrics != nil {
				fl.metrics.durableEpoch.Set(float64(se))
			}
		}
	}

	if IsAfter(ne, se) {
		for wIdx, w := range fl.wal.writers {
			active := w.activeFrameIndex()
			frame := w.frameAt(active)
			if frame.epoch() != ne {
				continue
			}
			copied := fl.copiedUpTo[wIdx][active]
			if copied < frame.headOffset {
				copied = frame.headOffset
			}
			tail := frame.tailOffset
			if copied >= tail {
				continue
			}
			fDSID, fOff, lDSID, lOff, err := fl.copyBytes(wIdx, frame, copied, tail-copied)
			if err != nil {
				return err
			}
			fl.copiedUpTo[wIdx][active] = tail
			if fl.aheadFirstDSID == InvalidDSID {
				fl.aheadFirstDSID, fl.aheadFirstOffset = fDSID, fOff
			}
			fl.aheadLastDSID, fl.aheadLastOffset = lDSID, lOff
		}
	}

	durable := fl.wal.durableEpoch()
	for _, w := range fl.wal.writers {
		w.reclaimFrames(durable)
	}

	return nil
}

// copyBytes copies n bytes starting at offset copied in the writer's ring
// buffer into the active NV segment with a persistent store, advancing to a
// fresh segment whenever the current one fills. It returns the DSID/offset
// range the bytes landed in.
func (fl *flusher) copyBytes(wIdx int, frame *epochFrame, copied, n uint64) (firstDSID DSID, firstOffset uint64, lastDSID DSID, lastOffset uint64, err error) {
	w := fl.wal.writers[wIdx]
	src := w.buffer
	srcOff := copied % w.bufSize

	remaining := n
	for remaining > 0 {
		seg := fl.wal.segments.currentNVSegment()
		if seg == nil || seg.writtenBytes >= fl.wal.cfg.segmentSize() {
			var advErr error
			seg, advErr = fl.wal.segments.advanceNVSegment(fl.wal.shutdownCtx)
			if advErr != nil {
				return firstDSID, firstOffset, lastDSID, lastOffset, advErr
			}
		}
		if firstDSID == InvalidDSID {
			firstDSID = DSID(seg.dsid.Load())
			firstOffset = seg.writtenBytes
		}

		space := fl.wal.cfg.segmentSize() - seg.writtenBytes
		chunk := remaining
		if chunk > space {
			chunk = space
		}
		if srcOff+chunk > w.bufSize {
			chunk = w.bufSize - srcOff
		}

		writeOff := seg.writtenBytes
		dst := seg.baseAddr()[writeOff : writeOff+chunk]
		copy(dst, src[srcOff:srcOff+chunk])
		if err := flushToPersistence(seg.mm, int(writeOff), int(chunk)); err != nil {
			return firstDSID, firstOffset, lastDSID, lastOffset, newError(ErrKindIO, "nvwal.flusher.copyBytes", err)
		}
		seg.writtenBytes += chunk
		lastDSID = DSID(seg.dsid.Load())
		lastOffset = seg.writtenBytes

		if fl.metrics != nil {
			fl.metrics.bytesFlushed.Add(float64(chunk))
		}

		remaining -= chunk
		srcOff = (srcOff + chunk) % w.bufSize
	}
	return firstDSID, firstOffset, lastDSID, lastOffset, nil
}
