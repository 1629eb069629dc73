// Package nvwal implements the core of a write-ahead log engine for
// byte-addressable NVRAM tiered with block storage. Client applications
// submit log bytes tagged with a coarse-grained epoch; the engine durably
// orders logs across epochs, copies NV-resident segments to block storage
// asynchronously, maintains a metadata index mapping epochs to segment
// locations, and supports range-by-epoch reads.
package nvwal

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WAL is one write-ahead-log instance: it owns a directory on NVRAM and a
// directory on block storage, plus the writers, flusher, fsyncer, MDS, and
// control file bound to them. Ownership is single-rooted here — segments,
// writers, MDS, and the control block mapping are all exclusively owned by
// the *WAL that created them.
type WAL struct {
	cfg Config

	cb       *controlBlock
	segments *segmentManager
	mds      *mdsCore
	writers  []*Writer
	metrics  *metrics

	flusher *flusher
	fsyncer *fsyncer

	durable atomic.Uint64 // Epoch, release-published by the flusher
	stable  atomic.Uint64 // Epoch, set by AdvanceStableEpoch
	next    atomic.Uint64 // Epoch, set by AdvanceNextEpoch

	group       *errgroup.Group
	shutdownCtx context.Context
	cancel      context.CancelFunc
}

func (w *WAL) logger() *zap.Logger { return w.cfg.logger() }

func (w *WAL) durableEpoch() Epoch { return Epoch(w.durable.Load()) }
func (w *WAL) stableEpoch() Epoch  { return Epoch(w.stable.Load()) }
func (w *WAL) nextEpoch() Epoch    { return Epoch(w.next.Load()) }

func (w *WAL) publishDurableEpoch(e Epoch) { w.durable.Store(uint64(e)) }

// Init creates or restarts a WAL instance per mode, exactly as
// open(2)/O_CREAT/O_TRUNC would for a single file.
func Init(cfg Config, mode InitMode) (*WAL, error) {
	const op = "nvwal.Init"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.logger()

	restarting, err := prepareFolders(cfg, mode)
	if err != nil {
		return nil, err
	}

	var cb *controlBlock
	if restarting {
		cb, err = openControlFile(cfg.NVRoot, logger)
		if err != nil {
			return nil, err
		}
	} else {
		cb, err = createControlFile(cfg.NVRoot, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	snapshot, err := cb.loadSnapshot()
	if err != nil {
		cb.Close()
		return nil, err
	}

	if restarting && cfg.ResumingEpoch != InvalidEpoch && cfg.ResumingEpoch != snapshot.DurableEpoch {
		cb.Close()
		return nil, newError(ErrKindRestart, op, errResumingEpochMismatch)
	}

	segCount := cfg.segmentCount()
	segments := newSegmentManager(nil, cfg.NVRoot, cfg.segmentSize(), uint32(segCount))

	ioLayer := newMDSIOLayer(cfg.DiskRoot, cfg.mdsPageSize(), numMDSFiles, logger)
	bufMgr := newMDSBufferManager(cfg.NVRoot, cfg.mdsPageSize(), numMDSFiles)
	mds := newMDSCore(ioLayer, bufMgr, cb, cfg.mdsPageSize(), numMDSFiles, logger)
	if _, err := mds.init(mode, snapshot.DurableEpoch); err != nil {
		cb.Close()
		return nil, err
	}

	// The segment the flusher was writing to when the instance last exited
	// must keep its DSID and its already-written byte count across restart,
	// or the next flusher append would either collide with that DSID or
	// zero out bytes the MDS still believes are durable.
	var resumeDSID DSID
	var resumeWritten uint64
	if latest := mds.latestEpoch(); latest != InvalidEpoch {
		entry, err := mds.readEpoch(latest)
		if err != nil {
			mds.uninit()
			cb.Close()
			return nil, err
		}
		resumeDSID = entry.LastDSID
		resumeWritten = entry.LastOffset
	}

	m := newMetrics(cfg.Registerer)

	ctx, cancel := context.WithCancel(context.Background())
	w := &WAL{
		cfg:         cfg,
		cb:          cb,
		segments:    segments,
		mds:         mds,
		metrics:     m,
		shutdownCtx: ctx,
		cancel:      cancel,
	}
	segments.wal = w

	if err := segments.resumeCurrent(resumeDSID, resumeWritten, snapshot.LastSyncedDSID); err != nil {
		mds.uninit()
		cb.Close()
		return nil, err
	}

	w.durable.Store(uint64(snapshot.DurableEpoch))
	w.stable.Store(uint64(snapshot.DurableEpoch))
	w.next.Store(uint64(snapshot.DurableEpoch))

	w.writers = make([]*Writer, cfg.WriterCount)
	for i := range w.writers {
		buf := make([]byte, cfg.WriterBufferSize)
		w.writers[i] = newWriter(w, uint32(i), buf)
	}

	w.flusher = newFlusher(w)
	w.fsyncer = newFsyncer(w, snapshot.LastSyncedDSID)

	g, _ := errgroup.WithContext(ctx)
	w.group = g
	g.Go(w.flusher.run)
	g.Go(w.fsyncer.run)

	logger.Info("nvwal instance initialized",
		zap.String("nv_root", cfg.NVRoot), zap.String("disk_root", cfg.DiskRoot),
		zap.Bool("restarted", restarting), zap.Uint64("durable_epoch", uint64(snapshot.DurableEpoch)))

	return w, nil
}

// prepareFolders resolves mode against the NV folder's current contents,
// returning whether this Init is restarting an existing instance.
func prepareFolders(cfg Config, mode InitMode) (restarting bool, err error) {
	const op = "nvwal.prepareFolders"
	if err := os.MkdirAll(cfg.DiskRoot, 0700); err != nil {
		return false, newError(ErrKindIO, op, err)
	}

	_, statErr := os.Stat(controlFilePath(cfg.NVRoot))
	exists := statErr == nil

	switch mode {
	case ModeRestart:
		if !exists {
			return false, newError(ErrKindRestart, op, errNoRestartableInstance)
		}
		return true, nil

	case ModeCreateIfNotExists:
		if exists {
			return true, nil
		}
		if err := os.MkdirAll(cfg.NVRoot, 0700); err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		empty, err := dirEmpty(cfg.NVRoot)
		if err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		if !empty {
			return false, newError(ErrKindConfiguration, op, errFolderNotEmpty)
		}
		return false, nil

	case ModeCreateTruncate:
		if err := os.RemoveAll(cfg.NVRoot); err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		if err := os.RemoveAll(cfg.DiskRoot); err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		if err := os.MkdirAll(cfg.NVRoot, 0700); err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		if err := os.MkdirAll(cfg.DiskRoot, 0700); err != nil {
			return false, newError(ErrKindIO, op, err)
		}
		return false, nil

	default:
		return false, newError(ErrKindConfiguration, op, errBadPath)
	}
}

func dirEmpty(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == nil {
		return false, nil
	}
	return true, nil
}

// Uninit signals the flusher and fsyncer to stop, joins them, and releases
// every mapping the instance holds. Calling it twice on the same *WAL is a
// programmer error.
func (w *WAL) Uninit() error {
	const op = "nvwal.WAL.Uninit"
	w.flusher.state.requestStop()
	w.fsyncer.state.requestStop()
	w.cancel()

	if err := w.group.Wait(); err != nil {
		w.logger().Error("agent goroutine exited with error", zap.Error(err))
	}

	var firstErr error
	if err := w.mds.uninit(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.segments.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.cb.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return newError(ErrKindIO, op, firstErr)
	}
	return nil
}

// RegisterWriter returns the pre-provisioned writer context for seqID,
// 0-indexed and bounded by Config.WriterCount.
func (w *WAL) RegisterWriter(seqID uint32) (*Writer, error) {
	const op = "nvwal.WAL.RegisterWriter"
	if int(seqID) >= len(w.writers) {
		return nil, newError(ErrKindConfiguration, op, errWriterCountRange)
	}
	return w.writers[seqID], nil
}

// AdvanceNextEpoch moves NE forward by one epoch. A no-op if e is not after
// the current NE; advancing by more than one epoch returns a Submission
// error. OnWALWrite does not compare its epoch with NE, so no writer
// submission waits on this call.
func (w *WAL) AdvanceNextEpoch(e Epoch) error {
	const op = "nvwal.WAL.AdvanceNextEpoch"
	cur := w.nextEpoch()
	if !IsAfter(e, cur) {
		return nil
	}
	if cur != InvalidEpoch && uint64(e)-uint64(cur) > 1 {
		return newError(ErrKindSubmission, op, errSubmissionHorizon)
	}
	w.next.Store(uint64(e))
	if w.metrics != nil {
		w.metrics.nextEpoch.Set(float64(e))
	}
	return nil
}

// AdvanceStableEpoch moves SE forward, telling the flusher it may durably
// commit up to e. A no-op if e is not after the current SE. Before moving SE
// it waits until the flusher has made the current SE durable; it returns a
// Shutdown error if the instance is torn down while waiting.
func (w *WAL) AdvanceStableEpoch(e Epoch) error {
	const op = "nvwal.WAL.AdvanceStableEpoch"
	cur := w.stableEpoch()
	if !IsAfter(e, cur) {
		return nil
	}
	if IsAfter(e, w.nextEpoch()) {
		return newError(ErrKindSubmission, op, errSubmissionHorizon)
	}
	for IsAfter(cur, w.durableEpoch()) {
		if w.shutdownCtx.Err() != nil {
			return newError(ErrKindShutdown, op, errShuttingDown)
		}
		time.Sleep(100 * time.Microsecond)
	}
	w.stable.Store(uint64(e))
	if w.metrics != nil {
		w.metrics.stableEpoch.Set(float64(e))
	}
	return nil
}

// QueryDurableEpoch returns the last epoch durably persisted in the control
// file, as of the most recent flusher commit this process has observed.
func (w *WAL) QueryDurableEpoch() Epoch {
	return w.durableEpoch()
}

func segmentPath(root string, dsid DSID) string {
	return filepath.Join(root, segmentFileName(dsid))
}
