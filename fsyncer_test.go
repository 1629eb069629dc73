package nvwal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFsyncerEventuallyCopiesSegmentToDisk(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.SegmentSize = 512
	cfg.NVQuota = 512 * 4
	cfg.WriterBufferSize = 512

	w, err := Init(cfg, ModeCreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Uninit()

	writer, err := w.RegisterWriter(0)
	if err != nil {
		t.Fatal(err)
	}

	// Fill past one full segment so the flusher requests an fsync on it.
	payload := make([]byte, 500)
	if err := w.AdvanceNextEpoch(1); err != nil {
		t.Fatal(err)
	}
	if err := writer.OnWALWrite(payload, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.AdvanceStableEpoch(1); err != nil {
		t.Fatal(err)
	}
	if err := w.AdvanceNextEpoch(2); err != nil {
		t.Fatal(err)
	}
	if err := writer.OnWALWrite(payload, 2, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.AdvanceStableEpoch(2); err != nil {
		t.Fatal(err)
	}
	waitForDurable(t, w, 2)

	path := filepath.Join(cfg.DiskRoot, segmentFileName(DSID(1)))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("segment %s was never fsynced to disk", path)
}

func TestNewFsyncerResumesAfterLastSyncedDSID(t *testing.T) {
	wal := &WAL{cfg: Config{}}
	fs := newFsyncer(wal, DSID(5))
	if fs.nextDSID != 6 {
		t.Fatalf("nextDSID = %d, want 6", fs.nextDSID)
	}
}
