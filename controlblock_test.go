package nvwal

import (
	"testing"

	"go.uber.org/zap"
)

func testCBConfig(nvRoot string) Config {
	return Config{
		NVRoot: nvRoot, DiskRoot: nvRoot, WriterCount: 3,
		SegmentSize: 4096, NVQuota: 4096 * 8, WriterBufferSize: 4096, MDSPageSize: 4096,
	}
}

func TestControlFileCreateThenOpenRoundTrip(t *testing.T) {
	nvRoot := t.TempDir()
	cfg := testCBConfig(nvRoot)

	cb, err := createControlFile(nvRoot, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.persistDurableEpoch(7); err != nil {
		t.Fatal(err)
	}
	if err := cb.persistLastSyncedDSID(DSID(3)); err != nil {
		t.Fatal(err)
	}
	if err := cb.Close(); err != nil {
		t.Fatal(err)
	}

	cb2, err := openControlFile(nvRoot, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer cb2.Close()

	snap, err := cb2.loadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.DurableEpoch != 7 {
		t.Fatalf("DurableEpoch = %d, want 7", snap.DurableEpoch)
	}
	if snap.LastSyncedDSID != 3 {
		t.Fatalf("LastSyncedDSID = %d, want 3", snap.LastSyncedDSID)
	}
	if snap.PersistedConfig.WriterCount != cfg.WriterCount {
		t.Fatalf("WriterCount = %d, want %d", snap.PersistedConfig.WriterCount, cfg.WriterCount)
	}
	if snap.PersistedConfig.NVRoot != cfg.NVRoot {
		t.Fatalf("NVRoot = %q, want %q", snap.PersistedConfig.NVRoot, cfg.NVRoot)
	}
}

func TestOpenControlFileMissingIsRestartError(t *testing.T) {
	nvRoot := t.TempDir()
	_, err := openControlFile(nvRoot, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error opening a control file that was never created")
	}
	nerr, ok := err.(*Error)
	if !ok || nerr.Kind != ErrKindRestart {
		t.Fatalf("expected ErrKindRestart, got %v", err)
	}
}

func TestControlFileVersionMismatchRejected(t *testing.T) {
	nvRoot := t.TempDir()
	cfg := testCBConfig(nvRoot)
	cb, err := createControlFile(nvRoot, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	encodeConfigSection(cb.mm, formatVersion+1, cfg)
	if err := flushToPersistence(cb.mm, 0, len(cb.mm)); err != nil {
		t.Fatal(err)
	}
	cb.Close()

	_, err = openControlFile(nvRoot, zap.NewNop())
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
	nerr, ok := err.(*Error)
	if !ok || nerr.Kind != ErrKindRestart {
		t.Fatalf("expected ErrKindRestart, got %v", err)
	}
}

func TestControlFileDoubleLockFails(t *testing.T) {
	nvRoot := t.TempDir()
	cfg := testCBConfig(nvRoot)
	cb, err := createControlFile(nvRoot, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	if _, err := openControlFile(nvRoot, zap.NewNop()); err == nil {
		t.Fatal("expected a second open of the same control file to fail the flock")
	}
}
