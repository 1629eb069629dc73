package nvwal

import "testing"

func TestMDSBufferManagerInitCreatesFrames(t *testing.T) {
	dir := t.TempDir()
	bm := newMDSBufferManager(dir, 64, 1)
	didRestart, err := bm.init(ModeCreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	if didRestart {
		t.Fatal("expected a fresh buffer manager to report no restart")
	}
	defer bm.uninit()

	fr := bm.frame(0)
	if len(fr.baseaddr) != 64 {
		t.Fatalf("baseaddr len = %d, want 64", len(fr.baseaddr))
	}
}

func TestMDSBufferFrameReset(t *testing.T) {
	dir := t.TempDir()
	bm := newMDSBufferManager(dir, 64, 1)
	if _, err := bm.init(ModeCreateIfNotExists); err != nil {
		t.Fatal(err)
	}
	defer bm.uninit()

	fr := bm.frame(0)
	fr.baseaddr[0] = 0xFF
	fr.dirty = true
	fr.reset(7)

	if fr.pageNo != 7 {
		t.Fatalf("pageNo = %d, want 7", fr.pageNo)
	}
	if fr.dirty {
		t.Fatal("expected reset to clear dirty")
	}
	if fr.baseaddr[0] != 0 {
		t.Fatal("expected reset to zero the buffer")
	}
}

func TestMDSBufferManagerRestartRemaps(t *testing.T) {
	dir := t.TempDir()
	bm := newMDSBufferManager(dir, 64, 1)
	if _, err := bm.init(ModeCreateIfNotExists); err != nil {
		t.Fatal(err)
	}
	bm.frame(0).baseaddr[0] = 42
	if err := bm.uninit(); err != nil {
		t.Fatal(err)
	}

	bm2 := newMDSBufferManager(dir, 64, 1)
	didRestart, err := bm2.init(ModeRestart)
	if err != nil {
		t.Fatal(err)
	}
	if !didRestart {
		t.Fatal("expected restart to be reported for an existing buffer file")
	}
	if bm2.frame(0).baseaddr[0] != 42 {
		t.Fatal("expected remapped buffer to preserve previously written bytes")
	}
	bm2.uninit()
}
