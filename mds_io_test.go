package nvwal

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestMDSIOLayerAppendAndReadPage(t *testing.T) {
	dir := t.TempDir()
	io_ := newMDSIOLayer(dir, 64, 1, zap.NewNop())
	if _, err := io_.init(ModeCreateIfNotExists); err != nil {
		t.Fatal(err)
	}
	defer io_.uninit()

	pf := io_.file(0)
	page := make([]byte, 64)
	for i := range page {
		page[i] = byte(i)
	}
	if err := pf.appendPage(page); err != nil {
		t.Fatal(err)
	}
	if pf.pageCount() != 1 {
		t.Fatalf("pageCount = %d, want 1", pf.pageCount())
	}

	readBack := make([]byte, 64)
	if err := pf.readPage(1, readBack); err != nil {
		t.Fatal(err)
	}
	for i := range page {
		if readBack[i] != page[i] {
			t.Fatalf("byte %d = %d, want %d", i, readBack[i], page[i])
		}
	}
}

func TestMDSIOLayerAppendRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	io_ := newMDSIOLayer(dir, 64, 1, zap.NewNop())
	if _, err := io_.init(ModeCreateIfNotExists); err != nil {
		t.Fatal(err)
	}
	defer io_.uninit()

	defer func() {
		if recover() == nil {
			t.Fatal("expected appendPage to panic on a wrong-sized buffer")
		}
	}()
	_ = io_.file(0).appendPage(make([]byte, 10))
}

func TestMDSIOLayerRestartTruncatesTornPage(t *testing.T) {
	dir := t.TempDir()
	path := mdsPageFilePath(dir, 0)

	// Simulate a crash mid-append: a file whose size is not a whole number
	// of pages.
	if err := os.WriteFile(path, make([]byte, 100), 0600); err != nil {
		t.Fatal(err)
	}

	io_ := newMDSIOLayer(dir, 64, 1, zap.NewNop())
	didRestart, err := io_.init(ModeRestart)
	if err != nil {
		t.Fatal(err)
	}
	if !didRestart {
		t.Fatal("expected init to report a restart")
	}
	if io_.file(0).pageCount() != 1 {
		t.Fatalf("pageCount after truncating torn tail = %d, want 1", io_.file(0).pageCount())
	}
	io_.uninit()
}

func TestMDSPageFilePath(t *testing.T) {
	got := mdsPageFilePath("/nv", 3)
	want := filepath.Join("/nv", "nvwal_mds_page_file_3")
	if got != want {
		t.Fatalf("mdsPageFilePath = %q, want %q", got, want)
	}
}
