package nvwal

import (
	"testing"

	"go.uber.org/zap"
)

func TestEncodeDecodeMDSEntryRoundTrip(t *testing.T) {
	e := mdsEntry{
		Epoch:       42,
		FirstDSID:   1,
		FirstOffset: 100,
		LastDSID:    2,
		LastOffset:  200,
		Meta0:       7,
		Meta1:       8,
	}
	buf := make([]byte, sizeofMDSEntry)
	encodeMDSEntry(buf, e)
	got, ok := decodeMDSEntry(buf)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if got != e {
		t.Fatalf("decoded entry = %+v, want %+v", got, e)
	}
}

func TestDecodeMDSEntryDetectsCorruption(t *testing.T) {
	buf := make([]byte, sizeofMDSEntry)
	encodeMDSEntry(buf, mdsEntry{Epoch: 1})
	buf[0] ^= 0xFF
	if _, ok := decodeMDSEntry(buf); ok {
		t.Fatal("expected decode to detect a flipped byte via checksum")
	}
}

func newTestMDSCore(t *testing.T, pageSize, numFiles uint64) *mdsCore {
	t.Helper()
	nvRoot := t.TempDir()
	diskRoot := t.TempDir()
	cfg := Config{NVRoot: nvRoot, DiskRoot: diskRoot, WriterCount: 1, SegmentSize: 4096,
		NVQuota: 4096, WriterBufferSize: 4096, MDSPageSize: pageSize}
	cb, err := createControlFile(nvRoot, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cb.Close() })

	io_ := newMDSIOLayer(diskRoot, pageSize, int(numFiles), zap.NewNop())
	bm := newMDSBufferManager(nvRoot, pageSize, int(numFiles))
	m := newMDSCore(io_, bm, cb, pageSize, numFiles, zap.NewNop())
	if _, err := m.init(ModeCreateIfNotExists, InvalidEpoch); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.uninit() })
	return m
}

func TestMDSCoreStripingFormulaSingleFile(t *testing.T) {
	m := newTestMDSCore(t, sizeofMDSEntry*4, 1)

	// entriesPerPage == 4, so epochs 1..4 land on page 1, 5..8 on page 2.
	for e := Epoch(1); e <= 8; e++ {
		if got := m.epochToFileNo(e); got != 0 {
			t.Fatalf("epochToFileNo(%d) = %d, want 0", e, got)
		}
	}
	if got := m.epochToPageNo(1); got != 1 {
		t.Fatalf("epochToPageNo(1) = %d, want 1", got)
	}
	if got := m.epochToPageNo(4); got != 1 {
		t.Fatalf("epochToPageNo(4) = %d, want 1", got)
	}
	if got := m.epochToPageNo(5); got != 2 {
		t.Fatalf("epochToPageNo(5) = %d, want 2", got)
	}
	if got := m.epochToPageOffset(1); got != 0 {
		t.Fatalf("epochToPageOffset(1) = %d, want 0", got)
	}
	if got := m.epochToPageOffset(5); got != 0 {
		t.Fatalf("epochToPageOffset(5) = %d, want 0", got)
	}
	if got := m.epochToPageOffset(8); got != 3 {
		t.Fatalf("epochToPageOffset(8) = %d, want 3", got)
	}
}

func TestMDSCoreWriteEpochRejectsNonMonotonic(t *testing.T) {
	m := newTestMDSCore(t, sizeofMDSEntry*4, 1)
	if err := m.writeEpoch(5, mdsEntry{Epoch: 5}); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic writing a non-monotonic epoch")
		}
	}()
	_ = m.writeEpoch(5, mdsEntry{Epoch: 5})
}

func TestMDSCoreWriteThenReadEpochFromBuffer(t *testing.T) {
	m := newTestMDSCore(t, sizeofMDSEntry*4, 1)
	entry := mdsEntry{Epoch: 1, FirstDSID: 1, FirstOffset: 0, LastDSID: 1, LastOffset: 10}
	if err := m.writeEpoch(1, entry); err != nil {
		t.Fatal(err)
	}
	got, err := m.readEpoch(1)
	if err != nil {
		t.Fatal(err)
	}
	if got != entry {
		t.Fatalf("readEpoch = %+v, want %+v", got, entry)
	}
}

func TestMDSCoreReadEpochRejectsBeyondLatest(t *testing.T) {
	m := newTestMDSCore(t, sizeofMDSEntry*4, 1)
	if err := m.writeEpoch(1, mdsEntry{Epoch: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := m.readEpoch(2)
	if err == nil {
		t.Fatal("expected an error reading an epoch beyond latest")
	}
	nerr, ok := err.(*Error)
	if !ok || nerr.Kind != ErrKindCursor {
		t.Fatalf("expected ErrKindCursor, got %v", err)
	}
}

func TestMDSCorePagesOutOnPageBoundary(t *testing.T) {
	// entriesPerPage == 2; writing 3 epochs forces a page-out of page 1
	// before page 2 starts.
	m := newTestMDSCore(t, sizeofMDSEntry*2, 1)
	for e := Epoch(1); e <= 3; e++ {
		if err := m.writeEpoch(e, mdsEntry{Epoch: e}); err != nil {
			t.Fatal(err)
		}
	}
	if m.io_.file(0).pageCount() != 1 {
		t.Fatalf("pageCount = %d, want 1 (page 1 paged out, page 2 still resident)", m.io_.file(0).pageCount())
	}

	// Epoch 1 now only lives on disk, not in the buffer.
	got, err := m.readEpoch(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epoch != 1 {
		t.Fatalf("readEpoch(1).Epoch = %d, want 1", got.Epoch)
	}

	snap, err := m.cb.loadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.PagedMDSEpoch != 2 {
		t.Fatalf("persisted paged_mds_epoch = %d, want 2", snap.PagedMDSEpoch)
	}
}

func TestMDSCoreReadEpochRange(t *testing.T) {
	m := newTestMDSCore(t, sizeofMDSEntry*4, 1)
	for e := Epoch(1); e <= 5; e++ {
		if err := m.writeEpoch(e, mdsEntry{Epoch: e}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := m.readEpochRange(2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i, entry := range entries {
		if entry.Epoch != Epoch(2+i) {
			t.Fatalf("entries[%d].Epoch = %d, want %d", i, entry.Epoch, 2+i)
		}
	}
}
