package nvwal

import (
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// mdsBufferFrame is the NV-mapped write buffer for one page file's
// currently-being-filled tail page. Only the MDS core (on behalf of the
// flusher) ever writes into it; cursors may read a consistent snapshot of
// its bytes directly while the page is still resident.
type mdsBufferFrame struct {
	fileNo   uint64
	pageNo   uint64 // set by mdsCore.init to the page file's page count + 1
	dirty    bool
	baseaddr mmap.MMap

	file *os.File
}

func mdsBufferFilePath(nvRoot string, fileNo uint64) string {
	return filepath.Join(nvRoot, "nvwal_mds_buffer_"+itoa(fileNo))
}

// mdsBufferManager owns one buffer frame per MDS page file, NV-mapped over a
// small per-file scratch file in the NV folder.
type mdsBufferManager struct {
	nvRoot   string
	pageSize uint64
	frames   []*mdsBufferFrame
}

func newMDSBufferManager(nvRoot string, pageSize uint64, numFiles int) *mdsBufferManager {
	return &mdsBufferManager{
		nvRoot:   nvRoot,
		pageSize: pageSize,
		frames:   make([]*mdsBufferFrame, numFiles),
	}
}

// init maps (creating if necessary) every buffer frame. On restart, the
// buffer is simply remapped; assigning it to the specific file-offset it
// should resume at is the MDS core's job, not the buffer manager's.
func (bm *mdsBufferManager) init(mode InitMode) (didRestart bool, err error) {
	const op = "nvwal.mdsBufferManager.init"
	for fileNo := range bm.frames {
		path := mdsBufferFilePath(bm.nvRoot, uint64(fileNo))
		existed := true
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			existed = false
		}
		flags := os.O_RDWR | os.O_CREATE
		f, openErr := os.OpenFile(path, flags, 0600)
		if openErr != nil {
			return false, newError(ErrKindIO, op, openErr)
		}
		if mode == ModeCreateTruncate || !existed {
			if err := preallocate(f, int64(bm.pageSize)); err != nil {
				f.Close()
				return false, newError(ErrKindIO, op, err)
			}
			if err := f.Truncate(int64(bm.pageSize)); err != nil {
				f.Close()
				return false, newError(ErrKindIO, op, err)
			}
		}
		mm, mapErr := mapFile(f, int64(bm.pageSize))
		if mapErr != nil {
			f.Close()
			return false, newError(ErrKindIO, op, mapErr)
		}
		bm.frames[fileNo] = &mdsBufferFrame{fileNo: uint64(fileNo), file: f, baseaddr: mm}
		didRestart = didRestart || existed
	}
	return didRestart, nil
}

func (bm *mdsBufferManager) uninit() error {
	var firstErr error
	for _, fr := range bm.frames {
		if fr == nil {
			continue
		}
		if fr.baseaddr != nil {
			if err := fr.baseaddr.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if fr.file != nil {
			if err := fr.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (bm *mdsBufferManager) frame(fileNo uint64) *mdsBufferFrame {
	return bm.frames[fileNo]
}

// reset zeroes the buffer and assigns it to a new page, called whenever the
// MDS core begins filling a fresh page (after the previous one paged out).
func (fr *mdsBufferFrame) reset(pageNo uint64) {
	for i := range fr.baseaddr {
		fr.baseaddr[i] = 0
	}
	fr.pageNo = pageNo
	fr.dirty = false
}
