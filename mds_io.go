package nvwal

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// mdsPageFile is one append-only page file on disk storing epoch metadata.
// Atomicity of an append is inferred from file size: on restart, any file
// whose size is not a multiple of the page size is truncated down to the
// nearest lower multiple, discarding a torn last page.
type mdsPageFile struct {
	fileNo   uint64
	file     *os.File
	pageSize uint64
	size     int64 // current file size in bytes, kept in sync with appends
}

func mdsPageFilePath(diskRoot string, fileNo uint64) string {
	return filepath.Join(diskRoot, "nvwal_mds_page_file_"+itoa(fileNo))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// mdsIOLayer owns the set of page files for one MDS instance.
type mdsIOLayer struct {
	diskRoot string
	pageSize uint64
	files    []*mdsPageFile
	logger   *zap.Logger
}

func newMDSIOLayer(diskRoot string, pageSize uint64, numFiles int, logger *zap.Logger) *mdsIOLayer {
	return &mdsIOLayer{
		diskRoot: diskRoot,
		pageSize: pageSize,
		files:    make([]*mdsPageFile, numFiles),
		logger:   logger,
	}
}

// init opens every page file, creating it if absent, and truncates a torn
// trailing partial page left over from a crash mid-append. didRestart
// reports whether any file already existed and was kept, which is never
// the case under ModeCreateTruncate.
func (io_ *mdsIOLayer) init(mode InitMode) (didRestart bool, err error) {
	const op = "nvwal.mdsIOLayer.init"
	for fileNo := range io_.files {
		path := mdsPageFilePath(io_.diskRoot, uint64(fileNo))
		existed := true
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			existed = false
		}
		f, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if openErr != nil {
			return false, newError(ErrKindIO, op, openErr)
		}
		fi, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return false, newError(ErrKindIO, op, statErr)
		}
		size := fi.Size()
		if existed && mode != ModeCreateTruncate {
			if rem := size % int64(io_.pageSize); rem != 0 {
				truncated := size - rem
				io_.logger.Warn("truncating torn trailing MDS page",
					zap.Int("file_no", fileNo), zap.Int64("from_size", size),
					zap.Int64("to_size", truncated))
				if err := f.Truncate(truncated); err != nil {
					f.Close()
					return false, newError(ErrKindIO, op, err)
				}
				size = truncated
			}
			didRestart = didRestart || existed
		}
		if mode == ModeCreateTruncate {
			if err := f.Truncate(0); err != nil {
				f.Close()
				return false, newError(ErrKindIO, op, err)
			}
			size = 0
		}
		io_.files[fileNo] = &mdsPageFile{fileNo: uint64(fileNo), file: f, pageSize: io_.pageSize, size: size}
	}
	return didRestart, nil
}

func (io_ *mdsIOLayer) uninit() error {
	var firstErr error
	for _, pf := range io_.files {
		if pf == nil || pf.file == nil {
			continue
		}
		if err := pf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (io_ *mdsIOLayer) file(fileNo uint64) *mdsPageFile {
	return io_.files[fileNo]
}

// appendPage writes exactly one full page, retrying on short writes and on
// EINTR, failing only on other errors.
func (pf *mdsPageFile) appendPage(buf []byte) error {
	const op = "nvwal.mdsPageFile.appendPage"
	if uint64(len(buf)) != pf.pageSize {
		panicInvariant("appendPage buffer size does not match page size")
	}
	written := 0
	for written < len(buf) {
		n, err := pf.file.WriteAt(buf[written:], pf.size+int64(written))
		if n > 0 {
			written += n
		}
		if err != nil {
			if err == io.ErrShortWrite {
				continue
			}
			return newError(ErrKindIO, op, err)
		}
	}
	pf.size += int64(len(buf))
	return nil
}

// readPage reads the page at pageNo (1-based, per the design's page
// numbering) into buf.
func (pf *mdsPageFile) readPage(pageNo uint64, buf []byte) error {
	const op = "nvwal.mdsPageFile.readPage"
	off := int64(pageNo-1) * int64(pf.pageSize)
	n, err := pf.file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return newError(ErrKindIO, op, err)
	}
	if n != len(buf) {
		return newError(ErrKindRestart, op, errMDSCorrupted)
	}
	return nil
}

func (pf *mdsPageFile) pageCount() uint64 {
	return uint64(pf.size) / pf.pageSize
}
