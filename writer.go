package nvwal

import (
	"sync"
	"sync/atomic"
)

// epochFrame is one slot of a writer's 5-frame ring. A frame with
// logEpoch == InvalidEpoch is unused. Offsets are relative to the writer's
// ring buffer.
type epochFrame struct {
	headOffset uint64
	tailOffset uint64
	logEpoch   atomic.Uint64 // Epoch, published last (release-store)
	userMeta0  uint64
	userMeta1  uint64
}

func (f *epochFrame) epoch() Epoch { return Epoch(f.logEpoch.Load()) }

// Writer is a per-producer context: a ring of EpochFrameCount frames over a
// byte buffer of Config.WriterBufferSize bytes that Init allocates. Exactly
// one goroutine may call HasEnoughSpace
// and OnWALWrite for a given Writer; that is the writer's single-threaded
// contract, not one this type enforces.
type Writer struct {
	wal      *WAL
	seqID    uint32
	buffer   []byte
	bufSize  uint64

	frames      [EpochFrameCount]epochFrame
	activeFrame atomic.Uint32 // index into frames, published last

	// lastTailOffset mirrors the active frame's tail_offset for fast,
	// writer-only reads; the design calls the duplication redundant and
	// leaves collapsing it to the implementer (see DESIGN.md).
	lastTailOffset uint64

	mu             sync.Mutex
	frameReclaimed *sync.Cond
}

func newWriter(wal *WAL, seqID uint32, buffer []byte) *Writer {
	w := &Writer{
		wal:     wal,
		seqID:   seqID,
		buffer:  buffer,
		bufSize: uint64(len(buffer)),
	}
	w.frameReclaimed = sync.NewCond(&w.mu)
	return w
}

func (w *Writer) active() *epochFrame {
	return &w.frames[w.activeFrame.Load()]
}

// HasEnoughSpace reports whether writing size more bytes would not overtake
// the flusher's copy pointer. The worst case sums every live frame's
// unflushed region, not just the active one: older frames the flusher
// hasn't caught up to yet still occupy space in the shared ring buffer.
// Non-blocking.
func (w *Writer) HasEnoughSpace(size int) bool {
	var unflushed uint64
	for i := range w.frames {
		f := &w.frames[i]
		if f.epoch() == InvalidEpoch {
			continue
		}
		unflushed += f.tailOffset - f.headOffset
	}
	return unflushed+uint64(size) <= w.bufSize
}

// OnWALWrite copies data into the ring buffer at the active frame's current
// tail and records that those bytes were submitted under epoch. It blocks
// only if the frame slot it must switch into has not yet been reclaimed by
// the flusher.
func (w *Writer) OnWALWrite(data []byte, epoch Epoch, meta0, meta1 uint64) error {
	const op = "nvwal.Writer.OnWALWrite"
	size := len(data)
	if size == 0 {
		return nil
	}
	if uint64(size) > w.bufSize {
		return newError(ErrKindSpace, op, errWriteTooLarge)
	}

	// put copies data into the ring buffer at offset off, wrapping around.
	put := func(off uint64) {
		n := copy(w.buffer[off%w.bufSize:], data)
		copy(w.buffer, data[n:])
	}

	f := w.active()
	curEpoch := f.epoch()

	switch {
	case curEpoch == epoch:
		put(f.tailOffset)
		f.tailOffset += uint64(size)
		w.lastTailOffset = f.tailOffset
		return nil

	case curEpoch == InvalidEpoch || IsAfter(epoch, curEpoch):
		nextIdx := (w.activeFrame.Load() + 1) % EpochFrameCount
		next := &w.frames[nextIdx]

		w.mu.Lock()
		for next.epoch() != InvalidEpoch {
			w.frameReclaimed.Wait()
		}
		w.mu.Unlock()

		head := w.lastTailOffset
		put(head)
		next.headOffset = head
		next.tailOffset = head + uint64(size)
		next.userMeta0 = meta0
		next.userMeta1 = meta1
		next.logEpoch.Store(uint64(epoch)) // release-store of frame contents
		w.activeFrame.Store(nextIdx)        // published last

		w.lastTailOffset = next.tailOffset
		return nil

	default:
		return newError(ErrKindSubmission, op, errSubmissionTooOld)
	}
}

// reclaimFrames resets any frame whose epoch is more than two epochs behind
// de, waking any writer blocked in OnWALWrite waiting for a slot. Called
// only by the flusher.
func (w *Writer) reclaimFrames(de Epoch) {
	reclaimed := false
	for i := range w.frames {
		f := &w.frames[i]
		e := f.epoch()
		if e == InvalidEpoch {
			continue
		}
		if de == InvalidEpoch || IsAfter(de, e) {
			// de - e > 2, cyclically, i.e. e is more than two behind de.
			if uint64(de)-uint64(e) > 2 {
				f.logEpoch.Store(uint64(InvalidEpoch))
				reclaimed = true
			}
		}
	}
	if reclaimed {
		w.mu.Lock()
		w.frameReclaimed.Broadcast()
		w.mu.Unlock()
	}
}

// activeFrameIndex returns the ring index the writer is currently
// appending to (an acquire-load, paired with the release-store in
// OnWALWrite).
func (w *Writer) activeFrameIndex() uint32 {
	return w.activeFrame.Load()
}

// frameAt returns the frame at ring index i (mod EpochFrameCount). Called
// by the flusher, which only ever reads headOffset/tailOffset/userMeta and
// the frame's epoch via epochFrame.epoch()'s acquire-load.
func (w *Writer) frameAt(i uint32) *epochFrame {
	return &w.frames[i%EpochFrameCount]
}
