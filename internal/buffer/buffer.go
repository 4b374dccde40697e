// Package buffer implements the bounded framed buffer connecting pipeline
// stages: a fixed-capacity byte arena exposing blocking framed writes and
// reads with backpressure and cooperative cancellation.
//
// Frames occupy contiguous arena regions. Reservations, commits, claims, and
// releases each proceed in FIFO order, so several workers may hold distinct
// frames at once while cursor mutation stays serialized. When the space at
// the end of the arena is too small for a frame, a padding extent fills it
// and the frame wraps to the front.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mvail/capstream/internal/message"
)

// Sentinel errors returned by buffer operations.
var (
	// ErrCancelled reports cooperative shutdown: the buffer was cancelled
	// while the caller was waiting or before it called. Not a failure.
	ErrCancelled = errors.New("buffer: cancelled")

	// ErrEndOfStream reports clean completion: a Close frame has been
	// claimed and no further frames will ever arrive.
	ErrEndOfStream = errors.New("buffer: end of stream")

	// ErrClosed reports a write attempted after a Close frame was committed.
	ErrClosed = errors.New("buffer: closed for writing")
)

// slot tracks one arena extent: a frame (header + payload) or wrap padding.
type slot struct {
	off, n    int
	pad       bool
	committed bool
	released  bool
	hdr       message.Header
}

// Buffer is a fixed-capacity framed byte arena shared by the producer and
// consumer stages attached to it. All methods are safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	arena    []byte
	slots    []*slot
	next     int // index into slots of the next frame to claim
	wr       int // arena offset of the next reservation
	freeTail int // arena offset of the oldest live byte
	used     int // bytes reserved or committed, including padding

	cancelled   bool
	writeClosed bool // Close committed; no further writes
	eos         bool // Close claimed; no further reads
}

// New creates a Buffer with the given arena capacity in bytes.
func New(capacity int) *Buffer {
	b := &Buffer{arena: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Cap returns the arena capacity in bytes.
func (b *Buffer) Cap() int { return len(b.arena) }

// Used returns the bytes currently resident, including in-flight
// reservations and wrap padding. Never exceeds Cap.
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// WriteFrame is an uncommitted reservation. Bytes is the payload region;
// the frame becomes visible to readers only after Commit.
type WriteFrame struct {
	Bytes []byte

	b   *Buffer
	s   *slot
	typ message.Type
}

// BeginWrite blocks until size+header contiguous bytes are free, then
// reserves them for a frame of the given type. Fails with ErrCancelled if
// the buffer is cancelled while waiting, with ErrClosed once a Close frame
// has been committed, and immediately if the frame cannot ever fit.
func (b *Buffer) BeginWrite(typ message.Type, size int) (*WriteFrame, error) {
	total := message.HeaderSize + size
	if total > len(b.arena) {
		return nil, fmt.Errorf("buffer: frame of %d bytes exceeds capacity %d", total, len(b.arena))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.cancelled {
			return nil, ErrCancelled
		}
		if b.writeClosed {
			return nil, ErrClosed
		}
		if s, ok := b.reserve(total); ok {
			return &WriteFrame{
				Bytes: b.arena[s.off+message.HeaderSize : s.off+s.n],
				b:     b,
				s:     s,
				typ:   typ,
			}, nil
		}
		b.cond.Wait()
	}
}

// reserve finds a contiguous extent of total bytes, inserting a padding slot
// when the frame must wrap. Caller holds mu.
func (b *Buffer) reserve(total int) (*slot, bool) {
	if b.used == 0 {
		b.wr, b.freeTail = 0, 0
	}
	if total > len(b.arena)-b.used {
		return nil, false
	}

	off := b.wr
	if b.wr >= b.freeTail {
		// Occupied region does not wrap; free space runs to the arena end.
		if total > len(b.arena)-b.wr {
			// Wrap: pad out the tail, then place at the front.
			if total > b.freeTail {
				return nil, false
			}
			if pad := len(b.arena) - b.wr; pad > 0 {
				b.slots = append(b.slots, &slot{off: b.wr, n: pad, pad: true, committed: true})
				b.used += pad
			}
			off = 0
		}
	} else if total > b.freeTail-b.wr {
		// Occupied region wraps; free space is the gap before freeTail.
		return nil, false
	}

	s := &slot{off: off, n: total}
	b.slots = append(b.slots, s)
	b.used += total
	b.wr = (off + total) % len(b.arena)
	return s, true
}

// Commit publishes the frame, making it visible to readers in reservation
// order, and wakes blocked readers. A Close frame also seals the buffer
// against further writes.
func (f *WriteFrame) Commit() {
	b := f.b
	b.mu.Lock()
	defer b.mu.Unlock()

	f.s.hdr = message.Header{Type: f.typ, Size: uint64(f.s.n - message.HeaderSize)}
	message.EncodeHeader(b.arena[f.s.off:], f.s.hdr)
	f.s.committed = true
	if f.typ == message.TypeClose {
		b.writeClosed = true
	}
	b.cond.Broadcast()
}

// ReadFrame is a claimed frame. Data borrows the arena payload region and is
// valid only until Release.
type ReadFrame struct {
	Header message.Header
	Data   []byte

	b *Buffer
	s *slot
}

// BeginRead blocks until a complete frame is available and claims it. After
// a Close frame has been claimed it fails with ErrEndOfStream; it fails with
// ErrCancelled if the buffer is cancelled.
func (b *Buffer) BeginRead() (*ReadFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		// Padding extents release themselves as they reach the frontier.
		freed := false
		for b.next < len(b.slots) && b.slots[b.next].pad {
			b.slots[b.next].released = true
			b.next++
			freed = true
		}
		if freed {
			b.popReleased()
		}

		if b.eos {
			return nil, ErrEndOfStream
		}
		if b.cancelled {
			return nil, ErrCancelled
		}
		if b.next < len(b.slots) && b.slots[b.next].committed {
			s := b.slots[b.next]
			b.next++
			if s.hdr.Type == message.TypeClose {
				b.eos = true
			}
			return &ReadFrame{
				Header: s.hdr,
				Data:   b.arena[s.off+message.HeaderSize : s.off+s.n],
				b:      b,
				s:      s,
			}, nil
		}
		b.cond.Wait()
	}
}

// Release returns the frame's arena bytes to the writer side. Space is
// reclaimed in frame order, so releasing out of order is safe.
func (f *ReadFrame) Release() {
	b := f.b
	b.mu.Lock()
	defer b.mu.Unlock()
	f.s.released = true
	b.popReleased()
}

// popReleased reclaims the released prefix of the slot queue and wakes
// blocked writers. Caller holds mu.
func (b *Buffer) popReleased() {
	n := 0
	for n < len(b.slots) && b.slots[n].released {
		b.used -= b.slots[n].n
		b.freeTail = (b.slots[n].off + b.slots[n].n) % len(b.arena)
		n++
	}
	if n > 0 {
		b.slots = b.slots[n:]
		b.next -= n
		b.cond.Broadcast()
	}
}

// Cancel sets the cancelled flag and wakes every blocked waiter; all
// subsequent operations fail with ErrCancelled. Idempotent.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled {
		return
	}
	b.cancelled = true
	b.cond.Broadcast()
}

// WriteMessage reserves, fills, and commits a frame in one call.
func (b *Buffer) WriteMessage(typ message.Type, payload []byte) error {
	f, err := b.BeginWrite(typ, len(payload))
	if err != nil {
		return err
	}
	copy(f.Bytes, payload)
	f.Commit()
	return nil
}

// WriteClose writes the terminal Close frame. Every producer that detaches
// cleanly must call this as its final act so downstream stages terminate
// deterministically.
func (b *Buffer) WriteClose() error {
	return b.WriteMessage(message.TypeClose, nil)
}
