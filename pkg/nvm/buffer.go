package nvm

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Buffer is a durable append buffer: a handle over one carved-out range of
// the pool, filled front to back by a single writer. Bytes below the cursor
// are durable and immutable once Insert returns; bytes at or above it are
// unspecified (they may be stale from a previous allocation cycle) until
// written.
//
// A buffer is owned by exactly one writer at a time. The cursor is atomic
// only so that other goroutines may read Counter and Remaining while the
// writer appends; Insert itself must never be called concurrently. The
// buffer never outlives its pool and freeing it does not erase the
// underlying persistent bytes.
type Buffer struct {
	pool *Pool
	data []byte
	base uint64
	size uint64

	// index is the write cursor: bytes appended so far.
	index atomic.Uint64
}

// Insert appends p at the cursor, makes the written range durable, and
// returns the absolute pool offset at which the data begins. When p does not
// fit in the remaining space it fails with ErrBufferFull and writes nothing;
// the caller should treat the buffer as full and allocate a new one. A
// record is never split across two buffers.
func (b *Buffer) Insert(p []byte) (uint64, error) {
	n := uint64(len(p))
	if n == 0 {
		return 0, ErrEmptyInsert
	}

	cursor := b.index.Load()
	if n > b.size-cursor {
		return 0, fmt.Errorf("%w: %d byte record, %d remaining", ErrBufferFull, n, b.size-cursor)
	}

	copy(b.data[cursor:cursor+n], p)
	if err := b.pool.persist(b.base+cursor, n); err != nil {
		return 0, fmt.Errorf("nvm: persist [%d, %d): %w", b.base+cursor, b.base+cursor+n, err)
	}

	// Advance only after the flush so Counter never reports bytes that could
	// still be lost to a crash.
	b.index.Store(cursor + n)
	return b.base + cursor, nil
}

// SetCursor fast-forwards the write cursor to index without writing any
// bytes. It is the recovery mutator: log replay scans the recovered bytes,
// finds the offset just past the last intact record, and resumes appending
// from there.
func (b *Buffer) SetCursor(index uint64) error {
	if index > b.size {
		return fmt.Errorf("%w: cursor %d past buffer size %d", ErrOutOfBounds, index, b.size)
	}
	b.index.Store(index)
	return nil
}

// SetCounter is SetCursor under the name replay call sites use when they
// track the position as a running byte count rather than an offset. The two
// quantities are the same.
func (b *Buffer) SetCounter(n uint64) error {
	return b.SetCursor(n)
}

// Counter returns the current write cursor: the number of durable bytes in
// the buffer. Safe to call from any goroutine.
func (b *Buffer) Counter() uint64 {
	return b.index.Load()
}

// BaseAddress returns the absolute pool offset of the buffer's first byte.
// Free takes this address to release the buffer's range.
func (b *Buffer) BaseAddress() uint64 {
	return b.base
}

// Size returns the buffer's total capacity in bytes.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Remaining returns the bytes left before the buffer is full. Safe to call
// from any goroutine.
func (b *Buffer) Remaining() uint64 {
	return b.size - b.index.Load()
}

// Bytes returns a read-only view of [offset, offset+length) within the
// buffer, for replaying records out of the mapped region. The view must not
// be written through and is valid only while the pool stays open.
func (b *Buffer) Bytes(offset, length uint64) ([]byte, error) {
	if offset+length > b.size || offset+length < offset {
		return nil, fmt.Errorf("%w: [%d, %d) in buffer of %d bytes", ErrOutOfBounds, offset, offset+length, b.size)
	}
	return b.data[offset : offset+length : offset+length], nil
}

// String summarizes the buffer for diagnostics.
func (b *Buffer) String() string {
	cursor := b.index.Load()
	return fmt.Sprintf("nvm buffer @%d: size %s, written %s, remaining %s",
		b.base,
		humanize.IBytes(b.size),
		humanize.IBytes(cursor),
		humanize.IBytes(b.size-cursor),
	)
}
