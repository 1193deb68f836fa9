// Package nvm manages the memory-mapped persistent-memory region backing a
// log-structured engine's write path. A Pool owns the whole mapping for one
// open database and carves it into durable append Buffers that writer
// goroutines fill directly with byte-addressable stores instead of buffered
// file I/O. The carved-out bytes survive process crashes; on restart the
// engine replays its allocation descriptors through Recover to reattach
// buffers over the still-resident bytes.
package nvm

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/ncw/directio"

	"slate/internal/pmem"
)

// Descriptor identifies one carved-out range of the pool. The engine persists
// the descriptors of its live buffers in its own metadata and feeds them back
// to Recover after a restart.
type Descriptor struct {
	Offset uint64
	Size   uint64
}

func (d Descriptor) end() uint64 {
	return d.Offset + d.Size
}

func (d Descriptor) overlaps(other Descriptor) bool {
	return d.Offset < other.end() && other.Offset < d.end()
}

// Pool is the arena allocator over one memory-mapped persistent-memory file.
// There is a single Pool per open database; it outlives every Buffer derived
// from it.
//
// Allocation is bump-style over [logCap, cap): a freed range goes on a free
// list that Allocate consults first-fit before advancing the bump cursor, so
// the log-structured free-in-allocation-order pattern recycles space instead
// of exhausting the pool.
type Pool struct {
	path string
	file *os.File
	data []byte

	// dax is true when the mapping was obtained with MAP_SYNC, meaning the
	// file sits on real persistent memory.
	dax            bool
	volatileWrites bool

	// mu guards the allocation bookkeeping below. Critical sections are
	// cursor and list updates only; Insert on an already-carved buffer never
	// takes it.
	mu     sync.Mutex
	cap    uint64
	logCap uint64
	index  uint64 // next unallocated byte, logCap <= index <= cap
	usage  []Descriptor
	freed  []Descriptor
	closed bool
}

// Open maps or creates the backing persistent-memory file at path and returns
// the pool over it. A new file is preallocated and zero-filled; an existing
// file is mapped as-is so that a prior run's bytes stay intact for Recover.
// An existing file smaller than the configured pool size is a configuration
// error, not something to silently grow over.
func Open(path string, opts ...Option) (*Pool, error) {
	o := options{
		size:           DefaultPoolSize,
		logReservation: DefaultLogReservation,
	}
	for _, opt := range opts {
		opt(&o)
	}

	size := roundUpBlock(o.size)
	logCap := roundUpBlock(o.logReservation)
	if size == 0 {
		return nil, fmt.Errorf("nvm: pool size must be greater than 0")
	}
	if logCap >= size {
		return nil, fmt.Errorf("nvm: log reservation %d leaves no carve-out space in pool of %d bytes", logCap, size)
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := preallocate(path, int64(size)); err != nil {
			return nil, fmt.Errorf("nvm: preallocate %q: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("nvm: stat %q: %w", path, err)
	case uint64(info.Size()) < size:
		return nil, fmt.Errorf("nvm: backing file %q is %d bytes, pool needs %d", path, info.Size(), size)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("nvm: open %q: %w", path, err)
	}

	data, dax, err := pmem.Map(file, int(size), o.strict)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Pool{
		path:           path,
		file:           file,
		data:           data,
		dax:            dax,
		volatileWrites: o.volatileWrites,
		cap:            size,
		logCap:         logCap,
		index:          logCap,
	}, nil
}

// Allocate carves a previously-unused contiguous range of capacity bytes and
// returns a fresh buffer over it. The first free-list span large enough is
// reused before the bump cursor advances; a reused span's surplus stays on
// the free list.
func (p *Pool) Allocate(capacity uint64) (*Buffer, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: zero-size allocation", ErrOutOfBounds)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	for i, span := range p.freed {
		if span.Size < capacity {
			continue
		}
		if span.Size == capacity {
			p.freed = append(p.freed[:i], p.freed[i+1:]...)
		} else {
			p.freed[i] = Descriptor{Offset: span.Offset + capacity, Size: span.Size - capacity}
		}
		d := Descriptor{Offset: span.Offset, Size: capacity}
		p.usage = append(p.usage, d)
		return p.newBuffer(d), nil
	}

	if p.index+capacity > p.cap {
		return nil, fmt.Errorf("%w: %s requested, %s left past the cursor",
			ErrPoolFull, humanize.IBytes(capacity), humanize.IBytes(p.cap-p.index))
	}
	d := Descriptor{Offset: p.index, Size: capacity}
	p.index += capacity
	p.usage = append(p.usage, d)
	return p.newBuffer(d), nil
}

// Reallocate reconstructs a buffer over the already-existing range
// [offset, offset+capacity). It is the recovery path: the bytes are not
// zeroed and the bump cursor does not move. The range must lie inside the
// carve-out region and must not overlap a live allocation.
func (p *Pool) Reallocate(offset, capacity uint64) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.reallocateLocked(offset, capacity)
}

func (p *Pool) reallocateLocked(offset, capacity uint64) (*Buffer, error) {
	d := Descriptor{Offset: offset, Size: capacity}
	if capacity == 0 || offset < p.logCap || d.end() > p.cap {
		return nil, fmt.Errorf("%w: [%d, %d) outside carve-out region [%d, %d)",
			ErrOutOfBounds, offset, d.end(), p.logCap, p.cap)
	}
	for _, live := range p.usage {
		if d.overlaps(live) {
			return nil, fmt.Errorf("%w: [%d, %d) overlaps live range [%d, %d)",
				ErrRecovery, offset, d.end(), live.Offset, live.end())
		}
	}
	// A freed span belongs to the allocator again; reconstructing a handle
	// over it would leave two owners for the same bytes once Allocate
	// recycles the span.
	for _, span := range p.freed {
		if d.overlaps(span) {
			return nil, fmt.Errorf("%w: [%d, %d) overlaps freed range [%d, %d)",
				ErrRecovery, offset, d.end(), span.Offset, span.end())
		}
	}
	p.usage = append(p.usage, d)
	return p.newBuffer(d), nil
}

// Free releases the range whose base address was returned by Allocate or
// Reallocate back to the free list. Freeing an unknown or already-freed
// address fails with ErrInvalidAddress and leaves the accounting untouched.
// The persistent bytes themselves are not erased.
func (p *Pool) Free(address uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for i, d := range p.usage {
		if d.Offset != address {
			continue
		}
		p.usage = append(p.usage[:i], p.usage[i+1:]...)
		p.release(d)
		return nil
	}
	return fmt.Errorf("%w: %d", ErrInvalidAddress, address)
}

// release puts a span on the free list, coalescing with adjacent free spans
// so the list stays short under the engine's free-in-allocation-order
// pattern.
func (p *Pool) release(d Descriptor) {
	for i := 0; i < len(p.freed); {
		span := p.freed[i]
		if span.end() == d.Offset || d.end() == span.Offset {
			if span.Offset < d.Offset {
				d = Descriptor{Offset: span.Offset, Size: span.Size + d.Size}
			} else {
				d = Descriptor{Offset: d.Offset, Size: d.Size + span.Size}
			}
			p.freed = append(p.freed[:i], p.freed[i+1:]...)
			continue
		}
		i++
	}
	p.freed = append(p.freed, d)
}

// Recover reconstructs a buffer for every descriptor that survived a prior
// run and advances the bump cursor past the highest-offset descriptor so
// future Allocate calls never hand out recovered space. Any inconsistent
// descriptor aborts the pass and rolls back the reconstructions it made;
// proceeding on a guess would leave two owners for the same persistent bytes.
//
// The returned buffers have a zero cursor. The engine's log replay determines
// the durable extent of each and fast-forwards it with SetCursor.
func (p *Pool) Recover(descs []Descriptor) ([]*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	before := len(p.usage)
	buffers := make([]*Buffer, 0, len(descs))
	end := p.index
	for _, d := range descs {
		b, err := p.reallocateLocked(d.Offset, d.Size)
		if err != nil {
			p.usage = p.usage[:before]
			return nil, fmt.Errorf("%w: %w", ErrRecovery, err)
		}
		buffers = append(buffers, b)
		if d.end() > end {
			end = d.end()
		}
	}
	p.index = end
	return buffers, nil
}

// LogBytes returns the reserved region at the head of the pool. Its layout
// and framing belong to the engine's log module.
func (p *Pool) LogBytes() []byte {
	return p.data[:p.logCap:p.logCap]
}

// Cap returns the total pool capacity in bytes.
func (p *Pool) Cap() uint64 {
	return p.cap
}

// Reserved returns the size of the log reservation.
func (p *Pool) Reserved() uint64 {
	return p.logCap
}

// Used returns the summed size of live allocations.
func (p *Pool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var used uint64
	for _, d := range p.usage {
		used += d.Size
	}
	return used
}

// Live returns the number of live allocations.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.usage)
}

// Info returns a human-readable snapshot of the pool for diagnostics. The
// format is not a machine-parseable contract.
func (p *Pool) Info() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var used uint64
	for _, d := range p.usage {
		used += d.Size
	}
	mode := "msync"
	if p.dax {
		mode = "dax"
	}
	if p.volatileWrites {
		mode = "volatile"
	}
	return fmt.Sprintf("nvm pool %q: capacity %s, reserved %s, used %s, cursor %s, live allocations %d, free spans %d, mode %s",
		p.path,
		humanize.IBytes(p.cap),
		humanize.IBytes(p.logCap),
		humanize.IBytes(used),
		humanize.IBytes(p.index),
		len(p.usage),
		len(p.freed),
		mode,
	)
}

// Close syncs the mapping, unmaps it, and closes the backing file. The
// persistent bytes are kept; durability is the point. No buffer derived from
// the pool may be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	var errs *multierror.Error
	if err := pmem.Persist(p.data, 0, len(p.data)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sync mapping: %w", err))
	}
	if err := pmem.Unmap(p.data); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unmap: %w", err))
	}
	p.data = nil
	if err := p.file.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close %q: %w", p.path, err))
	}
	return errs.ErrorOrNil()
}

func (p *Pool) newBuffer(d Descriptor) *Buffer {
	return &Buffer{
		pool: p,
		data: p.data[d.Offset:d.end():d.end()],
		base: d.Offset,
		size: d.Size,
	}
}

// persist flushes the pool range [off, off+n). Buffers call this after every
// store unless the pool was opened WithVolatileWrites.
func (p *Pool) persist(off, n uint64) error {
	if p.volatileWrites {
		return nil
	}
	return pmem.Persist(p.data, int(off), int(n))
}

func roundUpBlock(n uint64) uint64 {
	rem := n % directio.BlockSize
	if rem != 0 {
		n += directio.BlockSize - rem
	}
	return n
}

// preallocate creates the backing file and zero-fills it to size. The fill
// goes through direct I/O so creating a multi-gigabyte pool does not evict
// the page cache; filesystems without O_DIRECT support (tmpfs) fall back to
// a plain truncate.
func preallocate(path string, size int64) error {
	file, err := directio.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return preallocateFallback(path, size)
	}

	block := directio.AlignedBlock(directio.BlockSize * 256)
	for written := int64(0); written < size; {
		chunk := block
		if remaining := size - written; remaining < int64(len(block)) {
			chunk = block[:remaining]
		}
		n, err := file.Write(chunk)
		if err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return err
		}
		written += int64(n)
	}
	return file.Close()
}

func preallocateFallback(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return err
	}
	return file.Close()
}

var _ io.Closer = (*Pool)(nil)
