package nvm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slate/internal/pmem"
)

const testPoolSize = 1 << 20 // 1 MiB

func openTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvmemtable")
	opts = append([]Option{WithPoolSize(testPoolSize), WithLogReservation(0)}, opts...)
	pool, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

func TestAllocateBounds(t *testing.T) {
	pool := openTestPool(t, WithLogReservation(8<<10))

	buf, err := pool.Allocate(256 << 10)
	require.NoError(t, err)

	// First carve-out starts right past the log reservation and stays inside
	// the pool.
	assert.Equal(t, uint64(8<<10), buf.BaseAddress())
	assert.LessOrEqual(t, buf.BaseAddress()+buf.Size(), pool.Cap())
}

func TestAllocateCursorMonotonic(t *testing.T) {
	pool := openTestPool(t)

	var last uint64
	for i := 0; i < 8; i++ {
		buf, err := pool.Allocate(64 << 10)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, buf.BaseAddress(), last)
		}
		last = buf.BaseAddress()
	}
}

func TestAllocateExhaustion(t *testing.T) {
	pool := openTestPool(t)

	_, err := pool.Allocate(testPoolSize)
	require.NoError(t, err)

	_, err = pool.Allocate(1)
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestAllocateZero(t *testing.T) {
	pool := openTestPool(t)

	_, err := pool.Allocate(0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestFreeReuse(t *testing.T) {
	pool := openTestPool(t)

	a, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	b, err := pool.Allocate(128 << 10)
	require.NoError(t, err)

	require.NoError(t, pool.Free(a.BaseAddress()))

	// The freed span is recycled before the bump cursor advances.
	c, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	assert.Equal(t, a.BaseAddress(), c.BaseAddress())
	assert.Equal(t, 2, pool.Live())

	_ = b
}

func TestFreeSplitsLargerSpan(t *testing.T) {
	pool := openTestPool(t)

	a, err := pool.Allocate(256 << 10)
	require.NoError(t, err)
	require.NoError(t, pool.Free(a.BaseAddress()))

	// A smaller allocation carves the head of the freed span; the surplus
	// stays reusable.
	c, err := pool.Allocate(64 << 10)
	require.NoError(t, err)
	assert.Equal(t, a.BaseAddress(), c.BaseAddress())

	d, err := pool.Allocate(192 << 10)
	require.NoError(t, err)
	assert.Equal(t, a.BaseAddress()+(64<<10), d.BaseAddress())
}

func TestFreeInvalidAddress(t *testing.T) {
	pool := openTestPool(t)

	buf, err := pool.Allocate(64 << 10)
	require.NoError(t, err)

	used := pool.Used()
	assert.ErrorIs(t, pool.Free(buf.BaseAddress()+1), ErrInvalidAddress)
	assert.Equal(t, used, pool.Used())
}

func TestFreeDouble(t *testing.T) {
	pool := openTestPool(t)

	buf, err := pool.Allocate(64 << 10)
	require.NoError(t, err)

	require.NoError(t, pool.Free(buf.BaseAddress()))
	err = pool.Free(buf.BaseAddress())
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, 0, pool.Live())
}

func TestReallocateOutOfBounds(t *testing.T) {
	pool := openTestPool(t, WithLogReservation(8<<10))

	// Inside the log reservation.
	_, err := pool.Reallocate(0, 4<<10)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// Past the end of the pool.
	_, err = pool.Reallocate(testPoolSize-(4<<10), 8<<10)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReallocateOverlap(t *testing.T) {
	pool := openTestPool(t)

	_, err := pool.Reallocate(128<<10, 128<<10)
	require.NoError(t, err)

	_, err = pool.Reallocate(192<<10, 128<<10)
	assert.ErrorIs(t, err, ErrRecovery)
}

func TestReallocateFreedRange(t *testing.T) {
	pool := openTestPool(t)

	buf, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	require.NoError(t, pool.Free(buf.BaseAddress()))

	// Reconstructing a handle over a freed span must fail: the span is the
	// allocator's to recycle, and a handle over it would mean two owners for
	// the same persistent bytes.
	_, err = pool.Reallocate(buf.BaseAddress(), 128<<10)
	require.ErrorIs(t, err, ErrRecovery)

	// The freed span is still recycled by exactly one allocation.
	next, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	assert.Equal(t, buf.BaseAddress(), next.BaseAddress())
	assert.Equal(t, 1, pool.Live())
}

func TestRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmemtable")

	pool, err := Open(path, WithPoolSize(testPoolSize), WithLogReservation(0))
	require.NoError(t, err)

	a, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	b, err := pool.Allocate(128 << 10)
	require.NoError(t, err)

	_, err = a.Insert([]byte("alpha record"))
	require.NoError(t, err)
	_, err = b.Insert([]byte("beta record"))
	require.NoError(t, err)

	descs := []Descriptor{
		{Offset: a.BaseAddress(), Size: a.Size()},
		{Offset: b.BaseAddress(), Size: b.Size()},
	}
	require.NoError(t, pool.Close())

	pool, err = Open(path, WithPoolSize(testPoolSize), WithLogReservation(0))
	require.NoError(t, err)
	defer func() {
		_ = pool.Close()
	}()

	buffers, err := pool.Recover(descs)
	require.NoError(t, err)
	require.Len(t, buffers, 2)

	// Handles come back at the original addresses over the surviving bytes.
	assert.Equal(t, descs[0].Offset, buffers[0].BaseAddress())
	assert.Equal(t, descs[1].Offset, buffers[1].BaseAddress())

	got, err := buffers[0].Bytes(0, uint64(len("alpha record")))
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha record"), got)
	got, err = buffers[1].Bytes(0, uint64(len("beta record")))
	require.NoError(t, err)
	assert.Equal(t, []byte("beta record"), got)

	// New carve-outs resume past all recovered space.
	next, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(256<<10), next.BaseAddress())
}

func TestRecoverInconsistentDescriptor(t *testing.T) {
	pool := openTestPool(t)

	descs := []Descriptor{
		{Offset: 0, Size: 128 << 10},
		{Offset: testPoolSize, Size: 128 << 10},
	}
	_, err := pool.Recover(descs)
	require.ErrorIs(t, err, ErrRecovery)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// The failed pass rolled back: the pool is as if Recover was never
	// called.
	assert.Equal(t, 0, pool.Live())
	buf, err := pool.Allocate(64 << 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), buf.BaseAddress())
}

func TestRecoverResumeCursorAfterReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmemtable")

	pool, err := Open(path, WithPoolSize(testPoolSize), WithLogReservation(0))
	require.NoError(t, err)

	buf, err := pool.Allocate(128 << 10)
	require.NoError(t, err)
	_, err = buf.Insert(make([]byte, 4<<10))
	require.NoError(t, err)
	written := buf.Counter()
	require.NoError(t, pool.Close())

	pool, err = Open(path, WithPoolSize(testPoolSize), WithLogReservation(0))
	require.NoError(t, err)
	defer func() {
		_ = pool.Close()
	}()

	buffers, err := pool.Recover([]Descriptor{{Offset: 0, Size: 128 << 10}})
	require.NoError(t, err)

	// Replay fast-forwards the cursor; the next insert lands right after the
	// recovered bytes.
	require.NoError(t, buffers[0].SetCursor(written))
	addr, err := buffers[0].Insert([]byte("resumed"))
	require.NoError(t, err)
	assert.Equal(t, written, addr)
}

func TestOpenRejectsSmallerExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmemtable")

	pool, err := Open(path, WithPoolSize(256<<10), WithLogReservation(0))
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = Open(path, WithPoolSize(testPoolSize), WithLogReservation(0))
	assert.Error(t, err)
}

func TestOpenRejectsReservationLargerThanPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmemtable")

	_, err := Open(path, WithPoolSize(64<<10), WithLogReservation(64<<10))
	assert.Error(t, err)
}

func TestOpenStrictPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmemtable")

	pool, err := Open(path, WithPoolSize(testPoolSize), WithLogReservation(0), WithStrictPersistence())
	if err == nil {
		// Running on a DAX-capable mount; strict mode is expected to work.
		_ = pool.Close()
		t.Skip("test directory is persistent-memory capable")
	}
	assert.ErrorIs(t, err, pmem.ErrNoPersistentMemory)
}

func TestLogBytesReservation(t *testing.T) {
	pool := openTestPool(t, WithLogReservation(8<<10))

	log := pool.LogBytes()
	assert.Len(t, log, 8<<10)
	assert.Equal(t, uint64(8<<10), pool.Reserved())
}

func TestClosedPool(t *testing.T) {
	pool := openTestPool(t)
	require.NoError(t, pool.Close())

	_, err := pool.Allocate(64 << 10)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, pool.Free(0), ErrClosed)
	assert.ErrorIs(t, pool.Close(), ErrClosed)
}

func TestInfo(t *testing.T) {
	pool := openTestPool(t)

	_, err := pool.Allocate(256 << 10)
	require.NoError(t, err)

	info := pool.Info()
	assert.Contains(t, info, "capacity 1.0 MiB")
	assert.Contains(t, info, "used 256 KiB")
	assert.Contains(t, info, "live allocations 1")
}
