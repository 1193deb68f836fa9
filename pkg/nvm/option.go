package nvm

const (
	// DefaultPoolSize is the capacity of a pool opened without WithPoolSize.
	DefaultPoolSize = 1 << 30 // 1 GiB

	// DefaultLogReservation is the size of the region reserved at the head of
	// the pool for the engine's log, unavailable to Allocate.
	DefaultLogReservation = 30 << 20 // 30 MiB

	// DefaultBufferSize is a reasonable capacity for one memtable generation.
	DefaultBufferSize = 30 << 20 // 30 MiB
)

type options struct {
	size           uint64
	logReservation uint64
	strict         bool
	volatileWrites bool
}

// Option configures a pool at Open time.
type Option func(*options)

// WithPoolSize sets the total capacity of the pool. The backing file is
// created at (or must already have at least) this size, rounded up to the
// direct-I/O block size.
func WithPoolSize(size uint64) Option {
	return func(o *options) {
		o.size = size
	}
}

// WithLogReservation reserves the first n bytes of the pool for log-only
// usage. The reserved region is exposed through LogBytes and is never handed
// out by Allocate. A zero reservation is valid.
func WithLogReservation(n uint64) Option {
	return func(o *options) {
		o.logReservation = n
	}
}

// WithStrictPersistence requires the backing file to live on a
// persistent-memory-capable (DAX) mount. Open fails with
// pmem.ErrNoPersistentMemory instead of falling back to an ordinary shared
// mapping with msync-based durability.
func WithStrictPersistence() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithVolatileWrites disables the per-Insert persist step. Inserted bytes
// reach the mapping but are not flushed until the pool is closed or the
// caller flushes explicitly. Intended for benchmarking on DRAM standing in
// for NVM; crash durability is forfeited.
func WithVolatileWrites() Option {
	return func(o *options) {
		o.volatileWrites = true
	}
}
