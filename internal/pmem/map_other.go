//go:build !linux

package pmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of f read-write and shared. MAP_SYNC is Linux-only, so
// on other platforms strict mode always fails and durability is provided by
// Persist (msync) alone.
func Map(f *os.File, size int, strict bool) ([]byte, bool, error) {
	if strict {
		return nil, false, fmt.Errorf("%w: MAP_SYNC is not supported on this platform", ErrNoPersistentMemory)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, false, fmt.Errorf("pmem: mmap %q (%d bytes): %w", f.Name(), size, err)
	}
	return data, false, nil
}
