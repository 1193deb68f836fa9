//go:build linux

package pmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of f read-write and shared. It first asks the kernel
// for a MAP_SYNC mapping, which only succeeds on a DAX (persistent-memory)
// mount and guarantees that CPU stores reach the media without an msync of
// file metadata. The second return value reports whether that mapping was
// obtained. Without it, callers must Persist written ranges explicitly; in
// strict mode the fallback is an error instead.
func Map(f *os.File, size int, strict bool) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED_VALIDATE|unix.MAP_SYNC,
	)
	if err == nil {
		return data, true, nil
	}
	if strict {
		return nil, false, fmt.Errorf("%w: %q: %v", ErrNoPersistentMemory, f.Name(), err)
	}

	data, err = unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, false, fmt.Errorf("pmem: mmap %q (%d bytes): %w", f.Name(), size, err)
	}
	return data, false, nil
}
