// Package pmem wraps the memory-mapping and durability primitives for a
// persistent-memory backing file. A pool maps its file once with Map, makes
// written ranges durable with Persist, and releases the mapping with Unmap.
// The mapped bytes are manually managed memory that is not garbage collected
// by the Go runtime.
package pmem

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNoPersistentMemory is returned by Map in strict mode when the backing
// file is not on a persistent-memory-capable (DAX) mount.
var ErrNoPersistentMemory = errors.New("pmem: no persistent-memory capable mapping available")

var pageSize = os.Getpagesize()

// Persist makes the range [off, off+n) of a mapped region durable. The start
// of the range is aligned down to a page boundary because msync requires a
// page-aligned address; the extra bytes flushed are already durable or about
// to be, so re-flushing them is harmless.
func Persist(mapped []byte, off, n int) error {
	if n == 0 {
		return nil
	}
	start := off &^ (pageSize - 1)
	return unix.Msync(mapped[start:off+n], unix.MS_SYNC)
}

// Unmap releases a mapping returned by Map. The backing file's bytes are
// untouched.
func Unmap(mapped []byte) error {
	return unix.Munmap(mapped)
}
