package nvm

import "errors"

var (
	// ErrPoolFull is returned by Allocate when neither the free list nor the
	// space past the bump cursor can satisfy the request. The caller should
	// free retired buffers or trigger compaction upstream.
	ErrPoolFull = errors.New("nvm: pool capacity exhausted")

	// ErrBufferFull is returned by Insert when the record does not fit in the
	// buffer's remaining space. Nothing is written; the caller should finalize
	// this buffer and allocate a new one. A record is never split across two
	// buffers.
	ErrBufferFull = errors.New("nvm: buffer capacity exceeded")

	// ErrEmptyInsert is returned by Insert for zero-length records, which
	// would be indistinguishable from no record during log replay.
	ErrEmptyInsert = errors.New("nvm: empty insert")

	// ErrInvalidAddress is returned by Free when the address is not the base
	// of a live allocation. This is a caller bug, not a recoverable state.
	ErrInvalidAddress = errors.New("nvm: address does not match a live allocation")

	// ErrOutOfBounds is returned when an offset or cursor position lies
	// outside the valid range.
	ErrOutOfBounds = errors.New("nvm: offset out of bounds")

	// ErrRecovery is returned when a recovery descriptor is inconsistent with
	// the pool bounds or overlaps a range already reconstructed.
	ErrRecovery = errors.New("nvm: inconsistent recovery descriptor")

	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("nvm: pool closed")
)
