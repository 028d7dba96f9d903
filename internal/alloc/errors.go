package alloc

import "errors"

var (
	// ErrNoCapacity is returned when no device in the pool can hold an
	// allocation. It is fatal to the write that triggered it.
	ErrNoCapacity = errors.New("no device has free capacity")

	// ErrExtentNotFound is returned when a (block, generation) pair has no
	// entry in the block table.
	ErrExtentNotFound = errors.New("extent not found in block table")

	// ErrPoolMismatch is returned when the superblock's pool layout checksum
	// does not match the configured pool.
	ErrPoolMismatch = errors.New("pool layout does not match superblock")

	// ErrChecksumMismatch is returned when an extent's bytes keep failing
	// their table checksum even after re-resolving through the block table.
	ErrChecksumMismatch = errors.New("extent checksum mismatch")
)
