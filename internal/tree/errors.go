package tree

import "errors"

var (
	// ErrKeyNotFound is returned when a lookup resolves to no value.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorrupted is returned when a node block fails checksum or
	// structural validation on decode.
	ErrCorrupted = errors.New("corrupted node block")
	// ErrMessageTooLarge is returned when a value or delta exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("empty key")
	// ErrKeyTooLarge is returned for keys over 64 KiB.
	ErrKeyTooLarge = errors.New("key too large")
)
