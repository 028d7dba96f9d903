package haura

import (
	"errors"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/tree"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("database closed")

// ErrReleased is returned by operations on a released snapshot.
var ErrReleased = errors.New("snapshot released")

// Re-exported engine errors, so callers need only this package for errors.Is.
var (
	ErrKeyNotFound     = tree.ErrKeyNotFound
	ErrCorrupted       = tree.ErrCorrupted
	ErrMessageTooLarge = tree.ErrMessageTooLarge
	ErrNoCapacity      = alloc.ErrNoCapacity
)
