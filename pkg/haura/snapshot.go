package haura

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jwuensche/haura/internal/metrics"
	"github.com/jwuensche/haura/internal/tree"
)

// Snapshot is an immutable view of the store as of a synced generation.
// Blocks it references are pinned until Release; reads against it never see
// later writes.
type Snapshot struct {
	db       *DB
	gen      uint64
	root     tree.NodePointer
	released atomic.Bool
}

// Snapshot syncs outstanding writes and pins the resulting state. The
// returned snapshot must be Released when done or its blocks are never
// reclaimed.
func (db *DB) Snapshot(ctx context.Context) (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.tree.Sync(ctx); err != nil {
		return nil, fmt.Errorf("syncing before snapshot: %w", err)
	}
	rec := db.tree.SnapshotRecord()
	if err := db.cow.CreateSnapshot(rec); err != nil {
		return nil, err
	}
	return &Snapshot{
		db:   db,
		gen:  rec.Gen,
		root: db.tree.SyncedRoot(),
	}, nil
}

// Generation returns the committed generation the snapshot pins.
func (s *Snapshot) Generation() uint64 { return s.gen }

// Get resolves key in the snapshot's frozen state.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	if s.db.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.tree.GetAt(ctx, s.root, key)
}

// Range iterates the snapshot's frozen state over [start, end).
func (s *Snapshot) Range(start, end []byte) *Iterator {
	metrics.Operations.WithLabelValues("range").Inc()
	return &Iterator{db: s.db, inner: s.db.tree.NewRangeAt(s.root, start, end)}
}

// Release unpins the snapshot; its blocks become reclaimable once no other
// snapshot needs them. Idempotent per snapshot handle.
func (s *Snapshot) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if s.db.closed.Load() {
		return ErrClosed
	}
	return s.db.cow.DropSnapshot(s.gen)
}
