// Package cow tracks snapshots and reclaims superseded blocks. Writes never
// mutate a block a snapshot can still see; this manager decides when a dead
// block version becomes truly unreachable.
package cow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/metrics"
)

type snapEntry struct {
	rec  alloc.SnapshotRecord
	refs int
}

// Manager owns the snapshot registry and the deferred reclamation of dead
// extents. A block version born at generation B and superseded at D is
// reclaimable once D is committed and no snapshot S with B <= S < D exists.
type Manager struct {
	mu        sync.Mutex
	alloc     *alloc.Allocator
	snapshots map[uint64]*snapEntry // keyed by snapshot generation
	logger    *zap.Logger
}

// New loads the persisted snapshot registry and returns the manager.
func New(a *alloc.Allocator, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		alloc:     a,
		snapshots: make(map[uint64]*snapEntry),
		logger:    logger,
	}
	recs, err := a.Table().ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("loading snapshot registry: %w", err)
	}
	for _, rec := range recs {
		m.snapshots[rec.Gen] = &snapEntry{rec: rec, refs: 1}
	}
	metrics.LiveSnapshots.Set(float64(len(m.snapshots)))
	return m, nil
}

// CreateSnapshot pins a (root pointer, generation) pair. Snapshots of the
// same generation share one registry entry.
func (m *Manager) CreateSnapshot(rec alloc.SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.snapshots[rec.Gen]; ok {
		e.refs++
		return nil
	}
	if err := m.alloc.Table().RecordSnapshot(rec); err != nil {
		return fmt.Errorf("persisting snapshot at gen %d: %w", rec.Gen, err)
	}
	m.snapshots[rec.Gen] = &snapEntry{rec: rec, refs: 1}
	metrics.LiveSnapshots.Set(float64(len(m.snapshots)))
	m.logger.Info("snapshot created",
		zap.Uint64("gen", rec.Gen),
		zap.Uint64("root_block", rec.RootBlock),
	)
	return nil
}

// DropSnapshot unpins one reference to the snapshot at gen. Blocks it held
// become reclaimable on the next cycle once the last reference is gone.
func (m *Manager) DropSnapshot(gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.snapshots[gen]
	if !ok {
		return fmt.Errorf("no snapshot at generation %d", gen)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(m.snapshots, gen)
	metrics.LiveSnapshots.Set(float64(len(m.snapshots)))
	if err := m.alloc.Table().DeleteSnapshot(gen); err != nil {
		return fmt.Errorf("removing snapshot at gen %d: %w", gen, err)
	}
	m.logger.Info("snapshot dropped", zap.Uint64("gen", gen))
	return nil
}

// Snapshots lists the registered snapshots.
func (m *Manager) Snapshots() []alloc.SnapshotRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]alloc.SnapshotRecord, 0, len(m.snapshots))
	for _, e := range m.snapshots {
		recs = append(recs, e.rec)
	}
	return recs
}

// HasSnapshotBefore reports whether any snapshot predates gen. The flush
// path uses it as the tombstone policy: a delete of an absent key keeps a
// tombstone only while an older snapshot could still surface the key.
func (m *Manager) HasSnapshotBefore(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for g := range m.snapshots {
		if g < gen {
			return true
		}
	}
	return false
}

func (m *Manager) pinned(birth, dead uint64) bool {
	for g := range m.snapshots {
		if birth <= g && g < dead {
			return true
		}
	}
	return false
}

// ReclaimCycle frees every dead extent no snapshot pins. Reclamation is
// deferred by design: a version becomes a candidate only after the
// generation that superseded it has been committed.
func (m *Manager) ReclaimCycle(ctx context.Context) (int, error) {
	committed := m.alloc.CommittedGen()
	dead := m.alloc.DeadExtents()

	reclaimed := 0
	for _, e := range dead {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if e.Dead > committed {
			continue
		}
		m.mu.Lock()
		isPinned := m.pinned(e.Birth, e.Dead)
		m.mu.Unlock()
		if isPinned {
			continue
		}
		if err := m.alloc.Reclaim(e); err != nil {
			m.logger.Error("failed to reclaim extent",
				zap.Uint64("block", uint64(e.Block)),
				zap.Uint64("birth", e.Birth),
				zap.Error(err),
			)
			continue
		}
		metrics.ReclaimedBlocks.Inc()
		reclaimed++
	}
	if reclaimed > 0 {
		m.logger.Debug("reclamation cycle finished", zap.Int("reclaimed", reclaimed))
	}
	return reclaimed, nil
}

// Run drives periodic reclamation until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.ReclaimCycle(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("reclamation cycle error", zap.Error(err))
			}
		}
	}
}
