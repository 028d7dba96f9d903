package cow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/config"
)

func openTestPool(t *testing.T) *alloc.Allocator {
	t.Helper()
	dir := t.TempDir()
	cfg := config.PoolConfig{
		Devices: []config.DeviceConfig{
			{Path: filepath.Join(dir, "fast.dev"), Tier: "fast", Capacity: 1 << 20},
			{Path: filepath.Join(dir, "slow.dev"), Tier: "slow", Capacity: 4 << 20},
		},
		TablePath:    filepath.Join(dir, "table.db"),
		WriteRetries: 1,
	}
	a, _, err := alloc.Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("open allocator: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestReclaimsDeadUnpinnedVersions(t *testing.T) {
	a := openTestPool(t)
	m, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id := a.NewBlockID()
	if _, err := a.Write(ctx, id, 1, []byte("v1"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(ctx, id, 2, []byte("v2"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(2); err != nil {
		t.Fatal(err)
	}

	n, err := m.ReclaimCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed extent, got %d", n)
	}
	if _, _, err := a.Read(ctx, id, 1); err == nil {
		t.Error("superseded version should be gone after reclamation")
	}
	if _, _, err := a.Read(ctx, id, 2); err != nil {
		t.Errorf("live version must survive reclamation: %v", err)
	}
}

func TestSnapshotPinsSupersededVersion(t *testing.T) {
	a := openTestPool(t)
	m, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id := a.NewBlockID()
	if _, err := a.Write(ctx, id, 1, []byte("v1"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateSnapshot(alloc.SnapshotRecord{Gen: 1, RootBlock: uint64(id), RootGen: 1, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(ctx, id, 2, []byte("v2"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(2); err != nil {
		t.Fatal(err)
	}

	if n, _ := m.ReclaimCycle(ctx); n != 0 {
		t.Fatalf("pinned version reclaimed, n=%d", n)
	}
	if got, _, err := a.Read(ctx, id, 1); err != nil || string(got) != "v1" {
		t.Fatalf("snapshot read: %q, %v", got, err)
	}

	if err := m.DropSnapshot(1); err != nil {
		t.Fatal(err)
	}
	if n, _ := m.ReclaimCycle(ctx); n != 1 {
		t.Fatalf("expected reclamation after drop, n=%d", n)
	}
}

func TestUncommittedDeathIsNotReclaimed(t *testing.T) {
	a := openTestPool(t)
	m, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	id := a.NewBlockID()
	if _, err := a.Write(ctx, id, 1, []byte("v1"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(1); err != nil {
		t.Fatal(err)
	}
	// Generation 2 is in flight, not yet committed.
	if _, err := a.Write(ctx, id, 2, []byte("v2"), alloc.HintData, alloc.PrefNone); err != nil {
		t.Fatal(err)
	}

	if n, _ := m.ReclaimCycle(ctx); n != 0 {
		t.Fatalf("version died in an uncommitted generation, must stay, n=%d", n)
	}
}

func TestSnapshotRegistrySurvivesReopen(t *testing.T) {
	a := openTestPool(t)
	m, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CreateSnapshot(alloc.SnapshotRecord{Gen: 3, RootBlock: 7, RootGen: 3, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	m2, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	recs := m2.Snapshots()
	if len(recs) != 1 || recs[0].Gen != 3 || recs[0].RootBlock != 7 {
		t.Fatalf("unexpected registry after reload: %+v", recs)
	}
	if !m2.HasSnapshotBefore(4) {
		t.Error("HasSnapshotBefore(4) should see gen-3 snapshot")
	}
	if m2.HasSnapshotBefore(3) {
		t.Error("HasSnapshotBefore(3) must be exclusive")
	}
}

func TestSameGenerationSnapshotsShareEntry(t *testing.T) {
	a := openTestPool(t)
	m, err := New(a, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	rec := alloc.SnapshotRecord{Gen: 5, RootBlock: 1, RootGen: 5, CreatedAt: time.Now()}
	if err := m.CreateSnapshot(rec); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateSnapshot(rec); err != nil {
		t.Fatal(err)
	}
	if err := m.DropSnapshot(5); err != nil {
		t.Fatal(err)
	}
	if len(m.Snapshots()) != 1 {
		t.Error("first drop must not remove a doubly-referenced snapshot")
	}
	if err := m.DropSnapshot(5); err != nil {
		t.Fatal(err)
	}
	if len(m.Snapshots()) != 0 {
		t.Error("second drop should remove the snapshot")
	}
	if err := m.DropSnapshot(5); err == nil {
		t.Error("dropping an unknown snapshot should fail")
	}
}
