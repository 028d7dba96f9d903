package alloc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/vdev"
)

func testPoolConfig(t *testing.T, failover bool) config.PoolConfig {
	t.Helper()
	dir := t.TempDir()
	return config.PoolConfig{
		Devices: []config.DeviceConfig{
			{Path: filepath.Join(dir, "fast.dev"), Tier: "fast", Capacity: 1 << 20},
			{Path: filepath.Join(dir, "slow.dev"), Tier: "slow", Capacity: 4 << 20},
		},
		TablePath:    filepath.Join(dir, "table.db"),
		Failover:     failover,
		WriteRetries: 1,
	}
}

func openTestAllocator(t *testing.T, cfg config.PoolConfig) *Allocator {
	t.Helper()
	a, sb, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("open allocator: %v", err)
	}
	if sb != nil {
		t.Fatalf("expected fresh pool, got superblock %+v", sb)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWriteReadRoundTrip(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	id := a.NewBlockID()
	data := []byte("hello b-epsilon world")
	e, err := a.Write(ctx, id, 1, data, HintMeta, PrefNone)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if e.Tier != TierFast {
		t.Errorf("meta block should land on fast tier, got %s", e.Tier)
	}

	got, gotExt, err := a.Read(ctx, id, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("read mismatch: %q", got)
	}
	if gotExt.Checksum != e.Checksum {
		t.Errorf("checksum mismatch: 0x%08X vs 0x%08X", gotExt.Checksum, e.Checksum)
	}
}

func TestWriteSupersedesPreviousGeneration(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	id := a.NewBlockID()
	if _, err := a.Write(ctx, id, 1, []byte("v1"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(ctx, id, 2, []byte("v2"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}

	dead := a.DeadExtents()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead extent, got %d", len(dead))
	}
	if dead[0].Birth != 1 || dead[0].Dead != 2 {
		t.Errorf("unexpected dead extent: birth=%d dead=%d", dead[0].Birth, dead[0].Dead)
	}

	// Both versions stay readable until reclamation.
	v1, _, err := a.Read(ctx, id, 1)
	if err != nil {
		t.Fatalf("read old version: %v", err)
	}
	if string(v1) != "v1" {
		t.Errorf("old version corrupted: %q", v1)
	}
}

func TestPlacementPreference(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	e, err := a.Write(ctx, a.NewBlockID(), 1, []byte("cold data"), HintData, PrefSlow)
	if err != nil {
		t.Fatal(err)
	}
	if e.Tier != TierSlow {
		t.Errorf("PrefSlow data should land on slow tier, got %s", e.Tier)
	}

	e, err = a.Write(ctx, a.NewBlockID(), 1, []byte("buffer"), HintMeta, PrefSlow)
	if err != nil {
		t.Fatal(err)
	}
	if e.Tier != TierFast {
		t.Errorf("meta ignores slow preference, got %s", e.Tier)
	}
}

func TestAllocationErrorWhenPoolFull(t *testing.T) {
	dir := t.TempDir()
	cfg := config.PoolConfig{
		Devices: []config.DeviceConfig{
			{Path: filepath.Join(dir, "tiny.dev"), Tier: "fast", Capacity: vdev.DataStart + 64},
		},
		TablePath:    filepath.Join(dir, "table.db"),
		WriteRetries: 0,
	}
	a := openTestAllocator(t, cfg)

	big := make([]byte, 128)
	_, err := a.Write(context.Background(), a.NewBlockID(), 1, big, HintMeta, PrefNone)
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestWriteFailoverToOtherTier(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, true))
	ctx := context.Background()

	// Break the fast device after open.
	a.devices[0].dev = &brokenDevice{Device: a.devices[0].dev}

	e, err := a.Write(ctx, a.NewBlockID(), 1, []byte("refugee"), HintMeta, PrefNone)
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if e.Tier != TierSlow {
		t.Errorf("expected block on slow tier after failover, got %s", e.Tier)
	}

	got, _, err := a.Read(ctx, e.Block, 1)
	if err != nil || string(got) != "refugee" {
		t.Fatalf("read after failover: %q, %v", got, err)
	}
}

func TestWriteNoFailoverSurfacesIOError(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))

	a.devices[0].dev = &brokenDevice{Device: a.devices[0].dev}

	_, err := a.Write(context.Background(), a.NewBlockID(), 1, []byte("doomed"), HintMeta, PrefNone)
	if !errors.Is(err, vdev.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	// The failed write must not leave a readable extent behind.
	if len(a.versions) != 0 {
		t.Errorf("failed write left %d version entries", len(a.versions))
	}
}

func TestReclaimReturnsSpace(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	id := a.NewBlockID()
	e1, err := a.Write(ctx, id, 1, []byte("generation one"), HintData, PrefNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(ctx, id, 2, []byte("generation two"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}

	usedBefore := a.devices[e1.Device].used
	if err := a.Reclaim(e1); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if a.devices[e1.Device].used != usedBefore-int64(e1.Length) {
		t.Errorf("space not returned: used=%d", a.devices[e1.Device].used)
	}

	if _, _, err := a.Read(ctx, id, 1); !errors.Is(err, ErrExtentNotFound) {
		t.Fatalf("expected ErrExtentNotFound after reclaim, got %v", err)
	}
	if _, _, err := a.Read(ctx, id, 2); err != nil {
		t.Fatalf("live version must survive reclaim: %v", err)
	}
}

func TestMigrateKeepsLogicalAddress(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	id := a.NewBlockID()
	e, err := a.Write(ctx, id, 1, []byte("soon cold"), HintData, PrefNone)
	if err != nil {
		t.Fatal(err)
	}
	if e.Tier != TierFast {
		t.Fatalf("precondition: expected fast placement, got %s", e.Tier)
	}

	if err := a.Migrate(ctx, e, TierSlow); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	got, gotExt, err := a.Read(ctx, id, 1)
	if err != nil {
		t.Fatalf("read after migration: %v", err)
	}
	if string(got) != "soon cold" {
		t.Errorf("data corrupted by migration: %q", got)
	}
	if gotExt.Tier != TierSlow {
		t.Errorf("extent still on %s after migration", gotExt.Tier)
	}
}

func TestColdCandidates(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	leaf := a.NewBlockID()
	if _, err := a.Write(ctx, leaf, 1, []byte("leaf"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}
	meta := a.NewBlockID()
	if _, err := a.Write(ctx, meta, 1, []byte("meta"), HintMeta, PrefNone); err != nil {
		t.Fatal(err)
	}

	cold := a.ColdCandidates(time.Now().Add(time.Hour))
	if len(cold) != 1 {
		t.Fatalf("expected 1 cold candidate, got %d", len(cold))
	}
	if cold[0].Block != leaf {
		t.Errorf("meta blocks must never be migration candidates")
	}

	if got := a.ColdCandidates(time.Now().Add(-time.Hour)); len(got) != 0 {
		t.Errorf("recently accessed extent flagged cold: %d candidates", len(got))
	}
}

func TestRecoveryDropsOrphanExtents(t *testing.T) {
	cfg := testPoolConfig(t, false)
	a := openTestAllocator(t, cfg)
	ctx := context.Background()

	committed := a.NewBlockID()
	if _, err := a.Write(ctx, committed, 1, []byte("committed"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}

	// Commit generation 1, then write an extent at generation 2 that never
	// makes it into a superblock.
	if err := vdev.WriteSuperblock(a.Primary(), &vdev.Superblock{
		RootBlock:    uint64(committed),
		RootGen:      1,
		Generation:   1,
		PoolChecksum: a.PoolChecksum(),
	}, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(1); err != nil {
		t.Fatal(err)
	}
	orphan := a.NewBlockID()
	if _, err := a.Write(ctx, orphan, 2, []byte("orphan"), HintData, PrefNone); err != nil {
		t.Fatal(err)
	}
	a.Close()

	re, sb, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	if sb == nil || sb.Generation != 1 {
		t.Fatalf("expected superblock at generation 1, got %+v", sb)
	}

	if _, _, err := re.Read(ctx, committed, 1); err != nil {
		t.Errorf("committed extent lost in recovery: %v", err)
	}
	if _, _, err := re.Read(ctx, orphan, 2); !errors.Is(err, ErrExtentNotFound) {
		t.Errorf("orphan extent survived recovery: %v", err)
	}
}

func TestPoolMismatchRejected(t *testing.T) {
	cfg := testPoolConfig(t, false)
	a := openTestAllocator(t, cfg)
	if err := vdev.WriteSuperblock(a.Primary(), &vdev.Superblock{
		Generation:   1,
		PoolChecksum: a.PoolChecksum() + 1,
	}, 0); err != nil {
		t.Fatal(err)
	}
	a.Close()

	_, _, err := Open(cfg, zap.NewNop())
	if !errors.Is(err, ErrPoolMismatch) {
		t.Fatalf("expected ErrPoolMismatch, got %v", err)
	}
}

// brokenDevice fails every write.
type brokenDevice struct {
	vdev.Device
}

func (d *brokenDevice) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("injected device failure")
}

func TestReadRacingMigrationStaysConsistent(t *testing.T) {
	a := openTestAllocator(t, testPoolConfig(t, false))
	ctx := context.Background()

	const blocks = 8
	payload := func(i int) []byte {
		return bytes.Repeat([]byte{byte('a' + i)}, 4096)
	}
	ids := make([]BlockID, blocks)
	for i := range ids {
		ids[i] = a.NewBlockID()
		if _, err := a.Write(ctx, ids[i], 1, payload(i), HintData, PrefNone); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	var readErr atomic.Value
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for i, id := range ids {
					got, _, err := a.Read(ctx, id, 1)
					if err != nil {
						readErr.Store(fmt.Errorf("read block %d: %w", id, err))
						return
					}
					if !bytes.Equal(got, payload(i)) {
						readErr.Store(fmt.Errorf("block %d: payload mismatch", id))
						return
					}
				}
			}
		}()
	}

	for _, id := range ids {
		e, err := a.Lookup(id, 1)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Migrate(ctx, e, TierSlow); err != nil {
			t.Fatalf("migrate block %d: %v", id, err)
		}
	}
	close(done)
	wg.Wait()
	if err := readErr.Load(); err != nil {
		t.Fatal(err)
	}
}
