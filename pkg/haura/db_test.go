package haura

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/metrics"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.Devices = []config.DeviceConfig{
		{Path: filepath.Join(dir, "fast.dev"), Tier: "fast", Capacity: 32 << 20},
		{Path: filepath.Join(dir, "slow.dev"), Tier: "slow", Capacity: 32 << 20},
	}
	cfg.Pool.TablePath = filepath.Join(dir, "table.db")
	cfg.Pool.WriteRetries = 1
	cfg.Tree.FlushThreshold = 1024
	cfg.Tree.SplitThreshold = 8192
	cfg.Tree.MergeThreshold = 512
	cfg.Tree.MaxMessageSize = 1024
	return cfg
}

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(testConfig(t, dir))
	require.NoError(t, err)
	return db
}

func TestBasicOperations(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, []byte("city"), []byte("dresden")))
	got, err := db.Get(ctx, []byte("city"))
	require.NoError(t, err)
	assert.Equal(t, []byte("dresden"), got)

	_, err = db.Get(ctx, []byte("country"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Delete(ctx, []byte("city")))
	_, err = db.Get(ctx, []byte("city"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is fine.
	require.NoError(t, db.Delete(ctx, []byte("nothing")))
}

func TestUpsertAndCustomMerger(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, []byte("counter"), []byte("a")))
	require.NoError(t, db.Upsert(ctx, []byte("counter"), []byte("b")))
	got, err := db.Get(ctx, []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestSyncMakesWritesDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, db.Insert(ctx, k, []byte(fmt.Sprintf("val-%04d", i))))
	}
	require.NoError(t, db.Sync(ctx))
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer db2.Close()
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		got, err := db2.Get(ctx, k)
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, []byte(fmt.Sprintf("val-%04d", i)), got)
	}
}

func TestCloseSyncsOutstandingWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openTestDB(t, dir)
	require.NoError(t, db.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer db2.Close()
	got, err := db2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err := db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Insert(ctx, []byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, db.Sync(ctx), ErrClosed)
	assert.ErrorIs(t, db.Close(), ErrClosed)
}

func TestSnapshotIsolatesFromLaterWrites(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, db.Insert(ctx, k, []byte("before")))
	}

	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Release()

	target := []byte("key-0042")
	require.NoError(t, db.Delete(ctx, target))
	require.NoError(t, db.Insert(ctx, []byte("key-0007"), []byte("after")))
	require.NoError(t, db.Sync(ctx))

	// Live view reflects the later writes.
	_, err = db.Get(ctx, target)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	got, err := db.Get(ctx, []byte("key-0007"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got)

	// Snapshot still sees the pre-delete state.
	got, err = snap.Get(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)
	got, err = snap.Get(ctx, []byte("key-0007"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)
}

func TestSnapshotRangeIsFrozen(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, db.Insert(ctx, []byte("k99"), []byte("new")))
	require.NoError(t, db.Delete(ctx, []byte("k10")))

	it := snap.Range(nil, nil)
	count := 0
	for it.Next(ctx) {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 50, count, "snapshot range must not see later writes")

	live := db.Range(nil, nil)
	liveCount := 0
	for live.Next(ctx) {
		liveCount++
	}
	require.NoError(t, live.Err())
	assert.Equal(t, 50, liveCount) // 50 - deleted + inserted
}

func TestSnapshotReleaseIsTerminal(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, []byte("k"), []byte("v")))
	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, snap.Release())
	_, err = snap.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, snap.Release(), ErrReleased)
}

func TestRangeWithResumption(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}

	it := db.Range([]byte("k050"), []byte("k150"))
	var seen []string
	for it.Next(ctx) {
		seen = append(seen, string(it.Key()))
		if len(seen) == 30 {
			break
		}
	}
	require.NoError(t, it.Err())

	// Resume from where we stopped, as a crash-restart consumer would.
	it2 := db.Range([]byte("k050"), []byte("k150"))
	it2.Seek([]byte(seen[len(seen)-1]))
	require.True(t, it2.Next(ctx))
	assert.Equal(t, seen[len(seen)-1], string(it2.Key()))

	total := 0
	it3 := db.Range([]byte("k050"), []byte("k150"))
	for it3.Next(ctx) {
		total++
	}
	require.NoError(t, it3.Err())
	assert.Equal(t, 100, total)
}

func TestWritePreferenceIsAccepted(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, []byte("hot"), []byte("v"), WithPreference(PrefFast)))
	require.NoError(t, db.Insert(ctx, []byte("cold"), []byte("v"), WithPreference(PrefSlow)))
	require.NoError(t, db.Sync(ctx))

	for _, k := range []string{"hot", "cold"} {
		got, err := db.Get(ctx, []byte(k))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	big := make([]byte, 2048) // over the 1024 test limit
	assert.ErrorIs(t, db.Insert(ctx, []byte("k"), big), ErrMessageTooLarge)
}

func TestRangeCountsAsOperation(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, []byte("a"), []byte("1")))

	before := testutil.ToFloat64(metrics.Operations.WithLabelValues("range"))
	it := db.Range(nil, nil)
	for it.Next(ctx) {
	}
	require.NoError(t, it.Err())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Operations.WithLabelValues("range"))-before)

	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Release()
	snap.Range(nil, nil)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Operations.WithLabelValues("range"))-before)
}
