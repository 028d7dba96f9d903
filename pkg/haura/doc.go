// Package haura is an embedded key-value store built on a buffered message
// tree spanning tiered storage devices. Writes are buffered inside the tree
// and flushed toward the leaves in batches; all persisted data is
// copy-on-write, so snapshots are cheap immutable views anchored at a past
// root. Durability is explicit: Sync makes everything written before the
// call crash-safe in one atomic generation step.
//
// Typical use:
//
//	cfg := config.Default()
//	cfg.Pool.Devices = []config.DeviceConfig{
//		{Path: "/nvme/haura.fast", Tier: "fast", Capacity: 1 << 30},
//		{Path: "/hdd/haura.slow", Tier: "slow", Capacity: 64 << 30},
//	}
//	cfg.Pool.TablePath = "/nvme/haura.table"
//
//	db, err := haura.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.Insert(ctx, []byte("k"), []byte("v"))
//	db.Sync(ctx)
package haura
