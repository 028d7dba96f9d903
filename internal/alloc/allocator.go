package alloc

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/metrics"
	"github.com/jwuensche/haura/internal/vdev"
)

type span struct {
	off    int64
	length int64
}

type poolDevice struct {
	dev      vdev.Device
	tier     Tier
	capacity int64
	next     int64  // bump pointer, grows from vdev.DataStart
	free     []span // reclaimed spans, sorted by offset
	used     int64  // live + dead bytes currently occupying space
}

// Allocator owns the storage pool: device free-space tracking, tiered
// placement of new blocks, and the block table mapping (block, generation)
// to physical extents. Reclamation is driven externally by the copy-on-write
// manager; Allocate/Write never frees synchronously.
type Allocator struct {
	mu           sync.RWMutex
	cfg          config.PoolConfig
	devices      []*poolDevice
	primary      int
	table        *Table
	versions     map[BlockID][]*Extent // sorted by Birth ascending
	nextBlockID  uint64
	committedGen uint64
	logger       *zap.Logger
}

// Open opens the pool devices and the block table, validates the layout
// against the superblock (if one exists) and rebuilds free-space state.
// It returns the decoded superblock, or nil for a freshly formatted pool.
func Open(cfg config.PoolConfig, logger *zap.Logger) (*Allocator, *vdev.Superblock, error) {
	a := &Allocator{
		cfg:      cfg,
		versions: make(map[BlockID][]*Extent),
		primary:  -1,
		logger:   logger,
	}

	for i, dc := range cfg.Devices {
		tier, ok := ParseTier(dc.Tier)
		if !ok {
			return nil, nil, fmt.Errorf("device %s: unknown tier %q", dc.Path, dc.Tier)
		}
		dev, err := vdev.Open(dc.Path, int64(dc.Capacity))
		if err != nil {
			a.closeDevices()
			return nil, nil, err
		}
		a.devices = append(a.devices, &poolDevice{
			dev:      dev,
			tier:     tier,
			capacity: int64(dc.Capacity),
			next:     vdev.DataStart,
		})
		if a.primary < 0 && tier == TierFast {
			a.primary = i
		}
	}
	if a.primary < 0 {
		a.closeDevices()
		return nil, nil, fmt.Errorf("pool has no fast device to hold the superblock")
	}

	sb, err := vdev.ReadSuperblock(a.devices[a.primary].dev, cfg.WriteRetries)
	if err != nil {
		if !errors.Is(err, vdev.ErrNoSuperblock) {
			a.closeDevices()
			return nil, nil, err
		}
		sb = nil
	}
	if sb != nil && sb.PoolChecksum != a.PoolChecksum() {
		a.closeDevices()
		return nil, nil, fmt.Errorf("pool checksum 0x%08X vs superblock 0x%08X: %w",
			a.PoolChecksum(), sb.PoolChecksum, ErrPoolMismatch)
	}

	table, err := NewTable(cfg.TablePath, logger)
	if err != nil {
		a.closeDevices()
		return nil, nil, err
	}
	a.table = table

	if err := a.loadState(sb); err != nil {
		table.Close()
		a.closeDevices()
		return nil, nil, err
	}

	return a, sb, nil
}

// loadState replays the block table into memory, dropping orphan extents
// written after the last committed superblock (a crash between write-back
// and superblock commit leaves those behind).
func (a *Allocator) loadState(sb *vdev.Superblock) error {
	nextBlockID, committedGen, _, err := a.table.LoadMeta()
	if err != nil {
		return fmt.Errorf("loading block table meta: %w", err)
	}
	a.nextBlockID = nextBlockID
	a.committedGen = committedGen
	if sb != nil {
		a.committedGen = sb.Generation
	}

	var orphans []*Extent
	if err := a.table.ForEachExtent(func(e *Extent) error {
		if e.Birth > a.committedGen {
			orphans = append(orphans, e)
			return nil
		}
		a.versions[e.Block] = append(a.versions[e.Block], e)
		return nil
	}); err != nil {
		return err
	}
	for _, e := range orphans {
		a.logger.Warn("dropping orphan extent from uncommitted generation",
			zap.Uint64("block", uint64(e.Block)),
			zap.Uint64("birth", e.Birth),
			zap.Uint64("committed_gen", a.committedGen),
		)
		if err := a.table.DeleteExtent(e.Block, e.Birth); err != nil {
			return err
		}
	}

	// Versions sorted by birth; a dead mark past the committed generation
	// never landed, the old version is still the live one.
	for _, vs := range a.versions {
		sort.Slice(vs, func(i, j int) bool { return vs[i].Birth < vs[j].Birth })
		for _, e := range vs {
			if e.Dead > a.committedGen {
				e.Dead = 0
			}
		}
	}

	a.rebuildFreeSpace()
	a.publishTierGauges()
	return nil
}

// rebuildFreeSpace derives each device's bump pointer and free spans from
// the extents that survived recovery.
func (a *Allocator) rebuildFreeSpace() {
	perDevice := make([][]span, len(a.devices))
	for _, vs := range a.versions {
		for _, e := range vs {
			perDevice[e.Device] = append(perDevice[e.Device], span{e.Offset, int64(e.Length)})
		}
	}
	for i, d := range a.devices {
		spans := perDevice[i]
		sort.Slice(spans, func(x, y int) bool { return spans[x].off < spans[y].off })
		d.free = nil
		d.used = 0
		cursor := int64(vdev.DataStart)
		for _, s := range spans {
			if s.off > cursor {
				d.free = append(d.free, span{cursor, s.off - cursor})
			}
			d.used += s.length
			cursor = s.off + s.length
		}
		d.next = cursor
	}
}

func (a *Allocator) closeDevices() {
	for _, d := range a.devices {
		d.dev.Close()
	}
}

// PoolChecksum is a CRC over the ordered device layout; it guards against
// opening a pool with a different device arrangement than it was written
// with.
func (a *Allocator) PoolChecksum() uint32 {
	var buf []byte
	for _, dc := range a.cfg.Devices {
		buf = append(buf, dc.Path...)
		buf = append(buf, '|')
		buf = append(buf, dc.Tier...)
		buf = append(buf, '|')
		buf = append(buf, fmt.Sprintf("%d;", dc.Capacity)...)
	}
	return crc32.ChecksumIEEE(buf)
}

// Primary returns the device that holds the superblock.
func (a *Allocator) Primary() vdev.Device {
	return a.devices[a.primary].dev
}

// Table exposes the durable block table (snapshot registry lives there too).
func (a *Allocator) Table() *Table {
	return a.table
}

// NewBlockID hands out the next logical block identifier.
func (a *Allocator) NewBlockID() BlockID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextBlockID++
	return BlockID(a.nextBlockID)
}

// Write places one serialized node version on a device chosen by the
// placement policy and records it in the block table. A previous live
// version of the same block is marked dead at gen; its space is reclaimed
// later, never here. Device failures retry and, if the pool policy allows,
// fail over to another tier.
func (a *Allocator) Write(ctx context.Context, block BlockID, gen uint64, data []byte, hint Hint, pref Preference) (*Extent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	length := int64(len(data))
	var lastErr error
	var failedTier Tier
	failed := false

	for _, di := range a.placementOrder(hint, pref) {
		d := a.devices[di]

		a.mu.Lock()
		off, ok := d.alloc(length)
		a.mu.Unlock()
		if !ok {
			continue
		}

		err := vdev.WriteFull(d.dev, data, off, a.cfg.WriteRetries, a.logger)
		if err != nil {
			a.mu.Lock()
			d.release(off, length)
			a.mu.Unlock()
			lastErr = err
			if !failed {
				failed = true
				failedTier = d.tier
			}
			if !a.cfg.Failover {
				return nil, err
			}
			a.logger.Warn("device write failed, trying failover",
				zap.String("device", d.dev.Path()),
				zap.String("tier", d.tier.String()),
				zap.Error(err),
			)
			continue
		}

		e := &Extent{
			Block:      block,
			Birth:      gen,
			Device:     di,
			Tier:       d.tier,
			Offset:     off,
			Length:     uint32(length),
			Checksum:   crc32.ChecksumIEEE(data),
			Hint:       hint,
			LastAccess: time.Now(),
		}
		if err := a.recordVersion(e); err != nil {
			return nil, err
		}

		if failed {
			metrics.WriteFailovers.WithLabelValues(failedTier.String(), d.tier.String()).Inc()
		}
		a.logger.Debug("extent written",
			zap.Uint64("block", uint64(block)),
			zap.Uint64("gen", gen),
			zap.String("tier", d.tier.String()),
			zap.Int64("offset", off),
			zap.Int64("length", length),
		)
		return e, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	metrics.AllocFailures.Inc()
	return nil, fmt.Errorf("allocating %d bytes (%s): %w", length, hint, ErrNoCapacity)
}

// recordVersion inserts a fresh extent and supersedes the previous live
// version of the same block.
func (a *Allocator) recordVersion(e *Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vs := a.versions[e.Block]
	var updates []*Extent

	// Rewriting the same generation (eviction write-back followed by more
	// mutations in the same sync epoch) replaces the prior attempt.
	for i, old := range vs {
		if old.Birth == e.Birth {
			a.devices[old.Device].release(old.Offset, int64(old.Length))
			a.adjustTierGauges(old, -1)
			vs[i] = e
			a.versions[e.Block] = vs
			a.adjustTierGauges(e, +1)
			return a.table.PutExtent(e)
		}
	}

	for _, old := range vs {
		if old.Dead == 0 {
			old.Dead = e.Birth
			updates = append(updates, old)
		}
	}
	vs = append(vs, e)
	sort.Slice(vs, func(i, j int) bool { return vs[i].Birth < vs[j].Birth })
	a.versions[e.Block] = vs
	a.adjustTierGauges(e, +1)

	updates = append(updates, e)
	return a.table.PutExtents(updates)
}

// Read fetches the bytes of one extent version. The physical coordinates
// are snapshotted under the lock and the bytes verified against the table
// checksum, so a migration racing the read cannot surface freed-span
// garbage; a mismatch re-resolves through the table and retries.
func (a *Allocator) Read(ctx context.Context, block BlockID, gen uint64) ([]byte, *Extent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	const attempts = 3
	for attempt := 0; attempt < attempts; attempt++ {
		a.mu.RLock()
		e := a.findVersion(block, gen)
		if e == nil {
			a.mu.RUnlock()
			return nil, nil, fmt.Errorf("block %d gen %d: %w", block, gen, ErrExtentNotFound)
		}
		dev := a.devices[e.Device].dev
		off, length, sum := e.Offset, e.Length, e.Checksum
		a.mu.RUnlock()

		buf := make([]byte, length)
		if err := vdev.ReadFull(dev, buf, off, a.cfg.WriteRetries); err != nil {
			return nil, nil, err
		}
		if crc32.ChecksumIEEE(buf) != sum {
			continue
		}

		a.mu.Lock()
		e.LastAccess = time.Now()
		a.mu.Unlock()
		return buf, e, nil
	}
	return nil, nil, fmt.Errorf("block %d gen %d: %w", block, gen, ErrChecksumMismatch)
}

// Lookup returns the block table entry for one persisted version.
func (a *Allocator) Lookup(block BlockID, gen uint64) (*Extent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e := a.findVersion(block, gen)
	if e == nil {
		return nil, fmt.Errorf("block %d gen %d: %w", block, gen, ErrExtentNotFound)
	}
	return e, nil
}

func (a *Allocator) findVersion(block BlockID, gen uint64) *Extent {
	for _, e := range a.versions[block] {
		if e.Birth == gen {
			return e
		}
	}
	return nil
}

// Supersede marks the live version of a block dead at gen without writing a
// replacement. Used when a node is retired entirely (merge, root collapse).
func (a *Allocator) Supersede(block BlockID, gen uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.versions[block] {
		if e.Dead == 0 {
			e.Dead = gen
			return a.table.PutExtent(e)
		}
	}
	return nil
}

// DeadExtents returns a snapshot of all superseded versions, for the
// reclamation loop.
func (a *Allocator) DeadExtents() []*Extent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var dead []*Extent
	for _, vs := range a.versions {
		for _, e := range vs {
			if e.Dead != 0 {
				dead = append(dead, e)
			}
		}
	}
	return dead
}

// Reclaim returns a dead extent's space to its device and drops it from the
// block table.
func (a *Allocator) Reclaim(e *Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vs := a.versions[e.Block]
	for i, v := range vs {
		if v.Birth == e.Birth {
			a.devices[v.Device].release(v.Offset, int64(v.Length))
			a.adjustTierGauges(v, -1)
			a.versions[e.Block] = append(vs[:i], vs[i+1:]...)
			if len(a.versions[e.Block]) == 0 {
				delete(a.versions, e.Block)
			}
			return a.table.DeleteExtent(e.Block, e.Birth)
		}
	}
	return nil
}

// ColdCandidates returns live leaf extents on the fast tier that have not
// been read since the cutoff, oldest access first.
func (a *Allocator) ColdCandidates(cutoff time.Time) []*Extent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var cold []*Extent
	for _, vs := range a.versions {
		for _, e := range vs {
			if e.Dead == 0 && e.Hint == HintData && e.Tier == TierFast && e.LastAccess.Before(cutoff) {
				cold = append(cold, e)
			}
		}
	}
	sort.Slice(cold, func(i, j int) bool { return cold[i].LastAccess.Before(cold[j].LastAccess) })
	return cold
}

// Migrate moves one extent version to another tier. Logical addressing
// keeps parent pointers valid; only the block table changes.
func (a *Allocator) Migrate(ctx context.Context, e *Extent, to Tier) error {
	data, cur, err := a.Read(ctx, e.Block, e.Birth)
	if err != nil {
		return err
	}

	length := int64(len(data))
	for di, d := range a.devices {
		if d.tier != to || di == cur.Device {
			continue
		}
		a.mu.Lock()
		off, ok := d.alloc(length)
		a.mu.Unlock()
		if !ok {
			continue
		}

		if err := vdev.WriteFull(d.dev, data, off, a.cfg.WriteRetries, a.logger); err != nil {
			a.mu.Lock()
			d.release(off, length)
			a.mu.Unlock()
			return err
		}
		if err := d.dev.Sync(); err != nil {
			return fmt.Errorf("syncing %s after migration: %w", d.dev.Path(), err)
		}

		a.mu.Lock()
		a.adjustTierGauges(cur, -1)
		a.devices[cur.Device].release(cur.Offset, int64(cur.Length))
		from := cur.Tier
		cur.Device = di
		cur.Tier = to
		cur.Offset = off
		a.adjustTierGauges(cur, +1)
		err = a.table.PutExtent(cur)
		a.mu.Unlock()
		if err != nil {
			return err
		}

		metrics.Migrations.WithLabelValues(from.String(), to.String()).Inc()
		a.logger.Debug("extent migrated",
			zap.Uint64("block", uint64(cur.Block)),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return nil
	}
	return fmt.Errorf("migrating block %d to %s tier: %w", e.Block, to, ErrNoCapacity)
}

// Commit persists the allocator counters for the given committed generation.
// Called after the superblock write that makes gen durable.
func (a *Allocator) Commit(gen uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committedGen = gen
	next := make([]int64, len(a.devices))
	for i, d := range a.devices {
		next[i] = d.next
	}
	return a.table.SaveMeta(a.nextBlockID, gen, next)
}

// CommittedGen returns the generation of the last committed superblock.
func (a *Allocator) CommittedGen() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committedGen
}

// SyncDevices fsyncs every device in the pool.
func (a *Allocator) SyncDevices() error {
	for _, d := range a.devices {
		if err := d.dev.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", d.dev.Path(), err)
		}
	}
	return nil
}

// Stats reports per-tier usage.
func (a *Allocator) Stats() []TierStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byTier := map[Tier]*TierStats{}
	for _, d := range a.devices {
		st, ok := byTier[d.tier]
		if !ok {
			st = &TierStats{Tier: d.tier}
			byTier[d.tier] = st
		}
		st.CapacityMax += d.capacity - vdev.DataStart
	}
	for _, vs := range a.versions {
		for _, e := range vs {
			st := byTier[e.Tier]
			st.BlockCount++
			st.TotalBytes += int64(e.Length)
		}
	}
	var stats []TierStats
	for _, t := range []Tier{TierFast, TierSlow} {
		if st, ok := byTier[t]; ok {
			stats = append(stats, *st)
		}
	}
	return stats
}

func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if err := a.table.Close(); err != nil {
		firstErr = err
	}
	for _, d := range a.devices {
		if err := d.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Allocator) adjustTierGauges(e *Extent, sign float64) {
	metrics.TierBlockCount.WithLabelValues(e.Tier.String()).Add(sign)
	metrics.TierBytes.WithLabelValues(e.Tier.String()).Add(sign * float64(e.Length))
}

func (a *Allocator) publishTierGauges() {
	for _, vs := range a.versions {
		for _, e := range vs {
			a.adjustTierGauges(e, +1)
		}
	}
}

// alloc reserves a span on the device: first fit from the free list, then
// the bump pointer. Caller holds the allocator lock.
func (d *poolDevice) alloc(length int64) (int64, bool) {
	for i, s := range d.free {
		if s.length >= length {
			off := s.off
			if s.length == length {
				d.free = append(d.free[:i], d.free[i+1:]...)
			} else {
				d.free[i] = span{s.off + length, s.length - length}
			}
			d.used += length
			return off, true
		}
	}
	if d.next+length <= d.capacity {
		off := d.next
		d.next += length
		d.used += length
		return off, true
	}
	return 0, false
}

// release returns a span to the free list, coalescing with neighbors.
// Caller holds the allocator lock.
func (d *poolDevice) release(off, length int64) {
	d.used -= length
	i := sort.Search(len(d.free), func(i int) bool { return d.free[i].off >= off })
	d.free = append(d.free, span{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = span{off, length}

	// Merge with the right neighbor, then the left.
	if i+1 < len(d.free) && d.free[i].off+d.free[i].length == d.free[i+1].off {
		d.free[i].length += d.free[i+1].length
		d.free = append(d.free[:i+1], d.free[i+2:]...)
	}
	if i > 0 && d.free[i-1].off+d.free[i-1].length == d.free[i].off {
		d.free[i-1].length += d.free[i].length
		d.free = append(d.free[:i], d.free[i+1:]...)
	}
}
