package tree

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/cache"
	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/cow"
	"github.com/jwuensche/haura/internal/metrics"
	"github.com/jwuensche/haura/internal/vdev"
)

// Tree is the buffered message tree controller. It wires the node model to
// the allocator, the node cache and the snapshot manager, and owns the root
// pointer, the sequence counter and the in-flight generation.
//
// Concurrency model: ordinary operations share opMu and take per-node locks
// with lock coupling, top-down. Sync holds opMu exclusively so it observes a
// stable tree. The root pointer is swapped under rootMu; an operation that
// locked a stale root detects the swap and retries.
type Tree struct {
	cfg     config.TreeConfig
	alloc   *alloc.Allocator
	cache   *cache.Cache
	cow     *cow.Manager
	merger  Merger
	retries int
	logger  *zap.Logger

	opMu sync.RWMutex

	rootMu      sync.RWMutex
	root        NodePointer
	syncedRoot  NodePointer
	syncedGen   uint64
	lastRootExt *alloc.Extent
	depth       int

	nextSeq atomic.Uint64
	nextGen atomic.Uint64

	dirtyMu sync.Mutex
	dirty   map[alloc.BlockID]*Node

	rebalance chan []byte
}

// Open restores the tree from a recovered superblock, or creates a fresh
// single-leaf tree when sb is nil. The first Sync persists the fresh root.
func Open(ctx context.Context, cfg config.TreeConfig, a *alloc.Allocator, c *cache.Cache, cw *cow.Manager, mg Merger, retries int, logger *zap.Logger, sb *vdev.Superblock) (*Tree, error) {
	if mg == nil {
		mg = AppendMerger{}
	}
	t := &Tree{
		cfg:       cfg,
		alloc:     a,
		cache:     c,
		cow:       cw,
		merger:    mg,
		retries:   retries,
		logger:    logger,
		dirty:     make(map[alloc.BlockID]*Node),
		rebalance: make(chan []byte, 128),
	}

	if sb == nil {
		t.nextGen.Store(1)
		root := newLeaf(a.NewBlockID(), 1)
		root.dirty.Store(true)
		t.root = NodePointer{Block: root.block, Gen: 1}
		t.cache.Add(t.cacheKey(t.root), root)
		t.dirty[root.block] = root
		t.depth = 1
		logger.Info("initialized empty tree", zap.Uint64("root_block", uint64(root.block)))
	} else {
		t.root = NodePointer{Block: alloc.BlockID(sb.RootBlock), Gen: sb.RootGen}
		t.syncedRoot = t.root
		t.syncedGen = sb.Generation
		t.nextGen.Store(sb.Generation + 1)
		t.nextSeq.Store(sb.LastSeq)
		depth, err := t.measureDepth(ctx)
		if err != nil {
			return nil, fmt.Errorf("walking recovered tree: %w", err)
		}
		t.depth = depth
		logger.Info("recovered tree",
			zap.Uint64("generation", sb.Generation),
			zap.Uint64("root_block", sb.RootBlock),
			zap.Int("depth", depth),
		)
	}
	metrics.TreeDepth.Set(float64(t.depth))
	return t, nil
}

func (t *Tree) measureDepth(ctx context.Context) (int, error) {
	depth := 1
	ptr := t.root
	for {
		n, err := t.loadNode(ctx, ptr)
		if err != nil {
			return 0, err
		}
		n.mu.RLock()
		if n.kind == KindLeaf {
			n.mu.RUnlock()
			return depth, nil
		}
		ptr = n.children[0].ptr
		n.mu.RUnlock()
		depth++
	}
}

func (t *Tree) cacheKey(p NodePointer) cache.Key {
	return cache.Key{Block: uint64(p.Block), Gen: p.Gen}
}

// SyncedRoot returns the root pointer the last Sync made durable. Writes
// issued afterwards move the live root to the in-flight generation without
// affecting it.
func (t *Tree) SyncedRoot() NodePointer {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.syncedRoot
}

// SnapshotRecord describes the last synced root for snapshot registration.
func (t *Tree) SnapshotRecord() alloc.SnapshotRecord {
	t.rootMu.RLock()
	root := t.syncedRoot
	gen := t.syncedGen
	ext := t.lastRootExt
	t.rootMu.RUnlock()
	rec := alloc.SnapshotRecord{
		Gen:       gen,
		RootBlock: uint64(root.Block),
		RootGen:   root.Gen,
		CreatedAt: time.Now(),
	}
	if ext != nil {
		rec.RootChecksum = ext.Checksum
		rec.RootSize = ext.Length
	}
	return rec
}

// RebalanceQueue delivers keys near nodes that outgrew their threshold
// during a flush and could not be fixed in place. Consumed by the
// maintenance workers.
func (t *Tree) RebalanceQueue() <-chan []byte {
	return t.rebalance
}

func (t *Tree) enqueueRebalance(key []byte) {
	select {
	case t.rebalance <- append([]byte(nil), key...):
	default:
		// queue full; a later flush through the same node will re-enqueue
	}
}

// loadNode fetches a node version through the cache, decoding and verifying
// it on miss.
func (t *Tree) loadNode(ctx context.Context, ptr NodePointer) (*Node, error) {
	v, err := t.cache.Get(ctx, t.cacheKey(ptr), func(ctx context.Context) (cache.Value, error) {
		raw, _, err := t.alloc.Read(ctx, ptr.Block, ptr.Gen)
		if err != nil {
			return nil, err
		}
		n, err := DecodeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d gen %d: %w", ptr.Block, ptr.Gen, err)
		}
		if n.gen != ptr.Gen {
			return nil, fmt.Errorf("block %d: generation mismatch, pointer %d vs node %d: %w",
				ptr.Block, ptr.Gen, n.gen, ErrCorrupted)
		}
		n.block = ptr.Block
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Node), nil
}

// touchNode marks a node dirty at the in-flight generation, moving its cache
// key and updating the pointer in its parent (or the root pointer). The
// caller holds the node's write lock; parents of dirty nodes are dirty
// themselves, so the cascade is always one level.
func (t *Tree) touchNode(n *Node, parent *Node, slot int) {
	gen := t.nextGen.Load()
	if n.dirty.Load() && n.gen == gen {
		return
	}
	old := t.cacheKey(NodePointer{Block: n.block, Gen: n.gen})
	n.gen = gen
	n.dirty.Store(true)
	if newKey := t.cacheKey(NodePointer{Block: n.block, Gen: gen}); newKey != old {
		t.cache.Rekey(old, newKey)
	}
	t.dirtyMu.Lock()
	t.dirty[n.block] = n
	t.dirtyMu.Unlock()

	if parent != nil {
		parent.children[slot].ptr.Gen = gen
	} else {
		t.rootMu.Lock()
		t.root.Gen = gen
		t.rootMu.Unlock()
	}
}

func (t *Tree) dirtyChild(ptr NodePointer) *Node {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	n := t.dirty[ptr.Block]
	if n == nil || n.gen != ptr.Gen {
		return nil
	}
	return n
}

// Get resolves a key against the live tree.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, error) {
	t.opMu.RLock()
	defer t.opMu.RUnlock()
	return t.get(ctx, NodePointer{}, key)
}

// GetAt resolves a key against a pinned snapshot root.
func (t *Tree) GetAt(ctx context.Context, root NodePointer, key []byte) ([]byte, error) {
	t.opMu.RLock()
	defer t.opMu.RUnlock()
	return t.get(ctx, root, key)
}

func (t *Tree) get(ctx context.Context, fixed NodePointer, key []byte) ([]byte, error) {
	for {
		root := fixed
		if root.isZero() {
			t.rootMu.RLock()
			root = t.root
			t.rootMu.RUnlock()
		}
		n, err := t.loadNode(ctx, root)
		if err != nil {
			return nil, err
		}
		n.mu.RLock()
		if fixed.isZero() {
			t.rootMu.RLock()
			cur := t.root
			t.rootMu.RUnlock()
			if cur.Block != n.block {
				n.mu.RUnlock()
				continue // root swapped under us
			}
		}

		// pending collects upsert deltas top-down: index 0 is the newest.
		var pending []Message
		for n.kind == KindInternal {
			i := n.childIndex(key)
			if m, ok := n.children[i].buf.Get(key); ok {
				switch m.Op {
				case OpInsert:
					v, err := t.resolve(m.Value, true, pending)
					n.mu.RUnlock()
					return v, err
				case OpDelete:
					v, err := t.resolve(nil, false, pending)
					n.mu.RUnlock()
					return v, err
				case OpUpsert:
					pending = append(pending, m)
				}
			}
			child, err := t.loadNode(ctx, n.children[i].ptr)
			if err != nil {
				n.mu.RUnlock()
				return nil, err
			}
			child.mu.RLock()
			n.mu.RUnlock()
			n = child
		}

		var base []byte
		found := false
		if i, ok := n.find(key); ok && !n.entries[i].Tombstone {
			base = n.entries[i].Value
			found = true
		}
		v, err := t.resolve(base, found, pending)
		n.mu.RUnlock()
		return v, err
	}
}

// resolve applies collected upsert deltas, deepest (oldest) first, onto the
// base value. Returns a copy so callers never alias cached node memory.
func (t *Tree) resolve(base []byte, found bool, pending []Message) ([]byte, error) {
	for i := len(pending) - 1; i >= 0; i-- {
		base = t.merger.Apply(base, found, pending[i].Value)
		found = true
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), base...), nil
}

// Insert buffers a full-value write.
func (t *Tree) Insert(ctx context.Context, key, value []byte, pref alloc.Preference) error {
	return t.apply(ctx, OpInsert, key, value, pref)
}

// Upsert buffers a delta resolved by the tree's Merger when it meets prior
// state.
func (t *Tree) Upsert(ctx context.Context, key, delta []byte, pref alloc.Preference) error {
	return t.apply(ctx, OpUpsert, key, delta, pref)
}

// Delete buffers a deletion.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	return t.apply(ctx, OpDelete, key, nil, alloc.PrefNone)
}

func (t *Tree) apply(ctx context.Context, op Op, key, value []byte, pref alloc.Preference) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > math.MaxUint16 {
		return ErrKeyTooLarge
	}
	if int64(len(value)) > int64(t.cfg.MaxMessageSize) {
		return fmt.Errorf("%d byte payload, maximum %d: %w",
			len(value), t.cfg.MaxMessageSize, ErrMessageTooLarge)
	}

	t.opMu.RLock()
	defer t.opMu.RUnlock()

	m := Message{
		Op:   op,
		Key:  append([]byte(nil), key...),
		Seq:  t.nextSeq.Add(1),
		Pref: pref,
	}
	if value != nil {
		m.Value = append([]byte(nil), value...)
	}

	for {
		t.rootMu.RLock()
		rootPtr := t.root
		t.rootMu.RUnlock()
		root, err := t.loadNode(ctx, rootPtr)
		if err != nil {
			return err
		}
		root.mu.Lock()
		t.rootMu.RLock()
		cur := t.root
		t.rootMu.RUnlock()
		if cur.Block != root.block {
			root.mu.Unlock()
			continue
		}
		err = t.applyAtRoot(ctx, root, m)
		root.mu.Unlock()
		if err == nil {
			metrics.Operations.WithLabelValues(op.String()).Inc()
		}
		return err
	}
}

// applyAtRoot inserts one message with the root write-locked. The message
// lands in the deepest already-dirty internal node whose buffer does not yet
// hold the key, avoiding needless recombination on the way down later.
func (t *Tree) applyAtRoot(ctx context.Context, root *Node, m Message) error {
	t.touchNode(root, nil, 0)

	if root.kind == KindLeaf {
		keep := t.cow.HasSnapshotBefore(t.nextGen.Load())
		root.applyMessage(m, t.merger, keep)
		root.pref = root.pref.Faster(m.Pref)
		root.recompute()
		if root.CacheWeight() > int64(t.cfg.SplitThreshold) && t.canSplit(root) {
			t.splitRoot(root)
		}
		t.cache.Update(t.cacheKey(NodePointer{Block: root.block, Gen: root.gen}))
		return nil
	}

	n := root
	var extra []*Node // locked descent nodes below root
	defer func() {
		for i := len(extra) - 1; i >= 0; i-- {
			extra[i].mu.Unlock()
		}
	}()

	for {
		i := n.childIndex(m.Key)
		if _, ok := n.children[i].buf.Get(m.Key); ok {
			break
		}
		child := t.dirtyChild(n.children[i].ptr)
		if child == nil {
			break
		}
		child.mu.Lock()
		if child.kind != KindInternal || !child.dirty.Load() || child.gen != n.children[i].ptr.Gen {
			child.mu.Unlock()
			break
		}
		extra = append(extra, child)
		n = child
	}

	i := n.childIndex(m.Key)
	n.children[i].buf.Put(m, t.merger)
	n.recompute()

	if n.bufferBytes() > int64(t.cfg.FlushThreshold) {
		if err := t.flushNode(ctx, n); err != nil {
			return err
		}
	}
	if n.CacheWeight() > int64(t.cfg.SplitThreshold) && t.canSplit(n) {
		if n == root {
			t.splitRoot(root)
		} else {
			t.enqueueRebalance(m.Key)
		}
	}
	t.cache.Update(t.cacheKey(NodePointer{Block: n.block, Gen: n.gen}))

	if n != root {
		root.recompute()
		t.cache.Update(t.cacheKey(NodePointer{Block: root.block, Gen: root.gen}))
	}
	t.maybeCollapseRoot(root)
	return nil
}

// maybeCollapseRoot replaces a single-child internal root with its child.
// The caller holds the root's write lock.
func (t *Tree) maybeCollapseRoot(root *Node) {
	if root.kind != KindInternal || len(root.children) != 1 || root.children[0].buf.Len() != 0 {
		return
	}
	child := root.children[0].ptr
	t.rootMu.Lock()
	t.root = child
	t.depth--
	t.rootMu.Unlock()
	t.retireNode(root)
	metrics.TreeDepth.Set(float64(t.depth))
	t.logger.Debug("collapsed root", zap.Uint64("new_root", uint64(child.Block)))
}

// retireNode drops a node that no longer belongs to the live tree: out of
// the dirty set, out of the cache, and its last persisted version marked
// dead. Snapshot roots pointing at it stay readable until reclamation.
func (t *Tree) retireNode(n *Node) {
	t.dirtyMu.Lock()
	if t.dirty[n.block] == n {
		delete(t.dirty, n.block)
	}
	t.dirtyMu.Unlock()
	n.dirty.Store(false)
	t.cache.Remove(t.cacheKey(NodePointer{Block: n.block, Gen: n.gen}))
	if err := t.alloc.Supersede(n.block, t.nextGen.Load()); err != nil {
		t.logger.Error("failed to retire node",
			zap.Uint64("block", uint64(n.block)), zap.Error(err))
	}
}

// WriteBackDirtyLeaves persists dirty leaves at the in-flight generation so
// the cache can evict them. Durability still waits for the next Sync; a
// crash before it discards these extents during recovery.
func (t *Tree) WriteBackDirtyLeaves(ctx context.Context) error {
	t.opMu.RLock()
	defer t.opMu.RUnlock()

	t.dirtyMu.Lock()
	var leaves []*Node
	for _, n := range t.dirty {
		if n.kind == KindLeaf {
			leaves = append(leaves, n)
		}
	}
	t.dirtyMu.Unlock()

	gen := t.nextGen.Load()
	for _, n := range leaves {
		n.mu.RLock()
		if !n.dirty.Load() || n.gen != gen {
			n.mu.RUnlock()
			continue
		}
		if _, err := t.writeNodeLocked(ctx, n, gen); err != nil {
			n.mu.RUnlock()
			return err
		}
		n.dirty.Store(false)
		n.mu.RUnlock()
		t.cache.Update(t.cacheKey(NodePointer{Block: n.block, Gen: gen}))
		t.dirtyMu.Lock()
		if t.dirty[n.block] == n {
			delete(t.dirty, n.block)
		}
		t.dirtyMu.Unlock()
	}
	return nil
}

// writeNodeLocked serializes and persists one node version. The caller holds
// at least a read lock on the node.
func (t *Tree) writeNodeLocked(ctx context.Context, n *Node, gen uint64) (*alloc.Extent, error) {
	hint := alloc.HintData
	if n.kind == KindInternal {
		hint = alloc.HintMeta
	}
	return t.alloc.Write(ctx, n.block, gen, n.Encode(), hint, n.pref)
}

// Sync makes every write up to the call durable: all dirty nodes are written
// at the in-flight generation, devices are fsynced, and the superblock lands
// last. Only then is the generation committed and advanced.
func (t *Tree) Sync(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	start := time.Now()
	t.dirtyMu.Lock()
	nodes := make([]*Node, 0, len(t.dirty))
	for _, n := range t.dirty {
		nodes = append(nodes, n)
	}
	t.dirtyMu.Unlock()

	gen := t.nextGen.Load()
	t.rootMu.RLock()
	root := t.root
	syncedGen := t.syncedGen
	t.rootMu.RUnlock()
	if len(nodes) == 0 && root.Gen == syncedGen {
		return nil
	}

	var rootExt *alloc.Extent
	for _, n := range nodes {
		ext, err := t.writeNodeLocked(ctx, n, gen)
		if err != nil {
			return fmt.Errorf("writing block %d: %w", n.block, err)
		}
		if n.block == root.Block {
			rootExt = ext
		}
	}
	if rootExt == nil {
		// The root was already persisted by a pressure write-back in this
		// epoch; its extent is in the table, only the commit is missing.
		ext, err := t.alloc.Lookup(root.Block, root.Gen)
		if err != nil {
			return fmt.Errorf("resolving root extent: %w", err)
		}
		rootExt = ext
	}

	if err := t.alloc.SyncDevices(); err != nil {
		return err
	}
	sb := &vdev.Superblock{
		RootBlock:    uint64(root.Block),
		RootGen:      root.Gen,
		RootChecksum: rootExt.Checksum,
		RootSize:     rootExt.Length,
		Generation:   gen,
		LastSeq:      t.nextSeq.Load(),
		PoolChecksum: t.alloc.PoolChecksum(),
	}
	if err := vdev.WriteSuperblock(t.alloc.Primary(), sb, t.retries); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	if err := t.alloc.Commit(gen); err != nil {
		return fmt.Errorf("committing generation %d: %w", gen, err)
	}

	for _, n := range nodes {
		n.dirty.Store(false)
		t.cache.Update(t.cacheKey(NodePointer{Block: n.block, Gen: n.gen}))
	}
	t.dirtyMu.Lock()
	t.dirty = make(map[alloc.BlockID]*Node)
	t.dirtyMu.Unlock()
	t.rootMu.Lock()
	t.syncedRoot = t.root
	t.syncedGen = gen
	t.lastRootExt = rootExt
	t.rootMu.Unlock()
	t.nextGen.Store(gen + 1)

	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	metrics.SyncedGeneration.Set(float64(gen))
	t.logger.Info("sync complete",
		zap.Uint64("generation", gen),
		zap.Int("nodes", len(nodes)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
