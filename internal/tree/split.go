package tree

import (
	"context"

	"github.com/jwuensche/haura/internal/metrics"
)

// canSplit reports whether a node has enough content to divide: a leaf needs
// two entries, an internal node must keep MinFanout children on both sides.
func (t *Tree) canSplit(n *Node) bool {
	if n.kind == KindLeaf {
		return len(n.entries) >= 2
	}
	return len(n.children) >= 2*t.cfg.MinFanout
}

// splitNode divides a write-locked dirty node in place, byte-balanced, and
// returns the new right sibling plus the pivot separating the halves. The
// right node is registered dirty at the in-flight generation.
func (t *Tree) splitNode(n *Node) (*Node, []byte) {
	gen := t.nextGen.Load()
	right := &Node{
		block: t.alloc.NewBlockID(),
		gen:   gen,
		kind:  n.kind,
		pref:  n.pref,
	}
	right.dirty.Store(true)

	var pivot []byte
	if n.kind == KindLeaf {
		k := t.leafSplitPoint(n)
		right.entries = append([]LeafEntry(nil), n.entries[k:]...)
		n.entries = n.entries[:k:k]
		pivot = append([]byte(nil), right.entries[0].Key...)
	} else {
		k := t.internalSplitPoint(n)
		pivot = append([]byte(nil), n.pivots[k-1]...)
		right.pivots = append([][]byte(nil), n.pivots[k:]...)
		right.children = append([]childSlot(nil), n.children[k:]...)
		n.pivots = n.pivots[: k-1 : k-1]
		n.children = n.children[:k:k]
	}
	n.recompute()
	right.recompute()

	t.cache.Add(t.cacheKey(NodePointer{Block: right.block, Gen: gen}), right)
	t.dirtyMu.Lock()
	t.dirty[right.block] = right
	t.dirtyMu.Unlock()

	metrics.NodeSplits.WithLabelValues(n.kind.String()).Inc()
	return right, pivot
}

// leafSplitPoint finds the entry index where the serialized left half first
// reaches half the leaf's payload.
func (t *Tree) leafSplitPoint(n *Node) int {
	var total int64
	for _, e := range n.entries {
		total += leafEntryFraming + int64(len(e.Key)) + int64(len(e.Value))
	}
	var acc int64
	for i, e := range n.entries {
		acc += leafEntryFraming + int64(len(e.Key)) + int64(len(e.Value))
		if acc >= total/2 && i+1 < len(n.entries) {
			return i + 1
		}
	}
	return len(n.entries) - 1
}

// internalSplitPoint balances serialized child contributions while keeping
// MinFanout children on each side.
func (t *Tree) internalSplitPoint(n *Node) int {
	contrib := func(i int) int64 {
		s := int64(childFraming) + n.children[i].buf.Bytes()
		if i < len(n.pivots) {
			s += pivotFraming + int64(len(n.pivots[i]))
		}
		return s
	}
	var total int64
	for i := range n.children {
		total += contrib(i)
	}
	lo, hi := t.cfg.MinFanout, len(n.children)-t.cfg.MinFanout
	var acc int64
	for i := 0; i < len(n.children); i++ {
		acc += contrib(i)
		if acc >= total/2 {
			k := i + 1
			if k < lo {
				return lo
			}
			if k > hi {
				return hi
			}
			return k
		}
	}
	return hi
}

// splitChild splits child (write-locked, dirty) and wires the new sibling
// into the parent: pivot inserted, slot added, and any messages still
// pending in the parent's slot divided by the pivot.
func (t *Tree) splitChild(parent *Node, i int, child *Node) {
	right, pivot := t.splitNode(child)

	rightBuf := parent.children[i].buf.SplitAt(pivot)

	parent.pivots = append(parent.pivots, nil)
	copy(parent.pivots[i+1:], parent.pivots[i:])
	parent.pivots[i] = pivot

	parent.children = append(parent.children, childSlot{})
	copy(parent.children[i+2:], parent.children[i+1:])
	parent.children[i+1] = childSlot{
		ptr: NodePointer{Block: right.block, Gen: right.gen},
		buf: rightBuf,
	}
	parent.recompute()
}

// splitRoot grows the tree by one level: the write-locked dirty root is
// split and a fresh internal root adopts both halves.
func (t *Tree) splitRoot(root *Node) {
	gen := t.nextGen.Load()
	right, pivot := t.splitNode(root)

	newRoot := &Node{
		block:  t.alloc.NewBlockID(),
		gen:    gen,
		kind:   KindInternal,
		pivots: [][]byte{pivot},
		children: []childSlot{
			{ptr: NodePointer{Block: root.block, Gen: root.gen}, buf: NewBuffer()},
			{ptr: NodePointer{Block: right.block, Gen: right.gen}, buf: NewBuffer()},
		},
	}
	newRoot.dirty.Store(true)
	newRoot.recompute()

	t.cache.Add(t.cacheKey(NodePointer{Block: newRoot.block, Gen: gen}), newRoot)
	t.dirtyMu.Lock()
	t.dirty[newRoot.block] = newRoot
	t.dirtyMu.Unlock()

	t.rootMu.Lock()
	t.root = NodePointer{Block: newRoot.block, Gen: gen}
	t.depth++
	depth := t.depth
	t.rootMu.Unlock()

	metrics.TreeDepth.Set(float64(depth))
}

// RebalanceAt walks from the root toward key and fixes the first node found
// outside its size corridor: over-threshold buffers are flushed, oversize
// nodes split. Driven by the maintenance workers for nodes a flush could not
// fix in place.
func (t *Tree) RebalanceAt(ctx context.Context, key []byte) error {
	t.opMu.RLock()
	defer t.opMu.RUnlock()

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
		err = t.rebalancePath(ctx, root, key)
		root.mu.Unlock()
		return err
	}
}

// rebalancePath holds the whole descent path write-locked so the dirty
// cascade stays intact while a deep node is restructured. Tree depth bounds
// the held locks.
func (t *Tree) rebalancePath(ctx context.Context, root *Node, key []byte) error {
	if root.kind == KindLeaf {
		return nil
	}
	t.touchNode(root, nil, 0)

	path := []*Node{root}
	defer func() {
		for i := len(path) - 1; i >= 1; i-- {
			path[i].mu.Unlock()
		}
	}()

	n := root
	for n.kind == KindInternal {
		if n.bufferBytes() > int64(t.cfg.FlushThreshold) {
			if err := t.flushNode(ctx, n); err != nil {
				return err
			}
		}
		i := n.childIndex(key)
		child, err := t.loadNode(ctx, n.children[i].ptr)
		if err != nil {
			return err
		}
		child.mu.Lock()
		path = append(path, child)
		if child.CacheWeight() > int64(t.cfg.SplitThreshold) && t.canSplit(child) {
			t.touchNode(child, n, i)
			t.splitChild(n, i, child)
			t.cache.Update(t.cacheKey(NodePointer{Block: n.block, Gen: n.gen}))
			return nil
		}
		if child.kind == KindLeaf {
			return nil
		}
		t.touchNode(child, n, i)
		n = child
	}
	return nil
}
