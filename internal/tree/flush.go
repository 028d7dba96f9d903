package tree

import (
	"context"
	"sort"

	"github.com/jwuensche/haura/internal/metrics"
)

// flushNode drains over-threshold buffers of an internal node toward its
// children, one victim child at a time, recursing when a child's own buffer
// fills up. The caller holds n's write lock and n is dirty.
func (t *Tree) flushNode(ctx context.Context, n *Node) error {
	for n.bufferBytes() > int64(t.cfg.FlushThreshold) {
		if err := ctx.Err(); err != nil {
			return err
		}
		i := t.victimSlot(n)
		if i < 0 {
			return nil
		}
		if err := t.flushSlot(ctx, n, i); err != nil {
			return err
		}
		n.recompute()
		t.cache.Update(t.cacheKey(NodePointer{Block: n.block, Gen: n.gen}))
	}
	return nil
}

// victimSlot picks the child buffer to flush: the one with the most pending
// bytes, or the one holding the oldest message, per the configured policy.
func (t *Tree) victimSlot(n *Node) int {
	best := -1
	if t.cfg.FlushPolicy == "oldest" {
		var bestSeq uint64
		for i := range n.children {
			seq := n.children[i].buf.OldestSeq()
			if seq == 0 {
				continue
			}
			if best < 0 || seq < bestSeq {
				best, bestSeq = i, seq
			}
		}
		return best
	}
	var bestBytes int64
	for i := range n.children {
		if b := n.children[i].buf.Bytes(); b > bestBytes {
			best, bestBytes = i, b
		}
	}
	return best
}

func (t *Tree) flushSlot(ctx context.Context, n *Node, i int) error {
	msgs := n.children[i].buf.Drain()
	if len(msgs) == 0 {
		return nil
	}

	child, err := t.loadNode(ctx, n.children[i].ptr)
	if err != nil {
		for _, m := range msgs {
			n.children[i].buf.Put(m, t.merger)
		}
		return err
	}
	child.mu.Lock()
	t.touchNode(child, n, i)

	metrics.BufferFlushes.Inc()
	metrics.FlushedMessages.Add(float64(len(msgs)))

	if child.kind == KindLeaf {
		// Leaves apply in sequence order so interleaved ops on one key
		// resolve the way they were issued.
		sort.Slice(msgs, func(a, b int) bool { return msgs[a].Seq < msgs[b].Seq })
		keep := t.cow.HasSnapshotBefore(t.nextGen.Load())
		for _, m := range msgs {
			child.applyMessage(m, t.merger, keep)
			child.pref = child.pref.Faster(m.Pref)
		}
		if !keep {
			child.dropTombstones()
		}
		child.recompute()
		return t.rebalanceChild(ctx, n, i, child) // unlocks child
	}

	for _, m := range msgs {
		j := child.childIndex(m.Key)
		child.children[j].buf.Put(m, t.merger)
	}
	child.recompute()

	if child.bufferBytes() > int64(t.cfg.FlushThreshold) {
		if err := t.flushNode(ctx, child); err != nil {
			child.mu.Unlock()
			return err
		}
	}
	if child.CacheWeight() > int64(t.cfg.SplitThreshold) && t.canSplit(child) {
		t.splitChild(n, i, child)
	}
	t.cache.Update(t.cacheKey(NodePointer{Block: child.block, Gen: child.gen}))
	child.mu.Unlock()
	return nil
}

// rebalanceChild fixes a leaf that left its size corridor after a flush:
// split when oversize, merge or redistribute with a sibling when undersize.
// Takes ownership of child's lock and releases it.
func (t *Tree) rebalanceChild(ctx context.Context, parent *Node, i int, child *Node) error {
	switch {
	case child.CacheWeight() > int64(t.cfg.SplitThreshold) && t.canSplit(child):
		t.splitChild(parent, i, child)
	case child.CacheWeight() < int64(t.cfg.MergeThreshold) && len(parent.children) > 1:
		return t.mergeOrRedistribute(ctx, parent, i, child) // unlocks child
	}
	t.cache.Update(t.cacheKey(NodePointer{Block: child.block, Gen: child.gen}))
	child.mu.Unlock()
	return nil
}

// mergeOrRedistribute folds an undersized leaf into an adjacent sibling when
// the pair fits one node, otherwise moves entries across until both are
// healthy. Takes ownership of child's lock and releases it.
func (t *Tree) mergeOrRedistribute(ctx context.Context, parent *Node, i int, child *Node) error {
	j := i - 1
	if i == 0 {
		j = 1
	}
	sib, err := t.loadNode(ctx, parent.children[j].ptr)
	if err != nil {
		child.mu.Unlock()
		return err
	}
	sib.mu.Lock()
	t.touchNode(sib, parent, j)

	left, right := child, sib
	li, ri := i, j
	if j < i {
		left, right = sib, child
		li, ri = j, i
	}

	combined := left.CacheWeight() + right.CacheWeight() - int64(nodeHeaderSize+nodeTrailerSize+4)
	if combined <= int64(t.cfg.SplitThreshold) {
		left.entries = append(left.entries, right.entries...)
		left.pref = left.pref.Faster(right.pref)
		left.recompute()

		parent.children[li].buf.Absorb(parent.children[ri].buf, t.merger)
		parent.pivots = append(parent.pivots[:li], parent.pivots[li+1:]...)
		parent.children = append(parent.children[:ri], parent.children[ri+1:]...)
		parent.recompute()

		t.retireNode(right)
		metrics.NodeMerges.Inc()

		t.cache.Update(t.cacheKey(NodePointer{Block: left.block, Gen: left.gen}))
		right.mu.Unlock()
		left.mu.Unlock()
		return nil
	}

	// Redistribute from the heavier leaf toward the lighter one.
	for left.CacheWeight() > right.CacheWeight() && len(left.entries) > 1 {
		last := len(left.entries) - 1
		right.entries = append([]LeafEntry{left.entries[last]}, right.entries...)
		left.entries = left.entries[:last]
		left.recompute()
		right.recompute()
	}
	for right.CacheWeight() > left.CacheWeight() && len(right.entries) > 1 {
		left.entries = append(left.entries, right.entries[0])
		right.entries = right.entries[1:]
		left.recompute()
		right.recompute()
	}
	if len(right.entries) > 0 {
		pivot := append([]byte(nil), right.entries[0].Key...)
		parent.pivots[li] = pivot
		// Re-sort parent buffer messages across the moved boundary.
		moved := parent.children[li].buf.SplitAt(pivot)
		parent.children[ri].buf.Absorb(moved, t.merger)
		back := parent.children[ri].buf.takeBelow(pivot)
		parent.children[li].buf.Absorb(back, t.merger)
	}
	parent.recompute()

	t.cache.Update(t.cacheKey(NodePointer{Block: left.block, Gen: left.gen}))
	t.cache.Update(t.cacheKey(NodePointer{Block: right.block, Gen: right.gen}))
	right.mu.Unlock()
	left.mu.Unlock()
	return nil
}
