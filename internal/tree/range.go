package tree

import (
	"bytes"
	"context"
	"sort"
)

type rangeItem struct {
	key   []byte
	value []byte
}

// Iterator walks keys in [start, end) in ascending order, one leaf batch at
// a time. Each batch overlays the buffered messages of the descent path onto
// the leaf's entries, so pending writes are visible without a flush. The
// iterator is restartable: Seek moves the resumption point, and a batch
// boundary never splits the view of a single key.
type Iterator struct {
	t      *Tree
	fixed  NodePointer // non-zero for snapshot iteration
	end    []byte      // exclusive, nil = unbounded
	resume []byte
	done   bool
	err    error

	batch []rangeItem
	idx   int
}

// NewRange returns an iterator over the live tree.
func (t *Tree) NewRange(start, end []byte) *Iterator {
	return &Iterator{
		t:      t,
		end:    append([]byte(nil), end...),
		resume: append([]byte(nil), start...),
	}
}

// NewRangeAt returns an iterator over a pinned snapshot root.
func (t *Tree) NewRangeAt(root NodePointer, start, end []byte) *Iterator {
	it := t.NewRange(start, end)
	it.fixed = root
	return it
}

// Seek restarts iteration from key, discarding the current batch.
func (it *Iterator) Seek(key []byte) {
	it.resume = append([]byte(nil), key...)
	it.batch = nil
	it.idx = 0
	it.done = false
	it.err = nil
}

// Next advances to the next pair. It returns false at the end of the range
// or on error; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	it.idx++
	for it.idx >= len(it.batch) {
		if it.done {
			return false
		}
		if err := it.fill(ctx); err != nil {
			it.err = err
			return false
		}
	}
	return true
}

// Key returns the current key. Valid until the next call to Next.
func (it *Iterator) Key() []byte { return it.batch[it.idx].key }

// Value returns the current value. Valid until the next call to Next.
func (it *Iterator) Value() []byte { return it.batch[it.idx].value }

// Err reports the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// fill loads the next leaf batch starting at the resumption key.
func (it *Iterator) fill(ctx context.Context) error {
	t := it.t
	t.opMu.RLock()
	defer t.opMu.RUnlock()

	if len(it.end) > 0 && bytes.Compare(it.resume, it.end) >= 0 {
		it.batch, it.idx, it.done = nil, 0, true
		return nil
	}

	for {
		root := it.fixed
		if root.isZero() {
			t.rootMu.RLock()
			root = t.root
			t.rootMu.RUnlock()
		}
		n, err := t.loadNode(ctx, root)
		if err != nil {
			return err
		}
		n.mu.RLock()
		if it.fixed.isZero() {
			t.rootMu.RLock()
			cur := t.root
			t.rootMu.RUnlock()
			if cur.Block != n.block {
				n.mu.RUnlock()
				continue
			}
		}

		// overlays[key] collects the per-level combined messages along the
		// descent, newest (highest level) first.
		overlays := make(map[string][]Message)
		upper := it.upperBound() // exclusive bound of this batch
		for n.kind == KindInternal {
			i := n.childIndex(it.resume)
			if h := n.childHigh(i); h != nil && (upper == nil || bytes.Compare(h, upper) < 0) {
				upper = append([]byte(nil), h...)
			}
			for _, m := range n.children[i].buf.Range(it.resume, upper) {
				overlays[string(m.Key)] = append(overlays[string(m.Key)], m)
			}
			child, err := t.loadNode(ctx, n.children[i].ptr)
			if err != nil {
				n.mu.RUnlock()
				return err
			}
			child.mu.RLock()
			n.mu.RUnlock()
			n = child
		}

		items := it.mergeLeaf(n, overlays, upper)
		n.mu.RUnlock()

		it.batch = items
		it.idx = 0
		if upper == nil {
			it.done = true
		} else {
			it.resume = upper
			if len(it.end) > 0 && bytes.Compare(it.resume, it.end) >= 0 {
				it.done = true
			}
		}
		if len(it.batch) == 0 && !it.done {
			continue // empty leaf span, move to the next one
		}
		return nil
	}
}

func (it *Iterator) upperBound() []byte {
	if len(it.end) > 0 {
		return append([]byte(nil), it.end...)
	}
	return nil
}

// mergeLeaf resolves leaf entries against the collected overlay messages for
// one batch window [resume, upper).
func (it *Iterator) mergeLeaf(leaf *Node, overlays map[string][]Message, upper []byte) []rangeItem {
	t := it.t
	// Buffers higher in the descent were scanned before deeper levels
	// tightened the window, so drop overlay keys past the final bound.
	keys := make(map[string]struct{}, len(overlays))
	for k := range overlays {
		if upper != nil && bytes.Compare([]byte(k), upper) >= 0 {
			continue
		}
		keys[k] = struct{}{}
	}

	lo, _ := leaf.find(it.resume)
	base := make(map[string]LeafEntry)
	for _, e := range leaf.entries[lo:] {
		if upper != nil && bytes.Compare(e.Key, upper) >= 0 {
			break
		}
		base[string(e.Key)] = e
		keys[string(e.Key)] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	items := make([]rangeItem, 0, len(sorted))
	for _, k := range sorted {
		var val []byte
		found := false
		if e, ok := base[k]; ok && !e.Tombstone {
			val = e.Value
			found = true
		}
		// Overlay messages are newest-first; resolve like a point lookup.
		var pending []Message
		for _, m := range overlays[k] {
			if m.Op == OpInsert {
				val, found = m.Value, true
				break
			}
			if m.Op == OpDelete {
				val, found = nil, false
				break
			}
			pending = append(pending, m)
		}
		for i := len(pending) - 1; i >= 0; i-- {
			val = t.merger.Apply(val, found, pending[i].Value)
			found = true
		}
		if !found {
			continue
		}
		items = append(items, rangeItem{
			key:   []byte(k),
			value: append([]byte(nil), val...),
		})
	}
	return items
}
