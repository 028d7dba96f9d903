package tree

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jwuensche/haura/internal/alloc"
)

// Kind discriminates node layouts.
type Kind uint8

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

func (k Kind) String() string {
	if k == KindLeaf {
		return "leaf"
	}
	return "internal"
}

// NodePointer addresses one persisted node version: the stable logical block
// plus the generation the version was written at. Parents store pointers,
// never physical locations; tier migration rewrites only the block table.
type NodePointer struct {
	Block alloc.BlockID
	Gen   uint64
}

func (p NodePointer) isZero() bool { return p.Block == 0 }

// LeafEntry is one key/value pair in a leaf. A tombstone records a deletion
// that must stay visible to older snapshots reading through newer buffers.
type LeafEntry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// childSlot pairs a child pointer with the buffer of messages pending for
// that child's key range.
type childSlot struct {
	ptr NodePointer
	buf *Buffer
}

// Node is the in-memory form of a tree node. The mutex gives node-granular
// concurrency: readers lock-couple down the tree, structural changes hold
// the parent exclusively. A dirty node is pinned in the cache until written
// back.
type Node struct {
	mu    sync.RWMutex
	block alloc.BlockID
	gen   uint64
	kind  Kind
	pref  alloc.Preference

	// leaf
	entries []LeafEntry

	// internal; len(pivots) == len(children)-1, pivots[i] is the smallest
	// key of children[i+1]
	pivots   [][]byte
	children []childSlot

	dirty  atomic.Bool
	weight atomic.Int64
}

// CacheWeight implements cache.Value.
func (n *Node) CacheWeight() int64 { return n.weight.Load() }

// Evictable implements cache.Value: dirty nodes are pinned.
func (n *Node) Evictable() bool { return !n.dirty.Load() }

func newLeaf(block alloc.BlockID, gen uint64) *Node {
	n := &Node{block: block, gen: gen, kind: KindLeaf}
	n.recompute()
	return n
}

// serialized framing shared with format.go
const (
	nodeHeaderSize   = 16 // magic(4) + version(2) + kind(1) + pref(1) + gen(8)
	nodeTrailerSize  = 4  // crc32
	leafEntryFraming = 7  // klen(2) + vlen(4) + flags(1)
	pivotFraming     = 2  // plen(2)
	childFraming     = 20 // block(8) + gen(8) + msg count(4)
)

// recompute refreshes the serialized-size estimate the cache and the
// split/merge controller key off. Must match the encoder exactly.
func (n *Node) recompute() {
	size := int64(nodeHeaderSize + nodeTrailerSize)
	switch n.kind {
	case KindLeaf:
		size += 4 // entry count
		for _, e := range n.entries {
			size += leafEntryFraming + int64(len(e.Key)) + int64(len(e.Value))
		}
	case KindInternal:
		size += 2 // child count
		for _, p := range n.pivots {
			size += pivotFraming + int64(len(p))
		}
		for _, c := range n.children {
			size += childFraming + c.buf.Bytes()
		}
	}
	n.weight.Store(size)
}

// bufferBytes is the total pending message volume of an internal node.
func (n *Node) bufferBytes() int64 {
	var total int64
	for _, c := range n.children {
		total += c.buf.Bytes()
	}
	return total
}

// find locates key among the leaf entries.
func (n *Node) find(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].Key, key) >= 0
	})
	if i < len(n.entries) && bytes.Equal(n.entries[i].Key, key) {
		return i, true
	}
	return i, false
}

// childIndex selects the child covering key: the first i with
// key < pivots[i], or the last child.
func (n *Node) childIndex(key []byte) int {
	return sort.Search(len(n.pivots), func(i int) bool {
		return bytes.Compare(key, n.pivots[i]) < 0
	})
}

// childLow returns the inclusive lower bound of child i's key range, nil for
// the leftmost child.
func (n *Node) childLow(i int) []byte {
	if i == 0 {
		return nil
	}
	return n.pivots[i-1]
}

// childHigh returns the exclusive upper bound of child i's key range, nil
// for the rightmost child.
func (n *Node) childHigh(i int) []byte {
	if i == len(n.pivots) {
		return nil
	}
	return n.pivots[i]
}

// applyMessage folds one message into the leaf. keepTombstone controls
// whether a deletion leaves a tombstone entry behind; that is needed while
// an older snapshot could still observe the key through buffers above.
func (n *Node) applyMessage(m Message, mg Merger, keepTombstone bool) {
	i, found := n.find(m.Key)
	switch m.Op {
	case OpInsert:
		e := LeafEntry{Key: m.Key, Value: m.Value}
		if found {
			n.entries[i] = e
		} else {
			n.insertEntryAt(i, e)
		}
	case OpUpsert:
		if found && !n.entries[i].Tombstone {
			n.entries[i] = LeafEntry{Key: m.Key, Value: mg.Apply(n.entries[i].Value, true, m.Value)}
		} else {
			e := LeafEntry{Key: m.Key, Value: mg.Apply(nil, false, m.Value)}
			if found {
				n.entries[i] = e
			} else {
				n.insertEntryAt(i, e)
			}
		}
	case OpDelete:
		if keepTombstone {
			e := LeafEntry{Key: m.Key, Tombstone: true}
			if found {
				n.entries[i] = e
			} else {
				n.insertEntryAt(i, e)
			}
		} else if found {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
		}
	}
}

func (n *Node) insertEntryAt(i int, e LeafEntry) {
	n.entries = append(n.entries, LeafEntry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

// dropTombstones removes every tombstone entry, used once no snapshot can
// observe the deleted keys anymore.
func (n *Node) dropTombstones() {
	kept := n.entries[:0]
	for _, e := range n.entries {
		if !e.Tombstone {
			kept = append(kept, e)
		}
	}
	n.entries = kept
}
