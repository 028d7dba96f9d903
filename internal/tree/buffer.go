package tree

import (
	"bytes"
	"sort"
)

// Buffer holds the pending messages of one child slot, at most one combined
// message per key. Byte accounting follows the serialized message size.
type Buffer struct {
	msgs  map[string]Message
	bytes int64
}

func NewBuffer() *Buffer {
	return &Buffer{msgs: make(map[string]Message)}
}

// Put folds a message into the buffer, combining with any message already
// pending for the key. The incoming message must be newer.
func (b *Buffer) Put(m Message, mg Merger) {
	k := string(m.Key)
	if old, ok := b.msgs[k]; ok {
		b.bytes -= old.weight()
		m = combine(old, m, mg)
	}
	b.msgs[k] = m
	b.bytes += m.weight()
}

func (b *Buffer) Get(key []byte) (Message, bool) {
	m, ok := b.msgs[string(key)]
	return m, ok
}

func (b *Buffer) Bytes() int64 { return b.bytes }

func (b *Buffer) Len() int { return len(b.msgs) }

// OldestSeq returns the lowest pending sequence, or 0 when empty.
func (b *Buffer) OldestSeq() uint64 {
	var oldest uint64
	for _, m := range b.msgs {
		if oldest == 0 || m.Seq < oldest {
			oldest = m.Seq
		}
	}
	return oldest
}

// Drain empties the buffer and returns its messages sorted by key.
func (b *Buffer) Drain() []Message {
	out := b.Messages()
	b.msgs = make(map[string]Message)
	b.bytes = 0
	return out
}

// Messages returns the pending messages sorted by key, leaving the buffer
// intact.
func (b *Buffer) Messages() []Message {
	out := make([]Message, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// Range returns the pending messages with start <= key < end, sorted. A nil
// end means unbounded.
func (b *Buffer) Range(start, end []byte) []Message {
	var out []Message
	for _, m := range b.msgs {
		if bytes.Compare(m.Key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(m.Key, end) >= 0 {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// SplitAt moves every message with key >= pivot into a new buffer, used when
// the child a slot feeds is split.
func (b *Buffer) SplitAt(pivot []byte) *Buffer {
	right := NewBuffer()
	for k, m := range b.msgs {
		if bytes.Compare(m.Key, pivot) >= 0 {
			right.msgs[k] = m
			right.bytes += m.weight()
			delete(b.msgs, k)
			b.bytes -= m.weight()
		}
	}
	return right
}

// takeBelow moves every message with key < pivot into a new buffer, the
// counterpart of SplitAt for redistribution toward the left sibling.
func (b *Buffer) takeBelow(pivot []byte) *Buffer {
	left := NewBuffer()
	for k, m := range b.msgs {
		if bytes.Compare(m.Key, pivot) < 0 {
			left.msgs[k] = m
			left.bytes += m.weight()
			delete(b.msgs, k)
			b.bytes -= m.weight()
		}
	}
	return left
}

// Absorb moves every message of other into b. Key ranges of the two buffers
// are expected to be disjoint.
func (b *Buffer) Absorb(other *Buffer, mg Merger) {
	for _, m := range other.msgs {
		b.Put(m, mg)
	}
	other.msgs = make(map[string]Message)
	other.bytes = 0
}
