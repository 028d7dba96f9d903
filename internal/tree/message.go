// Package tree implements a buffered message tree: internal nodes absorb
// writes into per-child buffers and flush them downward in batches, so a
// single key write never touches more than one node synchronously.
package tree

import "github.com/jwuensche/haura/internal/alloc"

// Op tags a message variant.
type Op uint8

const (
	OpInsert Op = 1 + iota
	OpUpsert
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Message is one buffered write. Value holds the full value for OpInsert,
// the delta for OpUpsert, and is nil for OpDelete. Seq orders messages
// globally: a buffer higher in the tree holds strictly newer messages for a
// key than any buffer or leaf below it.
type Message struct {
	Op    Op
	Key   []byte
	Value []byte
	Seq   uint64
	Pref  alloc.Preference
}

// messageOverhead is the serialized per-message framing:
// op(1) + pref(1) + seq(8) + klen(2) + vlen(4).
const messageOverhead = 16

func (m Message) weight() int64 {
	return int64(messageOverhead + len(m.Key) + len(m.Value))
}

// Merger resolves upsert deltas against prior state. Implementations must be
// associative: Apply(v, true, Compose(a, b)) == Apply(Apply(v, true, a), true, b).
type Merger interface {
	// Apply merges a delta onto the current value. found is false when the
	// key does not exist yet.
	Apply(old []byte, found bool, delta []byte) []byte
	// Compose combines two deltas into one, older first.
	Compose(older, newer []byte) []byte
}

// AppendMerger is the default Merger: a delta is appended to the prior value.
type AppendMerger struct{}

func (AppendMerger) Apply(old []byte, found bool, delta []byte) []byte {
	if !found {
		return append([]byte(nil), delta...)
	}
	out := make([]byte, 0, len(old)+len(delta))
	out = append(out, old...)
	return append(out, delta...)
}

func (AppendMerger) Compose(older, newer []byte) []byte {
	out := make([]byte, 0, len(older)+len(newer))
	out = append(out, older...)
	return append(out, newer...)
}

// combine folds a newer message for the same key over an older one, so a
// buffer never holds more than one message per key. The result carries the
// newer sequence and the faster of the two placement preferences.
func combine(older, newer Message, mg Merger) Message {
	out := newer
	out.Pref = older.Pref.Faster(newer.Pref)
	if newer.Op != OpUpsert {
		// Insert and Delete fully shadow anything older.
		return out
	}
	switch older.Op {
	case OpInsert:
		out.Op = OpInsert
		out.Value = mg.Apply(older.Value, true, newer.Value)
	case OpDelete:
		out.Op = OpInsert
		out.Value = mg.Apply(nil, false, newer.Value)
	case OpUpsert:
		out.Op = OpUpsert
		out.Value = mg.Compose(older.Value, newer.Value)
	}
	return out
}
