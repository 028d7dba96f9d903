package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/jwuensche/haura/internal/alloc"
)

const (
	// NodeMagic identifies a serialized node block.
	NodeMagic = uint32(0x48415542) // "HAUB"

	nodeVersion = 1
)

// Encode serializes the node into a self-describing block: header, sorted
// payload, trailing CRC32 over everything before it. The caller must hold
// the node's lock.
func (n *Node) Encode() []byte {
	buf := make([]byte, 0, n.weight.Load())
	buf = binary.BigEndian.AppendUint32(buf, NodeMagic)
	buf = binary.BigEndian.AppendUint16(buf, nodeVersion)
	buf = append(buf, byte(n.kind), byte(n.pref))
	buf = binary.BigEndian.AppendUint64(buf, n.gen)

	switch n.kind {
	case KindLeaf:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.entries)))
		for _, e := range n.entries {
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Key)))
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
			var flags byte
			if e.Tombstone {
				flags = 1
			}
			buf = append(buf, flags)
			buf = append(buf, e.Key...)
			buf = append(buf, e.Value...)
		}
	case KindInternal:
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.children)))
		for _, p := range n.pivots {
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(p)))
			buf = append(buf, p...)
		}
		for _, c := range n.children {
			buf = binary.BigEndian.AppendUint64(buf, uint64(c.ptr.Block))
			buf = binary.BigEndian.AppendUint64(buf, c.ptr.Gen)
			msgs := c.buf.Messages()
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(msgs)))
			for _, m := range msgs {
				buf = append(buf, byte(m.Op), byte(m.Pref))
				buf = binary.BigEndian.AppendUint64(buf, m.Seq)
				buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Key)))
				buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Value)))
				buf = append(buf, m.Key...)
				buf = append(buf, m.Value...)
			}
		}
	}

	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

type nodeReader struct {
	raw []byte
	off int
}

func (r *nodeReader) need(n int) ([]byte, error) {
	if r.off+n > len(r.raw) {
		return nil, fmt.Errorf("truncated node at offset %d: %w", r.off, ErrCorrupted)
	}
	b := r.raw[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *nodeReader) u16() (uint16, error) {
	b, err := r.need(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *nodeReader) u32() (uint32, error) {
	b, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *nodeReader) u64() (uint64, error) {
	b, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// DecodeNode parses and validates a node block: magic, version, checksum,
// and strict key ordering. Any violation yields ErrCorrupted.
func DecodeNode(raw []byte) (*Node, error) {
	if len(raw) < nodeHeaderSize+nodeTrailerSize {
		return nil, fmt.Errorf("node block too small: %d bytes: %w", len(raw), ErrCorrupted)
	}
	payload := raw[:len(raw)-nodeTrailerSize]
	expected := binary.BigEndian.Uint32(raw[len(raw)-nodeTrailerSize:])
	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		return nil, fmt.Errorf("node checksum mismatch: expected 0x%08X, got 0x%08X: %w",
			expected, actual, ErrCorrupted)
	}

	r := &nodeReader{raw: payload}
	magic, _ := r.u32()
	if magic != NodeMagic {
		return nil, fmt.Errorf("invalid node magic 0x%08X: %w", magic, ErrCorrupted)
	}
	version, _ := r.u16()
	if version != nodeVersion {
		return nil, fmt.Errorf("unsupported node version %d: %w", version, ErrCorrupted)
	}
	kb, err := r.need(2)
	if err != nil {
		return nil, err
	}
	n := &Node{kind: Kind(kb[0]), pref: alloc.Preference(kb[1])}
	if n.gen, err = r.u64(); err != nil {
		return nil, err
	}

	switch n.kind {
	case KindLeaf:
		if err := decodeLeaf(r, n); err != nil {
			return nil, err
		}
	case KindInternal:
		if err := decodeInternal(r, n); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown node kind %d: %w", byte(n.kind), ErrCorrupted)
	}

	if r.off != len(payload) {
		return nil, fmt.Errorf("%d trailing bytes after node payload: %w", len(payload)-r.off, ErrCorrupted)
	}
	n.recompute()
	return n, nil
}

func decodeLeaf(r *nodeReader, n *Node) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	n.entries = make([]LeafEntry, 0, count)
	var prev []byte
	for i := uint32(0); i < count; i++ {
		klen, err := r.u16()
		if err != nil {
			return err
		}
		vlen, err := r.u32()
		if err != nil {
			return err
		}
		flags, err := r.need(1)
		if err != nil {
			return err
		}
		key, err := r.need(int(klen))
		if err != nil {
			return err
		}
		val, err := r.need(int(vlen))
		if err != nil {
			return err
		}
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			return fmt.Errorf("leaf keys out of order at entry %d: %w", i, ErrCorrupted)
		}
		prev = key
		n.entries = append(n.entries, LeafEntry{
			Key:       append([]byte(nil), key...),
			Value:     append([]byte(nil), val...),
			Tombstone: flags[0]&1 != 0,
		})
	}
	return nil
}

func decodeInternal(r *nodeReader, n *Node) error {
	childCount, err := r.u16()
	if err != nil {
		return err
	}
	if childCount < 1 {
		return fmt.Errorf("invalid child count %d: %w", childCount, ErrCorrupted)
	}
	n.pivots = make([][]byte, 0, childCount-1)
	var prev []byte
	for i := 0; i < int(childCount)-1; i++ {
		plen, err := r.u16()
		if err != nil {
			return err
		}
		p, err := r.need(int(plen))
		if err != nil {
			return err
		}
		if prev != nil && bytes.Compare(prev, p) >= 0 {
			return fmt.Errorf("pivots out of order at %d: %w", i, ErrCorrupted)
		}
		prev = p
		n.pivots = append(n.pivots, append([]byte(nil), p...))
	}
	n.children = make([]childSlot, 0, childCount)
	for i := 0; i < int(childCount); i++ {
		block, err := r.u64()
		if err != nil {
			return err
		}
		gen, err := r.u64()
		if err != nil {
			return err
		}
		if block == 0 {
			return fmt.Errorf("zero child block at slot %d: %w", i, ErrCorrupted)
		}
		msgCount, err := r.u32()
		if err != nil {
			return err
		}
		buf := NewBuffer()
		var prevMsg []byte
		for j := uint32(0); j < msgCount; j++ {
			hdr, err := r.need(2)
			if err != nil {
				return err
			}
			seq, err := r.u64()
			if err != nil {
				return err
			}
			klen, err := r.u16()
			if err != nil {
				return err
			}
			vlen, err := r.u32()
			if err != nil {
				return err
			}
			key, err := r.need(int(klen))
			if err != nil {
				return err
			}
			val, err := r.need(int(vlen))
			if err != nil {
				return err
			}
			op := Op(hdr[0])
			if op < OpInsert || op > OpDelete {
				return fmt.Errorf("unknown message op %d: %w", hdr[0], ErrCorrupted)
			}
			if prevMsg != nil && bytes.Compare(prevMsg, key) >= 0 {
				return fmt.Errorf("buffer keys out of order in slot %d: %w", i, ErrCorrupted)
			}
			prevMsg = key
			m := Message{
				Op:    op,
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), val...),
				Seq:   seq,
				Pref:  alloc.Preference(hdr[1]),
			}
			buf.msgs[string(m.Key)] = m
			buf.bytes += m.weight()
		}
		n.children = append(n.children, childSlot{
			ptr: NodePointer{Block: alloc.BlockID(block), Gen: gen},
			buf: buf,
		})
	}
	return nil
}
