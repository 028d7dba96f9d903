package vdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// SuperblockMagic identifies the superblock format.
	SuperblockMagic = uint32(0x48415553) // "HAUS"

	superblockVersion = 1

	// SuperblockSize is the fixed on-device footprint of the superblock.
	// It lives at offset 0 of the primary device.
	SuperblockSize = 512

	// encoded layout:
	// [4 magic][4 version][8 root_block][8 root_gen][4 root_checksum]
	// [4 root_size][8 generation][8 last_seq][4 pool_checksum][4 crc]
	superblockPayload = 56
)

// ErrCorruptSuperblock is returned when the superblock fails its checksum or
// structural validation.
var ErrCorruptSuperblock = errors.New("corrupt superblock")

// ErrNoSuperblock is returned when the superblock region is blank, i.e. the
// device has never been formatted.
var ErrNoSuperblock = errors.New("no superblock present")

// Superblock anchors recovery: the current root pointer, the committed
// generation and a checksum over the pool layout it was written for.
type Superblock struct {
	RootBlock    uint64
	RootGen      uint64
	RootChecksum uint32
	RootSize     uint32
	Generation   uint64
	LastSeq      uint64
	PoolChecksum uint32
}

// Encode serializes the superblock into a SuperblockSize buffer with a
// trailing CRC32 over the payload.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	binary.BigEndian.PutUint32(buf[0:4], SuperblockMagic)
	binary.BigEndian.PutUint32(buf[4:8], superblockVersion)
	binary.BigEndian.PutUint64(buf[8:16], sb.RootBlock)
	binary.BigEndian.PutUint64(buf[16:24], sb.RootGen)
	binary.BigEndian.PutUint32(buf[24:28], sb.RootChecksum)
	binary.BigEndian.PutUint32(buf[28:32], sb.RootSize)
	binary.BigEndian.PutUint64(buf[32:40], sb.Generation)
	binary.BigEndian.PutUint64(buf[40:48], sb.LastSeq)
	binary.BigEndian.PutUint32(buf[48:52], sb.PoolChecksum)
	crc := crc32.ChecksumIEEE(buf[:superblockPayload-4])
	binary.BigEndian.PutUint32(buf[superblockPayload-4:superblockPayload], crc)
	return buf
}

// DecodeSuperblock validates and parses a superblock region.
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < SuperblockSize {
		return nil, fmt.Errorf("superblock region too small: %d bytes: %w", len(raw), ErrCorruptSuperblock)
	}

	blank := true
	for _, b := range raw[:superblockPayload] {
		if b != 0 {
			blank = false
			break
		}
	}
	if blank {
		return nil, ErrNoSuperblock
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("invalid superblock magic 0x%08X: %w", magic, ErrCorruptSuperblock)
	}
	version := binary.BigEndian.Uint32(raw[4:8])
	if version != superblockVersion {
		return nil, fmt.Errorf("unsupported superblock version %d: %w", version, ErrCorruptSuperblock)
	}

	expected := binary.BigEndian.Uint32(raw[superblockPayload-4 : superblockPayload])
	actual := crc32.ChecksumIEEE(raw[:superblockPayload-4])
	if expected != actual {
		return nil, fmt.Errorf("superblock checksum mismatch: expected 0x%08X, got 0x%08X: %w",
			expected, actual, ErrCorruptSuperblock)
	}

	return &Superblock{
		RootBlock:    binary.BigEndian.Uint64(raw[8:16]),
		RootGen:      binary.BigEndian.Uint64(raw[16:24]),
		RootChecksum: binary.BigEndian.Uint32(raw[24:28]),
		RootSize:     binary.BigEndian.Uint32(raw[28:32]),
		Generation:   binary.BigEndian.Uint64(raw[32:40]),
		LastSeq:      binary.BigEndian.Uint64(raw[40:48]),
		PoolChecksum: binary.BigEndian.Uint32(raw[48:52]),
	}, nil
}

// WriteSuperblock persists the superblock to the primary device and fsyncs.
// It must be the last write of a sync cycle: once it lands, the new
// generation is the recovery point.
func WriteSuperblock(dev Device, sb *Superblock, retries int) error {
	if err := WriteFull(dev, sb.Encode(), 0, retries, nil); err != nil {
		return err
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("syncing superblock on %s: %w", dev.Path(), err)
	}
	return nil
}

// ReadSuperblock loads and validates the superblock from the primary device.
// A short read against a freshly created device counts as blank, not as an
// IO failure.
func ReadSuperblock(dev Device, retries int) (*Superblock, error) {
	buf := make([]byte, SuperblockSize)
	n, err := dev.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		if rerr := ReadFull(dev, buf, 0, retries); rerr != nil {
			return nil, rerr
		}
		n = SuperblockSize
	}
	for i := n; i < SuperblockSize; i++ {
		buf[i] = 0
	}
	return DecodeSuperblock(buf)
}
