package alloc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketMeta      = []byte("meta")
	bucketVersions  = []byte("versions")
	bucketSnapshots = []byte("snapshots")

	keyNextBlockID  = []byte("next_block_id")
	keyCommittedGen = []byte("committed_gen")
	keyDeviceNext   = []byte("device_next")
)

// Table is the durable block table: every extent version, the allocator
// meta counters and the snapshot registry, kept in bbolt beside the pool.
type Table struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewTable opens or creates the block table.
func NewTable(path string, logger *zap.Logger) (*Table, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening block table: %w", err)
	}

	t := &Table{db: db, logger: logger}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketVersions, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing block table schema: %w", err)
	}

	return t, nil
}

func versionKey(block BlockID, birth uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(block))
	binary.BigEndian.PutUint64(k[8:16], birth)
	return k
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeExtent(e *Extent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeExtent(data []byte) (*Extent, error) {
	var e Extent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PutExtent records (or overwrites) one extent version.
func (t *Table) PutExtent(e *Extent) error {
	data, err := encodeExtent(e)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).Put(versionKey(e.Block, e.Birth), data)
	})
}

// PutExtents records several extent versions in one transaction.
func (t *Table) PutExtents(extents []*Extent) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		for _, e := range extents {
			data, err := encodeExtent(e)
			if err != nil {
				return err
			}
			if err := b.Put(versionKey(e.Block, e.Birth), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteExtent removes a reclaimed extent version.
func (t *Table) DeleteExtent(block BlockID, birth uint64) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).Delete(versionKey(block, birth))
	})
}

// ForEachExtent iterates over every recorded extent version.
func (t *Table) ForEachExtent(fn func(*Extent) error) error {
	return t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			e, err := decodeExtent(v)
			if err != nil {
				return fmt.Errorf("decoding extent %x: %w", k, err)
			}
			return fn(e)
		})
	})
}

// SaveMeta persists the allocator counters.
func (t *Table) SaveMeta(nextBlockID, committedGen uint64, deviceNext []int64) error {
	var devBuf bytes.Buffer
	if err := gob.NewEncoder(&devBuf).Encode(deviceNext); err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyNextBlockID, uint64ToBytes(nextBlockID)); err != nil {
			return err
		}
		if err := b.Put(keyCommittedGen, uint64ToBytes(committedGen)); err != nil {
			return err
		}
		return b.Put(keyDeviceNext, devBuf.Bytes())
	})
}

// LoadMeta reads the allocator counters; zero values mean a fresh table.
func (t *Table) LoadMeta() (nextBlockID, committedGen uint64, deviceNext []int64, err error) {
	err = t.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyNextBlockID); v != nil {
			nextBlockID = bytesToUint64(v)
		}
		if v := b.Get(keyCommittedGen); v != nil {
			committedGen = bytesToUint64(v)
		}
		if v := b.Get(keyDeviceNext); v != nil {
			if derr := gob.NewDecoder(bytes.NewReader(v)).Decode(&deviceNext); derr != nil {
				return derr
			}
		}
		return nil
	})
	return
}

// RecordSnapshot persists a snapshot registration.
func (t *Table) RecordSnapshot(rec SnapshotRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(uint64ToBytes(rec.Gen), buf.Bytes())
	})
}

// DeleteSnapshot removes a dropped snapshot from the registry.
func (t *Table) DeleteSnapshot(gen uint64) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(uint64ToBytes(gen))
	})
}

// ListSnapshots returns all registered snapshots, oldest first.
func (t *Table) ListSnapshots() ([]SnapshotRecord, error) {
	var recs []SnapshotRecord
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var rec SnapshotRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (t *Table) Ping() error {
	return t.db.View(func(tx *bbolt.Tx) error { return nil })
}

func (t *Table) Close() error {
	return t.db.Close()
}
