// Package alloc maps logical blocks to physical extents on a pool of tiered
// devices. It owns free-space accounting, placement, and the durable block
// table that the copy-on-write manager reclaims through.
package alloc

import "time"

// Tier identifies a storage tier class.
type Tier int

const (
	TierFast Tier = iota
	TierSlow
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// ParseTier converts a config tier string.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "fast":
		return TierFast, true
	case "slow":
		return TierSlow, true
	default:
		return 0, false
	}
}

// BlockID is the stable logical identifier of a node. Parents reference
// children by BlockID; the block table resolves it to a physical extent per
// generation. 0 is reserved and never allocated.
type BlockID uint64

// Hint tells the placement policy what a block holds.
type Hint int

const (
	// HintMeta marks internal nodes and their buffers: hot, frequently
	// rewritten, preferred onto the fastest tier.
	HintMeta Hint = iota
	// HintData marks leaf data: eligible for migration to a slower tier
	// once cold.
	HintData
)

func (h Hint) String() string {
	if h == HintMeta {
		return "meta"
	}
	return "data"
}

// Preference is a caller-supplied placement wish attached to a write.
type Preference int

const (
	PrefNone Preference = iota
	PrefFast
	PrefSlow
)

// Faster returns the faster of two preferences, treating PrefNone as
// "no opinion".
func (p Preference) Faster(other Preference) Preference {
	if p == PrefNone {
		return other
	}
	if other == PrefNone {
		return p
	}
	if p == PrefFast || other == PrefFast {
		return PrefFast
	}
	return PrefSlow
}

// Extent is one persisted version of a logical block: where the bytes of a
// node generation live. A block has at most one live extent (Dead == 0) and
// any number of dead ones awaiting reclamation.
type Extent struct {
	Block    BlockID
	Birth    uint64 // generation the version was written at
	Dead     uint64 // generation it was superseded at; 0 while live
	Device   int    // index into the pool's device list
	Tier     Tier
	Offset   int64
	Length   uint32
	Checksum uint32
	Hint     Hint
	// LastAccess drives cold-data migration. In-memory only; restarts
	// reset recency.
	LastAccess time.Time
}

// TierStats reports usage for a single tier.
type TierStats struct {
	Tier        Tier
	BlockCount  int64
	TotalBytes  int64
	CapacityMax int64
}

// SnapshotRecord is the persisted form of a snapshot: an immutable
// (root pointer, generation) pair.
type SnapshotRecord struct {
	Gen          uint64
	RootBlock    uint64
	RootGen      uint64
	RootChecksum uint32
	RootSize     uint32
	CreatedAt    time.Time
}
