package alloc

// placementOrder ranks the pool's devices for a new allocation. Internal
// nodes and buffers are hot and go to the fastest tier with capacity; leaf
// data follows the caller's preference, defaulting to fast (cold leaves are
// demoted later by the migration loop). Devices of the losing tier stay in
// the list so a full or failing tier degrades placement instead of failing
// the write outright; ErrNoCapacity is reserved for a pool with no room
// anywhere.
func (a *Allocator) placementOrder(hint Hint, pref Preference) []int {
	preferFast := true
	if hint == HintData && pref == PrefSlow {
		preferFast = false
	}

	order := make([]int, 0, len(a.devices))
	pick := func(t Tier) {
		for i, d := range a.devices {
			if d.tier == t {
				order = append(order, i)
			}
		}
	}
	if preferFast {
		pick(TierFast)
		pick(TierSlow)
	} else {
		pick(TierSlow)
		pick(TierFast)
	}
	return order
}
