package cluster

import (
	"context"

	tt "github.com/unkn0wn-root/shardtt"
)

// Handle is the result of a probe: the entry a later Save writes to. For a
// local key it points into the store. For a foreign key it points into a
// private snapshot of the owner's cluster, and Save sends the changed slot
// back to the owner.
type Handle struct {
	entry    *tt.Entry
	snap     *tt.Cluster
	key      tt.Key
	owner    int
	index    uint64
	slot     int
	remote   bool
	detached bool
}

// Entry returns the probed entry. It is empty when the probe missed on an
// empty slot or the owner could not be reached.
func (h Handle) Entry() *tt.Entry { return h.entry }

// Remote reports whether the key belongs to another rank.
func (h Handle) Remote() bool { return h.remote }

// Owner returns the rank that owns the key.
func (h Handle) Owner() int { return h.owner }

// Detached reports whether the remote snapshot could not be obtained. Saves
// through a detached handle are discarded.
func (h Handle) Detached() bool { return h.detached }

// Probe looks key up on its owner. On a hit it returns true and the matching
// entry; otherwise false and the slot a Save should replace. Remote failures
// degrade to a miss.
func (n *Node) Probe(ctx context.Context, key, pawnKey, materialKey tt.Key) (Handle, bool) {
	owner := n.owner(key, pawnKey, materialKey)
	if owner == n.rank {
		e, found := n.store.Probe(key)
		return Handle{entry: e, key: key, owner: owner}, found
	}

	n.counters.remoteProbes.Add(1)
	index := n.store.ClusterIndex(key)
	h := Handle{key: key, owner: owner, index: index, remote: true}

	c, ok := n.cache.get(key, owner, index)
	if ok {
		n.counters.cacheHits.Add(1)
	} else if c, ok = n.fetch(ctx, owner, index); ok {
		n.cache.put(key, owner, index, &c)
	}
	if !ok {
		h.detached = true
		h.entry = new(tt.Entry)
		return h, false
	}

	h.snap = &c
	slot, found := h.snap.ProbeSlot(key, n.store.Generation())
	h.slot = slot
	h.entry = &h.snap.Entries[slot]
	if found {
		n.counters.remoteHits.Add(1)
	}
	return h, found
}

// Save stores a search result through h. Local entries are written in
// place; foreign entries are written into the snapshot and then shipped to
// the owner according to WriteMode.
func (n *Node) Save(ctx context.Context, h Handle, key tt.Key, v tt.Value, b tt.Bound, d tt.Depth, m tt.Move, ev tt.Value, gen uint8) {
	if h.entry == nil {
		return
	}
	h.entry.Save(key, v, b, d, m, ev, gen)
	if !h.remote {
		return
	}
	if h.detached {
		n.counters.detached.Add(1)
		return
	}

	n.cache.put(h.key, h.owner, h.index, h.snap)
	n.stage(ctx, pendingWrite{
		owner: h.owner,
		index: h.index,
		c:     *h.snap,
		mask:  1 << h.slot,
	})
}

func (n *Node) owner(key, pawnKey, materialKey tt.Key) int {
	if n.world <= 1 || n.cfg.Mode == ModeReplicated {
		return n.rank
	}
	return n.router.Owner(key, pawnKey, materialKey, n.world)
}
