package cluster

import (
	"slices"
	"sync"

	tt "github.com/unkn0wn-root/shardtt"
)

// pendingWrite is a staged save to a foreign cluster: the origin's snapshot
// of the cluster with the slots it changed marked in mask.
type pendingWrite struct {
	owner int
	index uint64
	c     tt.Cluster
	mask  uint8
}

type writeKey struct {
	owner int
	index uint64
}

// writeBuffer stages remote saves until a flush. Saves to a cluster already
// staged are folded into the staged item. It signals full at capacity and
// sheds items according to its drop policy at twice the capacity, which is
// only reached when flushes fall behind.
type writeBuffer struct {
	mu      sync.Mutex
	limit   int
	drop    DropPolicy
	items   []pendingWrite
	pos     map[writeKey]int
	dropped uint64
}

func newWriteBuffer(capacity int, drop DropPolicy) *writeBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &writeBuffer{
		limit: capacity,
		drop:  drop,
		items: make([]pendingWrite, 0, capacity),
		pos:   make(map[writeKey]int, capacity),
	}
}

// add stages w and reports whether the buffer has reached capacity.
func (wb *writeBuffer) add(w pendingWrite) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	k := writeKey{w.owner, w.index}
	if i, ok := wb.pos[k]; ok {
		it := &wb.items[i]
		for j := 0; j < tt.ClusterSize; j++ {
			if w.mask&(1<<j) != 0 {
				it.c.Entries[j] = w.c.Entries[j]
			}
		}
		it.mask |= w.mask
		return len(wb.items) >= wb.limit
	}

	if len(wb.items) >= 2*wb.limit {
		wb.dropped++
		if wb.drop == DropNewest {
			return true
		}
		wb.removeFirst()
	}
	wb.pos[k] = len(wb.items)
	wb.items = append(wb.items, w)
	return len(wb.items) >= wb.limit
}

func (wb *writeBuffer) removeFirst() {
	delete(wb.pos, writeKey{wb.items[0].owner, wb.items[0].index})
	wb.items = append(wb.items[:0], wb.items[1:]...)
	for i := range wb.items {
		wb.pos[writeKey{wb.items[i].owner, wb.items[i].index}] = i
	}
}

// drain empties the buffer and returns its items in staging order.
func (wb *writeBuffer) drain() []pendingWrite {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if len(wb.items) == 0 {
		return nil
	}
	out := wb.items
	wb.items = make([]pendingWrite, 0, wb.limit)
	clear(wb.pos)
	return out
}

func (wb *writeBuffer) size() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.items)
}

// droppedCount returns how many items the drop policy has shed.
func (wb *writeBuffer) droppedCount() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.dropped
}

// groupByOwner splits items per owner rank and returns the ranks ascending.
func groupByOwner(items []pendingWrite) (map[int][]pendingWrite, []int) {
	groups := make(map[int][]pendingWrite)
	var ranks []int
	for _, it := range items {
		if _, ok := groups[it.owner]; !ok {
			ranks = append(ranks, it.owner)
		}
		groups[it.owner] = append(groups[it.owner], it)
	}
	slices.Sort(ranks)
	return groups, ranks
}
