package cluster

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	tt "github.com/unkn0wn-root/shardtt"
	"github.com/unkn0wn-root/shardtt/internal/mathutil"
)

// keyBodyMask drops key16 from a key.
const keyBodyMask = 1<<48 - 1

type cacheLine struct {
	valid bool
	owner int
	index uint64
	c     tt.Cluster
}

// readCache keeps copies of recently fetched foreign clusters in a
// direct-mapped array of sets, each holding ways lines with the newest first.
// A nil *readCache is a disabled cache.
type readCache struct {
	mu    sync.Mutex
	ways  int
	mask  uint64
	shift uint
	lines []cacheLine
}

// newReadCache returns nil when sets is not positive. sets is rounded up to a
// power of two. indexBits is the number of low key bits that select a cluster
// in the table.
func newReadCache(sets, ways int, indexBits uint) *readCache {
	if sets <= 0 || ways <= 0 {
		return nil
	}
	sets = mathutil.NextPowerOf2(sets)
	return &readCache{
		ways:  ways,
		mask:  uint64(sets - 1),
		shift: indexBits,
		lines: make([]cacheLine, sets*ways),
	}
}

// setOf hashes the key bits between the cluster index and key16, so neither
// the cluster a key lands in nor the stored key16 picks its set.
func (rc *readCache) setOf(k tt.Key) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], (uint64(k)&keyBodyMask)>>rc.shift)
	return xxhash.Sum64(b[:]) & rc.mask
}

func (rc *readCache) set(k tt.Key) []cacheLine {
	base := int(rc.setOf(k)) * rc.ways
	return rc.lines[base : base+rc.ways]
}

// get returns a copy of the cached cluster (owner, index) from k's set.
func (rc *readCache) get(k tt.Key, owner int, index uint64) (tt.Cluster, bool) {
	if rc == nil {
		return tt.Cluster{}, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, l := range rc.set(k) {
		if l.valid && l.owner == owner && l.index == index {
			return l.c, true
		}
	}
	return tt.Cluster{}, false
}

// put stores c at way 0 of k's set. An existing line for the same cluster is
// moved to the front; otherwise the oldest line falls off the end.
func (rc *readCache) put(k tt.Key, owner int, index uint64, c *tt.Cluster) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := rc.set(k)
	last := len(s) - 1
	for i := range s {
		if s[i].valid && s[i].owner == owner && s[i].index == index {
			last = i
			break
		}
	}
	copy(s[1:last+1], s[:last])
	s[0] = cacheLine{valid: true, owner: owner, index: index, c: *c}
}

// reset empties the cache for a table whose cluster index is indexBits wide.
func (rc *readCache) reset(indexBits uint) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	clear(rc.lines)
	rc.shift = indexBits
	rc.mu.Unlock()
}

// invalidate empties every set.
func (rc *readCache) invalidate() {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	clear(rc.lines)
	rc.mu.Unlock()
}

// invalidateRange drops the lines for cluster indexes in [lo, hi).
func (rc *readCache) invalidateRange(lo, hi uint64) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i := range rc.lines {
		if l := &rc.lines[i]; l.valid && l.index >= lo && l.index < hi {
			*l = cacheLine{}
		}
	}
}
