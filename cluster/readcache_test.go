package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tt "github.com/unkn0wn-root/shardtt"
)

// sameSetKey returns keys that differ only in their low 16 bits, which a
// cache built with 16 index bits ignores, and therefore share a set.
func sameSetKey(i uint64) tt.Key { return tt.Key(0x0007_0000 | i) }

func clusterWithRef(i uint64) *tt.Cluster {
	return &tt.Cluster{Ref: tt.RefOf(i)}
}

func TestReadCacheDisabled(t *testing.T) {
	var rc *readCache = newReadCache(0, 4, 16)
	require.Nil(t, rc)
	rc.put(1, 1, 1, clusterWithRef(1))
	_, ok := rc.get(1, 1, 1)
	assert.False(t, ok)
	rc.invalidate()
}

func TestReadCacheRoundsSets(t *testing.T) {
	rc := newReadCache(100, 2, 16)
	assert.Equal(t, uint64(127), rc.mask)
	assert.Len(t, rc.lines, 256)
}

func TestReadCacheHitIsTaggedByOwnerAndIndex(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	k := sameSetKey(3)
	rc.put(k, 1, 3, clusterWithRef(3))

	c, ok := rc.get(k, 1, 3)
	require.True(t, ok)
	assert.Equal(t, tt.RefOf(3), c.Ref)

	_, ok = rc.get(k, 2, 3)
	assert.False(t, ok, "other owner must miss")
	_, ok = rc.get(k, 1, 4)
	assert.False(t, ok, "other index must miss")
}

func TestReadCacheEvictsOldestWay(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	for i := uint64(0); i < 5; i++ {
		rc.put(sameSetKey(i), 1, i, clusterWithRef(i))
	}
	_, ok := rc.get(sameSetKey(0), 1, 0)
	assert.False(t, ok, "first insert should have been shifted out")
	for i := uint64(1); i < 5; i++ {
		_, ok := rc.get(sameSetKey(i), 1, i)
		assert.True(t, ok, "line %d", i)
	}
}

func TestReadCacheMoveToFront(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	for i := uint64(0); i < 4; i++ {
		rc.put(sameSetKey(i), 1, i, clusterWithRef(i))
	}
	// refreshing line 0 moves it to the front, so line 1 is now oldest
	refreshed := clusterWithRef(0)
	refreshed.Entries[0].Save(0xABCD<<48|sameSetKey(0), 9, tt.BoundExact, 3, 0, 0, 0)
	rc.put(sameSetKey(0), 1, 0, refreshed)
	rc.put(sameSetKey(9), 1, 9, clusterWithRef(9))

	_, ok := rc.get(sameSetKey(1), 1, 1)
	assert.False(t, ok)
	c, ok := rc.get(sameSetKey(0), 1, 0)
	require.True(t, ok)
	assert.Equal(t, tt.Value(9), c.Entries[0].Value())

	s := rc.set(sameSetKey(0))
	assert.Equal(t, uint64(9), s[0].index)
	assert.Equal(t, uint64(0), s[1].index)
}

func TestReadCacheInvalidate(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	rc.put(sameSetKey(1), 1, 1, clusterWithRef(1))
	rc.invalidate()
	_, ok := rc.get(sameSetKey(1), 1, 1)
	assert.False(t, ok)
}

func TestReadCacheGetReturnsCopy(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	rc.put(sameSetKey(1), 1, 1, clusterWithRef(1))
	c, _ := rc.get(sameSetKey(1), 1, 1)
	c.Entries[0].Save(0xABCD<<48|sameSetKey(1), 5, tt.BoundLower, 1, 0, 0, 0)
	again, _ := rc.get(sameSetKey(1), 1, 1)
	assert.True(t, again.Entries[0].Empty())
}

func TestReadCacheSetIgnoresIndexAndKey16Bits(t *testing.T) {
	// a 16 MB table indexes clusters with 19 bits
	rc := newReadCache(1024, 4, 19)
	k := tt.Key(0x1234_5678_9ABC_DEF0)
	for _, b := range []uint{0, 16, 17, 18, 48, 63} {
		assert.Equal(t, rc.setOf(k), rc.setOf(k^tt.Key(1)<<b), "bit %d", b)
	}

	differ := 0
	for b := uint(19); b < 48; b++ {
		if rc.setOf(k) != rc.setOf(k^tt.Key(1)<<b) {
			differ++
		}
	}
	assert.Greater(t, differ, 20)
}

func TestReadCacheResetFollowsIndexWidth(t *testing.T) {
	rc := newReadCache(1024, 4, 16)
	k := tt.Key(0x0000_0000_0001_0000)
	rc.put(k, 1, 0, clusterWithRef(0))

	rc.reset(20)
	_, ok := rc.get(k, 1, 0)
	assert.False(t, ok)
	assert.Equal(t, rc.setOf(0), rc.setOf(k))
	assert.Equal(t, uint(20), rc.shift)
}

func TestReadCacheInvalidateRange(t *testing.T) {
	rc := newReadCache(16, 4, 16)
	for i := uint64(0); i < 4; i++ {
		rc.put(sameSetKey(i), 1, i, clusterWithRef(i))
	}
	rc.invalidateRange(1, 3)

	for i, want := range []bool{true, false, false, true} {
		_, ok := rc.get(sameSetKey(uint64(i)), 1, uint64(i))
		assert.Equal(t, want, ok, "index %d", i)
	}
}
