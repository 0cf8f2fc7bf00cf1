package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tt "github.com/unkn0wn-root/shardtt"
)

func staged(owner int, index uint64, slot int, v tt.Value) pendingWrite {
	w := pendingWrite{owner: owner, index: index, mask: 1 << slot}
	w.c.Ref = tt.RefOf(index)
	w.c.Entries[slot].Save(tt.Key(uint64(v)<<48|index), v, tt.BoundExact, 4, 0, 0, 0)
	return w
}

func TestWriteBufferSignalsFull(t *testing.T) {
	wb := newWriteBuffer(3, DropOldest)
	assert.False(t, wb.add(staged(1, 1, 0, 1)))
	assert.False(t, wb.add(staged(1, 2, 0, 1)))
	assert.True(t, wb.add(staged(2, 1, 0, 1)))
	assert.Equal(t, 3, wb.size())

	items := wb.drain()
	require.Len(t, items, 3)
	assert.Equal(t, 0, wb.size())
	assert.Nil(t, wb.drain())
}

func TestWriteBufferCoalescesSameCluster(t *testing.T) {
	wb := newWriteBuffer(8, DropOldest)
	wb.add(staged(1, 5, 0, 10))
	wb.add(staged(1, 5, 2, 20))
	wb.add(staged(1, 5, 0, 30))

	items := wb.drain()
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, uint8(0b101), it.mask)
	assert.Equal(t, tt.Value(30), it.c.Entries[0].Value())
	assert.Equal(t, tt.Value(20), it.c.Entries[2].Value())
	assert.True(t, it.c.Entries[1].Empty())
}

func TestWriteBufferSameIndexDifferentOwnerIsDistinct(t *testing.T) {
	wb := newWriteBuffer(8, DropOldest)
	wb.add(staged(1, 5, 0, 1))
	wb.add(staged(2, 5, 0, 1))
	assert.Equal(t, 2, wb.size())
}

func TestWriteBufferDropOldestAtHardCap(t *testing.T) {
	wb := newWriteBuffer(2, DropOldest)
	for i := uint64(0); i < 5; i++ {
		wb.add(staged(1, i, 0, 1))
	}
	assert.Equal(t, uint64(1), wb.droppedCount())
	items := wb.drain()
	require.Len(t, items, 4)
	assert.Equal(t, uint64(1), items[0].index)
	assert.Equal(t, uint64(4), items[3].index)

	// positions are rebuilt after the shift, so coalescing still works
	wb.add(staged(1, 7, 0, 1))
	wb.add(staged(1, 8, 0, 1))
	wb.add(staged(1, 9, 0, 1))
	wb.add(staged(1, 10, 0, 1))
	wb.add(staged(1, 11, 0, 1))
	wb.add(staged(1, 9, 1, 2))
	items = wb.drain()
	require.Len(t, items, 4)
	assert.Equal(t, uint64(9), items[1].index)
	assert.Equal(t, uint8(0b11), items[1].mask)
}

func TestWriteBufferDropNewestAtHardCap(t *testing.T) {
	wb := newWriteBuffer(2, DropNewest)
	for i := uint64(0); i < 5; i++ {
		wb.add(staged(1, i, 0, 1))
	}
	assert.Equal(t, uint64(1), wb.droppedCount())
	items := wb.drain()
	require.Len(t, items, 4)
	assert.Equal(t, uint64(0), items[0].index)
	assert.Equal(t, uint64(3), items[3].index)
}

func TestGroupByOwnerSortsRanks(t *testing.T) {
	items := []pendingWrite{staged(3, 1, 0, 1), staged(1, 1, 0, 1), staged(3, 2, 0, 1), staged(2, 1, 0, 1)}
	groups, ranks := groupByOwner(items)
	assert.Equal(t, []int{1, 2, 3}, ranks)
	assert.Len(t, groups[3], 2)
	assert.Len(t, groups[1], 1)
}
