package cluster

import (
	"math/bits"
	"sync"

	"github.com/unkn0wn-root/shardtt/internal/mathutil"
)

// framePool recycles inbound frame bodies in power-of-two size classes. Get
// and put requests are tiny (a few dozen bytes) while merge batches carry
// thousands of clusters, so the classes span the whole range.
type framePool struct {
	minShift int
	pools    []sync.Pool
}

// newFramePool builds classes from minSize up to maxSize bytes, both rounded up to a
// power of two.
func newFramePool(minSize, maxSize int) *framePool {
	lo := bits.Len(uint(mathutil.NextPowerOf2(minSize))) - 1
	hi := bits.Len(uint(mathutil.NextPowerOf2(maxSize))) - 1
	if hi < lo {
		hi = lo
	}
	fp := &framePool{
		minShift: lo,
		pools:    make([]sync.Pool, hi-lo+1),
	}
	for i := range fp.pools {
		size := 1 << (lo + i)
		fp.pools[i].New = func() any {
			return make([]byte, size)
		}
	}
	return fp
}

// class returns the index of the smallest class that can hold n bytes, or -1
// when n exceeds the largest class.
func (fp *framePool) class(n int) int {
	c := bits.Len(uint(mathutil.NextPowerOf2(n))) - 1 - fp.minShift
	if c < 0 {
		c = 0
	}
	if c >= len(fp.pools) {
		return -1
	}
	return c
}

// get returns a slice of length n; frames above the largest class are
// allocated exactly and never pooled.
func (fp *framePool) get(n int) []byte {
	if i := fp.class(n); i >= 0 {
		b := fp.pools[i].Get().([]byte)
		return b[:n]
	}
	return make([]byte, n)
}

// put recycles b when its capacity is exactly one of the class sizes.
func (fp *framePool) put(b []byte) {
	c := cap(b)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	i := bits.Len(uint(c)) - 1 - fp.minShift
	if i < 0 || i >= len(fp.pools) {
		return
	}
	fp.pools[i].Put(b[:c])
}
