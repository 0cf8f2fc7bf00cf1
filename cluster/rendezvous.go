package cluster

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	tt "github.com/unkn0wn-root/shardtt"
)

// RendezvousRouter picks the rank with the highest mixed score of the source
// hash and a per-rank salt. Growing the world only moves the keys the new
// rank wins.
type RendezvousRouter struct {
	Source KeySource
}

func (r RendezvousRouter) Owner(key, pawn, material tt.Key, world int) int {
	if world <= 1 {
		return 0
	}
	h := r.Source.value(key, pawn, material)

	best, bestScore := 0, uint64(0)
	for rank := 0; rank < world; rank++ {
		s := mix64(h ^ rankSalt(rank))
		// strict compare: ties keep the lower rank
		if rank == 0 || s > bestScore {
			best, bestScore = rank, s
		}
	}
	return best
}

// rankSalt is the per-rank salt (pre-hashed rank number).
func rankSalt(rank int) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(rank))
	return xxhash.Sum64(b[:])
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
