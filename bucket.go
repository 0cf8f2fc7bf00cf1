package tt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	// ClusterSize is the number of entries per cluster.
	ClusterSize = 3
	// ClusterBytes is the in-memory and wire size of a Cluster. It must
	// divide the cache line size so clusters never straddle a line.
	ClusterBytes = ClusterSize*EntrySize + 2
)

// Cluster is the unit of storage and transfer. Ref holds the low 16 bits of
// the cluster's own index so a transferred copy can be checked against the
// slot it was addressed to.
type Cluster struct {
	Entries [ClusterSize]Entry
	Ref     uint16
}

// RefOf returns the back-reference stamped on the cluster at index i.
func RefOf(i uint64) uint16 { return uint16(i) }

// Probe scans c for k. It returns the matching entry, or an empty entry, or
// the least valuable entry to be replaced when the cluster is full. Only a
// match on a non-empty slot reports found; a stale match gets its generation
// refreshed in place.
func (c *Cluster) Probe(k Key, gen uint8) (*Entry, bool) {
	slot, found := c.ProbeSlot(k, gen)
	return &c.Entries[slot], found
}

// ProbeSlot is Probe reporting the slot index instead of the entry.
func (c *Cluster) ProbeSlot(k Key, gen uint8) (int, bool) {
	k16 := key16Of(k)
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.key16 == 0 || e.key16 == k16 {
			e.refresh(gen)
			return i, e.key16 != 0
		}
	}
	return c.victim(gen), false
}

// victim picks the slot with the lowest staleness score; ties keep the lower
// index.
func (c *Cluster) victim(gen uint8) int {
	v := 0
	for i := 1; i < ClusterSize; i++ {
		if c.Entries[v].Staleness(gen) > c.Entries[i].Staleness(gen) {
			v = i
		}
	}
	return v
}

// MarshalBinary encodes c into its fixed 32-byte little-endian layout.
func (c *Cluster) MarshalBinary() ([]byte, error) {
	b := make([]byte, ClusterBytes)
	c.put(b)
	return b, nil
}

// AppendBinary appends the fixed layout of c to b.
func (c *Cluster) AppendBinary(b []byte) []byte {
	n := len(b)
	b = append(b, make([]byte, ClusterBytes)...)
	c.put(b[n:])
	return b
}

func (c *Cluster) put(b []byte) {
	_ = b[ClusterBytes-1]
	for i := range c.Entries {
		e := &c.Entries[i]
		o := i * EntrySize
		binary.LittleEndian.PutUint16(b[o:], e.key16)
		binary.LittleEndian.PutUint16(b[o+2:], e.move16)
		binary.LittleEndian.PutUint16(b[o+4:], uint16(e.value16))
		binary.LittleEndian.PutUint16(b[o+6:], uint16(e.eval16))
		b[o+8] = e.genBound8
		b[o+9] = byte(e.depth8)
	}
	binary.LittleEndian.PutUint16(b[ClusterSize*EntrySize:], c.Ref)
}

// UnmarshalBinary decodes a fixed-layout record produced by MarshalBinary.
func (c *Cluster) UnmarshalBinary(b []byte) error {
	if len(b) != ClusterBytes {
		return fmt.Errorf("cluster record: want %d bytes, got %d", ClusterBytes, len(b))
	}
	for i := range c.Entries {
		e := &c.Entries[i]
		o := i * EntrySize
		e.key16 = binary.LittleEndian.Uint16(b[o:])
		e.move16 = binary.LittleEndian.Uint16(b[o+2:])
		e.value16 = int16(binary.LittleEndian.Uint16(b[o+4:]))
		e.eval16 = int16(binary.LittleEndian.Uint16(b[o+6:]))
		e.genBound8 = b[o+8]
		e.depth8 = int8(b[o+9])
	}
	c.Ref = binary.LittleEndian.Uint16(b[ClusterSize*EntrySize:])
	return nil
}

type candidate struct {
	e     Entry
	score int
	raw   [EntrySize]byte
}

func (c *candidate) encode() {
	var tmp Cluster
	tmp.Entries[0] = c.e
	var b [ClusterBytes]byte
	tmp.put(b[:])
	copy(c.raw[:], b[:EntrySize])
}

// better orders candidates: higher score, then lower bytes. Slot positions
// take no part, so the order survives any number of reductions.
func (c *candidate) better(o *candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	return bytes.Compare(c.raw[:], o.raw[:]) < 0
}

// MergeClusters reconciles two copies of the same cluster and returns the
// result. Identical copies come back unchanged. Otherwise the ClusterSize
// best distinct entries by Staleness(gen) survive, placed best first, so the
// result is the same however a set of copies is grouped or ordered.
//
// Only all-zero entries count as empty here: a stored entry whose key16 is
// zero still takes part.
func MergeClusters(gen uint8, a, b *Cluster) Cluster {
	if *a == *b {
		return *a
	}

	cands := make([]candidate, 0, 2*ClusterSize)
	byKey := make(map[uint16]int, 2*ClusterSize)
	for _, src := range [2]*Cluster{a, b} {
		for i := range src.Entries {
			e := src.Entries[i]
			if e == (Entry{}) {
				continue
			}
			cd := candidate{e: e, score: e.Staleness(gen)}
			cd.encode()
			if j, ok := byKey[e.key16]; ok {
				if cd.better(&cands[j]) {
					cands[j] = cd
				}
				continue
			}
			byKey[e.key16] = len(cands)
			cands = append(cands, cd)
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].better(&cands[j]) })
	if len(cands) > ClusterSize {
		cands = cands[:ClusterSize]
	}

	out := Cluster{Ref: a.Ref}
	for i, cd := range cands {
		out.Entries[i] = cd.e
	}
	return out
}
