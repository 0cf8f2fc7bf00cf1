package tt

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the alignment of the cluster array.
const CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// Layout checks: a Cluster is exactly ClusterBytes and divides a cache line.
var (
	_ [unsafe.Sizeof(Cluster{}) - ClusterBytes]struct{}
	_ [ClusterBytes - unsafe.Sizeof(Cluster{})]struct{}
	_ = [1]struct{}{}[CacheLineSize%ClusterBytes]
)

const (
	// hashfullSample is the number of clusters sampled by Hashfull.
	hashfullSample = 1000 / ClusterSize

	maxUsage = ^uint32(0)
)

// Stats is a point-in-time view of the store.
type Stats struct {
	Megabytes    int
	ClusterCount uint64
	Generation   uint8
	Hashfull     int
	Probes       uint64
	Hits         uint64
}

// Store is the local transposition table: a power-of-two array of
// cache-line-aligned clusters addressed by the low bits of the key.
//
// Entry reads and writes from search goroutines are not synchronized; a torn
// or lost update only costs search efficiency. mu is the transfer window: it
// is held shared by each remote transfer and exclusively by Resize and Clear.
type Store struct {
	mu         sync.RWMutex
	mem        []byte
	clusters   []Cluster
	usage      []uint32
	mask       uint64
	megabytes  int
	generation atomic.Uint32
	probes     atomic.Uint64
	hits       atomic.Uint64
}

// New returns a store sized to mb megabytes.
func New(mb int) (*Store, error) {
	s := &Store{}
	if err := s.Resize(mb); err != nil {
		return nil, err
	}
	return s, nil
}

// ClusterCountFor returns the largest power-of-two cluster count fitting in
// mb megabytes.
func ClusterCountFor(mb int) (uint64, error) {
	if mb <= 0 {
		return 0, ErrInvalidSize
	}
	n := (uint64(mb) << 20) / ClusterBytes
	if n == 0 {
		return 0, ErrInvalidSize
	}
	return 1 << (bits.Len64(n) - 1), nil
}

// Resize reallocates the table for mb megabytes. Prior contents are
// discarded. Allocation failure is returned as ErrAllocation; callers are
// expected to treat it as fatal.
func (s *Store) Resize(mb int) error {
	count, err := ClusterCountFor(mb)
	if err != nil {
		return wrapError("resize", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(len(s.clusters)) == count {
		s.megabytes = mb
		s.clearLocked()
		return nil
	}

	mem, clusters, err := allocClusters(count)
	if err != nil {
		return wrapError("resize", fmt.Errorf("%w: %d MB: %v", ErrAllocation, mb, err))
	}

	s.mem = mem
	s.clusters = clusters
	s.usage = make([]uint32, count)
	s.mask = count - 1
	s.megabytes = mb
	s.stampRefs()
	return nil
}

// allocClusters returns a zeroed cluster array whose first element starts on
// a cache line boundary. mem keeps the backing allocation reachable.
func allocClusters(count uint64) (mem []byte, clusters []Cluster, err error) {
	defer func() {
		if r := recover(); r != nil {
			mem, clusters, err = nil, nil, fmt.Errorf("%v", r)
		}
	}()

	size := count*ClusterBytes + uint64(CacheLineSize) - 1
	if size/ClusterBytes < count || size > uint64(^uint(0)>>1) {
		return nil, nil, fmt.Errorf("size overflow")
	}
	mem = make([]byte, int(size))
	off := 0
	if r := int(uintptr(unsafe.Pointer(&mem[0])) % uintptr(CacheLineSize)); r != 0 {
		off = CacheLineSize - r
	}
	clusters = unsafe.Slice((*Cluster)(unsafe.Pointer(&mem[off])), int(count))
	return mem, clusters, nil
}

// Clear zero-fills the table without changing its size.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Store) clearLocked() {
	clear(s.clusters)
	clear(s.usage)
	s.stampRefs()
	s.generation.Store(0)
	s.probes.Store(0)
	s.hits.Store(0)
}

func (s *Store) stampRefs() {
	for i := range s.clusters {
		s.clusters[i].Ref = RefOf(uint64(i))
	}
}

// NewSearch advances the generation. The low bits stay free for the bound.
func (s *Store) NewSearch() uint8 {
	return uint8(s.generation.Add(GenerationStep))
}

// Generation returns the current generation.
func (s *Store) Generation() uint8 { return uint8(s.generation.Load()) }

// SetGeneration forces the generation, keeping the bound bits clear.
func (s *Store) SetGeneration(g uint8) { s.generation.Store(uint32(g & GenerationMask)) }

// ClusterCount returns the number of clusters.
func (s *Store) ClusterCount() uint64 { return uint64(len(s.clusters)) }

// Megabytes returns the requested size of the last Resize.
func (s *Store) Megabytes() int { return s.megabytes }

// ClusterIndex maps a key to its cluster using the low-order bits.
func (s *Store) ClusterIndex(k Key) uint64 { return uint64(k) & s.mask }

// FirstEntry returns the first entry of k's cluster.
func (s *Store) FirstEntry(k Key) *Entry {
	return &s.clusters[s.ClusterIndex(k)].Entries[0]
}

// Probe looks k up in the local table. It returns true and the entry when k
// is present; otherwise false and an empty or least valuable entry to be
// replaced by a later Save.
func (s *Store) Probe(k Key) (*Entry, bool) {
	i := s.ClusterIndex(k)
	e, found := s.clusters[i].Probe(k, s.Generation())
	s.probes.Add(1)
	if found {
		s.hits.Add(1)
		s.bumpUsage(i)
	}
	return e, found
}

func (s *Store) bumpUsage(i uint64) {
	p := &s.usage[i]
	if atomic.LoadUint32(p) != maxUsage {
		atomic.AddUint32(p, 1)
	}
}

// Hashfull estimates occupancy in permille from the entries of the first
// clusters that belong to the current generation.
func (s *Store) Hashfull() int {
	n := hashfullSample
	if c := len(s.clusters); c < n {
		n = c
	}
	if n == 0 {
		return 0
	}

	gen := s.Generation()
	cnt := 0
	for i := 0; i < n; i++ {
		for j := range s.clusters[i].Entries {
			e := &s.clusters[i].Entries[j]
			if e.key16 != 0 && e.Generation() == gen {
				cnt++
			}
		}
	}
	return cnt * 1000 / (n * ClusterSize)
}

// Snapshot copies cluster i and its usage counter under the shared window.
func (s *Store) Snapshot(i uint64) (Cluster, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i >= uint64(len(s.clusters)) {
		return Cluster{}, 0, wrapError("snapshot", ErrIndexRange)
	}
	return s.clusters[i], atomic.LoadUint32(&s.usage[i]), nil
}

// Apply writes the slots of c selected by mask into cluster i. c.Ref must
// match the slot's back-reference.
func (s *Store) Apply(i uint64, c *Cluster, mask uint8) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applyLocked(i, c, mask)
}

// ApplyBatch applies many remote writes under one hold of the shared window.
// It returns the number of writes rejected.
func (s *Store) ApplyBatch(idx []uint64, cs []Cluster, masks []uint8) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rejected := 0
	for k := range idx {
		if err := s.applyLocked(idx[k], &cs[k], masks[k]); err != nil {
			rejected++
		}
	}
	return rejected
}

func (s *Store) applyLocked(i uint64, c *Cluster, mask uint8) error {
	if i >= uint64(len(s.clusters)) {
		return wrapError("apply", ErrIndexRange)
	}
	dst := &s.clusters[i]
	if c.Ref != dst.Ref {
		return wrapError("apply", ErrRefMismatch)
	}
	for j := 0; j < ClusterSize; j++ {
		if mask&(1<<j) != 0 {
			dst.Entries[j] = c.Entries[j]
		}
	}
	return nil
}

// ReadRange copies clusters [start, start+len(dst)) and their usage counters.
func (s *Store) ReadRange(start uint64, dst []Cluster, usage []uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copy(dst, s.clusters[start:])
	for k := range usage {
		usage[k] = atomic.LoadUint32(&s.usage[start+uint64(k)])
	}
}

// WriteRange overwrites clusters starting at start with src.
func (s *Store) WriteRange(start uint64, src []Cluster, usage []uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copy(s.clusters[start:], src)
	for k := range usage {
		atomic.StoreUint32(&s.usage[start+uint64(k)], usage[k])
	}
}

// Usage returns the usage counter of cluster i.
func (s *Store) Usage(i uint64) uint32 { return atomic.LoadUint32(&s.usage[i]) }

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Megabytes:    s.megabytes,
		ClusterCount: s.ClusterCount(),
		Generation:   s.Generation(),
		Hashfull:     s.Hashfull(),
		Probes:       s.probes.Load(),
		Hits:         s.hits.Load(),
	}
}
