package tt

import (
	"errors"
	"testing"
	"unsafe"
)

// keyAt builds a key that lands in cluster idx with in-cluster id k16.
func keyAt(idx uint64, k16 uint16) Key {
	return Key(uint64(k16)<<48 | idx)
}

func newTestStore(t *testing.T, mb int) *Store {
	t.Helper()
	s, err := New(mb)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestClusterLayout(t *testing.T) {
	if got := unsafe.Sizeof(Entry{}); got != EntrySize {
		t.Fatalf("entry size = %d, want %d", got, EntrySize)
	}
	if got := unsafe.Sizeof(Cluster{}); got != ClusterBytes {
		t.Fatalf("cluster size = %d, want %d", got, ClusterBytes)
	}
	if CacheLineSize%ClusterBytes != 0 {
		t.Fatalf("cluster size %d does not divide cache line %d", ClusterBytes, CacheLineSize)
	}
}

func TestResizeSizing(t *testing.T) {
	s := newTestStore(t, 16)
	if got, want := s.ClusterCount(), uint64(16<<20)/ClusterBytes; got != want {
		t.Fatalf("cluster count = %d, want %d", got, want)
	}

	if err := s.Resize(3); err != nil {
		t.Fatalf("resize: %v", err)
	}
	// 3 MB / 32 B = 98304 clusters, largest power of two below is 65536.
	if got := s.ClusterCount(); got != 65536 {
		t.Fatalf("cluster count = %d, want 65536", got)
	}

	addr := uintptr(unsafe.Pointer(&s.clusters[0]))
	if addr%uintptr(CacheLineSize) != 0 {
		t.Fatalf("cluster array not cache aligned: %#x", addr)
	}
}

func TestResizeInvalid(t *testing.T) {
	s := &Store{}
	err := s.Resize(0)
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestResizeDiscardsContents(t *testing.T) {
	s := newTestStore(t, 1)
	k := keyAt(5, 0xBEEF)
	e, _ := s.Probe(k)
	e.Save(k, 1, BoundExact, 3, 7, 0, s.Generation())

	if err := s.Resize(1); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if _, found := s.Probe(k); found {
		t.Fatal("expected entry to be discarded by resize")
	}
}

func TestClusterIndexStable(t *testing.T) {
	s := newTestStore(t, 1)
	keys := []Key{0, 1, 0xFFFFFFFFFFFFFFFF, 0x123456789ABCDEF0, 0x8000000000000001}
	for _, k := range keys {
		a := s.ClusterIndex(k)
		for i := 0; i < 10; i++ {
			if b := s.ClusterIndex(k); b != a {
				t.Fatalf("cluster index for %#x changed: %d -> %d", uint64(k), a, b)
			}
		}
		if a >= s.ClusterCount() {
			t.Fatalf("cluster index %d out of range", a)
		}
	}
}

func TestSaveProbeRoundTrip(t *testing.T) {
	s := newTestStore(t, 16)
	k := Key(0x9E3779B97F4A7C15)

	e, found := s.Probe(k)
	if found {
		t.Fatal("expected miss on empty table")
	}
	e.Save(k, 123, BoundExact, 5, 0x1234, 10, s.Generation())

	e, found = s.Probe(k)
	if !found {
		t.Fatal("expected hit after save")
	}
	if e.Value() != 123 || e.Move() != 0x1234 || e.Eval() != 10 || e.Depth() != 5 || e.Bound() != BoundExact {
		t.Fatalf("unexpected entry: value=%d move=%#x eval=%d depth=%d bound=%d",
			e.Value(), e.Move(), e.Eval(), e.Depth(), e.Bound())
	}
	if s.Usage(s.ClusterIndex(k)) != 1 {
		t.Fatalf("usage = %d, want 1", s.Usage(s.ClusterIndex(k)))
	}
}

func TestGenerationRefreshOnProbe(t *testing.T) {
	s := newTestStore(t, 1)
	k := keyAt(9, 0x0A0A)
	g0 := s.Generation()

	e, _ := s.Probe(k)
	e.Save(k, -50, BoundLower, 12, 0x22, 4, g0)

	g1 := s.NewSearch()
	if g1 != g0+GenerationStep {
		t.Fatalf("generation = %d, want %d", g1, g0+GenerationStep)
	}

	e, found := s.Probe(k)
	if !found {
		t.Fatal("expected hit")
	}
	if e.Generation() != g1 {
		t.Fatalf("generation not refreshed: %d", e.Generation())
	}
	if e.Bound() != BoundLower || e.Value() != -50 || e.Eval() != 4 || e.Depth() != 12 || e.Move() != 0x22 {
		t.Fatal("refresh modified more than the generation")
	}
}

func TestClearZeroFills(t *testing.T) {
	s := newTestStore(t, 1)
	for i := uint64(0); i < 100; i++ {
		k := keyAt(i, uint16(i+1))
		e, _ := s.Probe(k)
		e.Save(k, 1, BoundExact, 1, 1, 1, s.Generation())
	}
	count := s.ClusterCount()

	s.Clear()
	if s.ClusterCount() != count {
		t.Fatal("clear changed the table size")
	}
	for i := range s.clusters {
		c := &s.clusters[i]
		for j := range c.Entries {
			if c.Entries[j] != (Entry{}) {
				t.Fatalf("cluster %d entry %d not cleared", i, j)
			}
		}
		if c.Ref != RefOf(uint64(i)) {
			t.Fatalf("cluster %d lost its back-reference", i)
		}
	}
	if s.Hashfull() != 0 {
		t.Fatalf("hashfull = %d after clear", s.Hashfull())
	}
}

func TestHashfullMonotonic(t *testing.T) {
	s := newTestStore(t, 1)
	if got := s.Hashfull(); got != 0 {
		t.Fatalf("fresh hashfull = %d", got)
	}

	prev := 0
	gen := s.Generation()
	for i := uint64(0); i < hashfullSample; i++ {
		for j := uint16(1); j <= ClusterSize; j++ {
			k := keyAt(i, j)
			e, found := s.Probe(k)
			if found {
				t.Fatalf("unexpected hit for fresh key %#x", uint64(k))
			}
			e.Save(k, 0, BoundUpper, 1, MoveNone, 0, gen)

			h := s.Hashfull()
			if h < prev || h < 0 || h > 1000 {
				t.Fatalf("hashfull %d after %d (prev %d)", h, i, prev)
			}
			prev = h
		}
	}
	if prev != 1000 {
		t.Fatalf("full sample window reports %d", prev)
	}
}

func TestSnapshotApply(t *testing.T) {
	s := newTestStore(t, 1)
	k := keyAt(11, 0x7777)
	e, _ := s.Probe(k)
	e.Save(k, 42, BoundExact, 8, 3, 1, s.Generation())

	snap, _, err := s.Snapshot(11)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Ref != RefOf(11) {
		t.Fatalf("ref = %d", snap.Ref)
	}

	k2 := keyAt(11, 0x8888)
	e2, found := snap.Probe(k2, s.Generation())
	if found {
		t.Fatal("unexpected hit")
	}
	e2.Save(k2, 7, BoundLower, 2, 9, 0, s.Generation())

	if err := s.Apply(11, &snap, 1<<1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, found := s.Probe(k2); !found || got.Value() != 7 {
		t.Fatal("applied entry not visible")
	}

	bad := snap
	bad.Ref++
	if err := s.Apply(11, &bad, 0x7); !errors.Is(err, ErrRefMismatch) {
		t.Fatalf("expected ErrRefMismatch, got %v", err)
	}
	if err := s.Apply(s.ClusterCount(), &snap, 0x7); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("expected ErrIndexRange, got %v", err)
	}
}
