package tt

// Key is the 64-bit fingerprint of a position.
type Key uint64

// Move is a 16-bit encoded move. MoveNone is the null move.
type Move uint16

// Value is a search score or static evaluation. It must fit in 16 bits.
type Value int16

// Depth is a search depth in plies.
type Depth int8

// Bound classifies a stored score.
type Bound uint8

const (
	BoundNone  Bound = 0
	BoundUpper Bound = 1
	BoundLower Bound = 2
	BoundExact Bound = BoundUpper | BoundLower
)

const MoveNone Move = 0

const (
	// BoundMask selects the bound bits of the packed generation/bound byte.
	BoundMask = 0x03
	// GenerationStep advances the generation without touching the bound bits.
	GenerationStep = BoundMask + 1
	// GenerationMask strips the bound bits from the packed byte.
	GenerationMask = 0xFF &^ BoundMask
	// GenerationCycle is the 8-bit modulus plus BoundMask. Adding it before
	// subtracting keeps the age non-negative across wraparound and keeps the
	// bound bits of the stored byte from borrowing into the age.
	GenerationCycle = 256 + BoundMask

	// DepthSlack is how much shallower a new result may be and still
	// overwrite a matching non-exact entry.
	DepthSlack = 4
)

// EntrySize is the packed size of an Entry in bytes.
const EntrySize = 10

// Entry is one packed table record:
//
//	key        16 bit  (top 16 bits of the position key)
//	move       16 bit
//	value      16 bit
//	eval       16 bit
//	generation  6 bit
//	bound       2 bit
//	depth       8 bit
type Entry struct {
	key16     uint16
	move16    uint16
	value16   int16
	eval16    int16
	genBound8 uint8
	depth8    int8
}

// key16Of returns the in-cluster identity of a key.
func key16Of(k Key) uint16 { return uint16(k >> 48) }

func (e *Entry) Move() Move         { return Move(e.move16) }
func (e *Entry) Value() Value       { return Value(e.value16) }
func (e *Entry) Eval() Value        { return Value(e.eval16) }
func (e *Entry) Depth() Depth       { return Depth(e.depth8) }
func (e *Entry) Bound() Bound       { return Bound(e.genBound8 & BoundMask) }
func (e *Entry) Generation() uint8  { return e.genBound8 & GenerationMask }
func (e *Entry) Empty() bool        { return e.key16 == 0 }
func (e *Entry) Matches(k Key) bool { return e.key16 != 0 && e.key16 == key16Of(k) }

// Save stores a search result into e. A stored move survives a null move for
// the same position, and an existing entry for the same position is only
// overwritten by an exact bound or a result not more than DepthSlack plies
// shallower.
func (e *Entry) Save(k Key, v Value, b Bound, d Depth, m Move, ev Value, gen uint8) {
	k16 := key16Of(k)

	if m != MoveNone || k16 != e.key16 {
		e.move16 = uint16(m)
	}

	if k16 != e.key16 || int(d) > int(e.depth8)-DepthSlack || b == BoundExact {
		e.key16 = k16
		e.value16 = int16(v)
		e.eval16 = int16(ev)
		e.genBound8 = (gen & GenerationMask) | uint8(b&BoundMask)
		e.depth8 = int8(d)
	}
}

// refresh stamps gen onto a live entry, preserving its bound.
func (e *Entry) refresh(gen uint8) {
	if e.key16 != 0 && e.genBound8&GenerationMask != gen {
		e.genBound8 = gen | (e.genBound8 & BoundMask)
	}
}

// age is the wraparound-safe generation distance of e from gen, in
// generation-step units scaled by GenerationStep.
func (e *Entry) age(gen uint8) int {
	return (GenerationCycle + int(gen) - int(e.genBound8)) & GenerationMask
}

// Staleness scores an entry for replacement: deeper and fresher entries score
// higher. The lowest score in a full cluster is evicted.
func (e *Entry) Staleness(gen uint8) int {
	return int(e.depth8) - 2*e.age(gen)
}
