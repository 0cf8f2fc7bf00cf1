package cluster

import (
	tt "github.com/unkn0wn-root/shardtt"
)

// Router maps a position onto the rank that owns its table entries. It must
// be pure: every rank has to agree on the owner of every key for a fixed
// world size.
type Router interface {
	Owner(key, pawnKey, materialKey tt.Key, world int) int
}

// KeySource selects the hash the router reads its bits from.
type KeySource uint8

const (
	// SourceAux is pawnKey ^ materialKey.
	SourceAux KeySource = iota
	SourcePawn
	SourceMaterial
	// SourcePrimary reads bits 32..47 of the primary key, which are used
	// neither for the cluster index nor for the stored key16.
	SourcePrimary
)

func (s KeySource) value(key, pawn, material tt.Key) uint64 {
	switch s {
	case SourcePawn:
		return uint64(pawn)
	case SourceMaterial:
		return uint64(material)
	case SourcePrimary:
		return (uint64(key) >> 32) & 0xFFFF
	}
	return uint64(pawn ^ material)
}

// SliceRouter takes Bits bits at Shift from Source and reduces them modulo the
// world size. Bits of 0 keeps everything above Shift.
type SliceRouter struct {
	Source KeySource
	Shift  uint
	Bits   uint
}

func (r SliceRouter) Owner(key, pawn, material tt.Key, world int) int {
	if world <= 1 {
		return 0
	}
	v := r.Source.value(key, pawn, material) >> r.Shift
	if r.Bits > 0 && r.Bits < 64 {
		v &= 1<<r.Bits - 1
	}
	return int(v % uint64(world))
}

// DefaultRouter routes on the low 16 bits of the auxiliary hash.
func DefaultRouter() Router {
	return SliceRouter{Source: SourceAux, Bits: 16}
}
