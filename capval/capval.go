// Package capval defines the immutable Capability value type: base, length,
// offset, permissions, object type, validity and allocation time.
//
// Capability values are never mutated once observed on a register or in
// memory; every derivation produces a new value attached to a new vertex in
// the provenance graph (see package provgraph).
package capval

// Capability is an immutable descriptor of a CHERI capability value.
type Capability struct {
	// Base is the lowest address the capability may address.
	Base uint64
	// Length is the span of addresses the capability may address.
	Length uint64
	// Offset is the current cursor within [Base, Base+Length].
	Offset uint64
	// Permissions is the bitset of operations this capability authorizes.
	Permissions Permissions
	// ObjectType distinguishes sealed capabilities; 0 for unsealed.
	ObjectType uint32
	// Valid is the architectural tag bit.
	Valid bool
	// TAlloc is the cycle at which this value was first observed.
	TAlloc uint64
}

// Bound returns the exclusive upper address of the capability, Base+Length.
func (c Capability) Bound() uint64 {
	return c.Base + c.Length
}

// Contains reports whether other's addressable range is contained within
// c's, i.e. c.Base <= other.Base && other.Bound() <= c.Bound(). Does not
// inspect permissions; see PermSubset for that half of invariant 4.
func (c Capability) Contains(other Capability) bool {
	return c.Base <= other.Base && other.Bound() <= c.Bound()
}

// PermSubset reports whether other's permissions are a subset of c's, i.e.
// deriving other from c only narrows authority.
func (c Capability) PermSubset(other Capability) bool {
	return other.Permissions.Subset(c.Permissions)
}

// Narrows reports whether other is a legal derivation of c under
// invariant 4: other's bounds are contained within c's and other's
// permissions do not exceed c's.
func (c Capability) Narrows(other Capability) bool {
	return c.Contains(other) && c.PermSubset(other)
}
