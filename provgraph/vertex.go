package provgraph

import "github.com/cheriprov/capgraph/capval"

// EventKind classifies an entry in a vertex's event log.
type EventKind int

const (
	// EventDerefLoad records a data load performed through this
	// capability (distinct from loading the capability itself).
	EventDerefLoad EventKind = iota
	// EventDerefStore records a data store performed through this
	// capability.
	EventDerefStore
	// EventMemLoad records this capability being loaded from memory.
	EventMemLoad
	// EventMemStore records this capability being stored to memory.
	EventMemStore
	// EventSyscallArg records this capability being passed as a
	// syscall argument.
	EventSyscallArg
	// EventSyscallRet records this capability being a syscall return
	// value.
	EventSyscallRet
)

// isDeref reports whether k is one of the two "use through the capability"
// kinds, used by merge to check invariant-adjacent conditions (e.g. a
// placeholder merged to a missing parent must not have been dereferenced).
func (k EventKind) isDeref() bool {
	return k == EventDerefLoad || k == EventDerefStore
}

// Event is one entry in a vertex's event log. Address is meaningful for
// deref/mem events; SyscallCode is meaningful for syscall events.
type Event struct {
	Cycle       uint64
	Kind        EventKind
	Address     uint64
	SyscallCode int32
	IsCapValued bool
}

// VertexData is the per-vertex record attached to every vertex in the
// graph: the capability value, how it was derived, where, and the
// ordered log of uses.
type VertexData struct {
	Cap       capval.Capability
	Origin    Origin
	PCCreated uint64
	IsKernel  bool
	Events    []Event
	// Hidden is a downstream-filter mask; the builder never sets it and
	// never deletes vertices (§3 lifecycle).
	Hidden bool
}

// AppendDerefLoad appends a deref_load event. isCap marks whether the load
// delivered a capability-valued result (clc/csc-family).
func (v *VertexData) AppendDerefLoad(cycle, addr uint64, isCap bool) {
	v.Events = append(v.Events, Event{Cycle: cycle, Kind: EventDerefLoad, Address: addr, IsCapValued: isCap})
}

// AppendDerefStore appends a deref_store event.
func (v *VertexData) AppendDerefStore(cycle, addr uint64, isCap bool) {
	v.Events = append(v.Events, Event{Cycle: cycle, Kind: EventDerefStore, Address: addr, IsCapValued: isCap})
}

// AppendMemLoad appends a mem_load event: this capability itself was
// loaded from addr.
func (v *VertexData) AppendMemLoad(cycle, addr uint64) {
	v.Events = append(v.Events, Event{Cycle: cycle, Kind: EventMemLoad, Address: addr})
}

// AppendMemStore appends a mem_store event: this capability itself was
// stored to addr.
func (v *VertexData) AppendMemStore(cycle, addr uint64) {
	v.Events = append(v.Events, Event{Cycle: cycle, Kind: EventMemStore, Address: addr})
}

// AppendSyscallUse appends a syscall_arg or syscall_ret event.
func (v *VertexData) AppendSyscallUse(cycle uint64, code int32, isArg bool) {
	kind := EventSyscallRet
	if isArg {
		kind = EventSyscallArg
	}
	v.Events = append(v.Events, Event{Cycle: cycle, Kind: kind, SyscallCode: code})
}

// DerefCount returns the number of deref_load/deref_store events recorded,
// used by merge to enforce "a PARTIAL merged to no parent must not have
// been dereferenced".
func (v *VertexData) DerefCount() int {
	n := 0
	for _, e := range v.Events {
		if e.Kind.isDeref() {
			n++
		}
	}
	return n
}

// clone returns a shallow copy of v with an independently-allocated Events
// slice. Nothing in this module calls it; merge builds its own copy.
func (v *VertexData) clone() *VertexData {
	cp := *v
	cp.Events = append([]Event(nil), v.Events...)
	return &cp
}
