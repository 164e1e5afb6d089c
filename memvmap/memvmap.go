// Package memvmap maps memory addresses to the provenance-graph vertex of
// the capability currently stored there (§4.2 / C5).
package memvmap

import "github.com/cheriprov/capgraph/provgraph"

// MemMap tracks, for each address, the vertex of the capability most
// recently stored there (invariant 7).
type MemMap struct {
	live map[uint64]provgraph.Handle
}

// New returns an empty MemMap.
func New() *MemMap {
	return &MemMap{live: make(map[uint64]provgraph.Handle)}
}

// Load returns the vertex recorded at addr, and whether one was recorded.
func (m *MemMap) Load(addr uint64) (provgraph.Handle, bool) {
	h, ok := m.live[addr]
	return h, ok
}

// Store records h as the vertex at addr, overwriting any previous entry.
func (m *MemMap) Store(addr uint64, h provgraph.Handle) {
	m.live[addr] = h
}

// Clear removes any entry at addr (an invalid store clears the slot per
// invariant 7).
func (m *MemMap) Clear(addr uint64) {
	delete(m.live, addr)
}

// Live returns a snapshot of the current address->vertex map, for emission
// as a worker's final memory-vertex map at a window boundary (§4.6).
func (m *MemMap) Live() map[uint64]provgraph.Handle {
	out := make(map[uint64]provgraph.Handle, len(m.live))
	for addr, h := range m.live {
		out[addr] = h
	}
	return out
}

// WorkerMemMap is the variant used by per-window workers: in addition to
// the live map, it records the vertex that resolved each address's first
// genuine load-miss this window (§4.2, §4.6 case 2), so the merge driver
// can reconcile the window boundary against the previous window's final
// map. A plain Load peek, a hit, and a store never touch this record —
// only ResolveLoad does, mirroring original_source's MPVertexMemoryMap,
// whose mem_load override populates initial_map solely on the call made
// *after* a load-miss has synthesized a root (mem_store never touches it
// at all: an unconditional overwrite needs no boundary reconciliation,
// since it does not depend on whatever was there before the window).
type WorkerMemMap struct {
	MemMap
	initial map[uint64]provgraph.Handle
}

// NewWorker returns an empty WorkerMemMap.
func NewWorker() *WorkerMemMap {
	return &WorkerMemMap{
		MemMap:  MemMap{live: make(map[uint64]provgraph.Handle)},
		initial: make(map[uint64]provgraph.Handle),
	}
}

// recordInitial records h as the first-observed vertex at addr, if this is
// the first time addr has been touched this window.
func (m *WorkerMemMap) recordInitial(addr uint64, h provgraph.Handle) {
	if _, seen := m.initial[addr]; !seen {
		m.initial[addr] = h
	}
}

// Load peeks the live map at addr, exactly like MemMap.Load: it does not
// record a first observation, since a hit means some earlier instruction
// this window already stored to addr or resolved a load-miss there, and a
// miss has nothing yet to record.
func (m *WorkerMemMap) Load(addr uint64) (provgraph.Handle, bool) {
	return m.MemMap.Load(addr)
}

// ResolveLoad installs h as addr's live vertex after a load-miss has
// synthesized a root for it, and records h as addr's first observation if
// this is the first time addr has been touched this window.
func (m *WorkerMemMap) ResolveLoad(addr uint64, h provgraph.Handle) {
	m.recordInitial(addr, h)
	m.live[addr] = h
}

// Store behaves like MemMap.Store; unlike ResolveLoad it never touches
// the initial-observation record (an unconditional store needs no
// predecessor, so it is never a merge placeholder candidate).
func (m *WorkerMemMap) Store(addr uint64, h provgraph.Handle) {
	m.live[addr] = h
}

// Clear behaves like MemMap.Clear; it does not affect the initial map
// (the initial observation already happened).
func (m *WorkerMemMap) Clear(addr uint64) {
	delete(m.live, addr)
}

// Initial returns the worker's initial-observation map (address -> first
// vertex seen there this window), consumed by merge.
func (m *WorkerMemMap) Initial() map[uint64]provgraph.Handle {
	return m.initial
}

// AddressOf performs the reverse lookup merge needs: given a placeholder
// handle known to be a value of the initial map, find the address it was
// recorded against. Returns false if h is not present.
func (m *WorkerMemMap) AddressOf(h provgraph.Handle) (uint64, bool) {
	for addr, v := range m.initial {
		if v == h {
			return addr, true
		}
	}
	return 0, false
}
