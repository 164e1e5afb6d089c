// Package regset models the architectural capability register file: 32
// general capability registers plus the distinguished PCC, each mapped to
// the provenance-graph vertex currently held there (or to none).
//
// A PARTIAL-held slot means "unknown predecessor": it stands in for a
// capability that existed before a worker began observing its window.
// Callers that treat a PARTIAL as a perfectly usable value (its true
// identity is resolved later, at merge time) pass allowRoot=true; a
// caller that specifically needs a known, already-resolved vertex right
// now — synthesizing a fresh ROOT otherwise rather than deferring to
// merge — passes allowRoot=false.
package regset

import "github.com/cheriprov/capgraph/provgraph"

// RegisterSet maps each of the 32 capability registers, plus PCC, to a
// provgraph.Handle (or provgraph.NoHandle).
type RegisterSet struct {
	Regs [32]provgraph.Handle
	PCC  provgraph.Handle
}

// New returns a RegisterSet with every slot empty.
func New() *RegisterSet {
	rs := &RegisterSet{PCC: provgraph.NoHandle}
	for i := range rs.Regs {
		rs.Regs[i] = provgraph.NoHandle
	}
	return rs
}

// Get returns the handle held in register i.
func (rs *RegisterSet) Get(i int) provgraph.Handle {
	return rs.Regs[i]
}

// Set installs h in register i. If h is a freshly-synthesized, still-
// parentless ROOT and register i currently holds a PARTIAL placeholder,
// the placeholder becomes h's parent before being overwritten (see
// attachToPlaceholder) — this mirrors original_source's
// RegisterSet.__setitem__, whose _attach_subgraph_merge call is exactly
// this behavior, and is what lets merge's trace-beginning reconciliation
// (§4.6.1) find a window's very first synthesized roots as out-neighbours
// of the initial placeholders instead of as unrelated orphans.
func (rs *RegisterSet) Set(g *provgraph.Graph, i int, h provgraph.Handle) {
	attachToPlaceholder(g, rs.Regs[i], h)
	rs.Regs[i] = h
}

// SetPCC is the pcc analog of Set.
func (rs *RegisterSet) SetPCC(g *provgraph.Graph, h provgraph.Handle) {
	attachToPlaceholder(g, rs.PCC, h)
	rs.PCC = h
}

// attachToPlaceholder reparents newHandle under oldHandle when newHandle
// is a parentless ROOT and oldHandle is a PARTIAL placeholder — i.e. a
// capability register slot that held "unknown predecessor" is about to be
// overwritten with a freshly-synthesized root, so that root is in fact a
// child of the predecessor it replaces, not a disconnected vertex. A no-op
// in every other case (derived vertices already have their real parent;
// a root that already has a parent was attached by a previous Set/SetPCC
// call and must not be re-attached).
func attachToPlaceholder(g *provgraph.Graph, oldHandle, newHandle provgraph.Handle) {
	if !oldHandle.Valid() || !newHandle.Valid() || oldHandle == newHandle {
		return
	}
	newData, ok := g.Data(newHandle)
	if !ok || newData.Origin != provgraph.Root {
		return
	}
	if p, ok := g.Parent(newHandle); !ok || p.Valid() {
		return
	}
	oldData, ok := g.Data(oldHandle)
	if !ok || oldData.Origin != provgraph.Partial {
		return
	}
	_ = g.Reparent(newHandle, oldHandle)
}

// Move propagates the handle held in src into dst, used for
// bounds-preserving capability moves/arithmetic.
func (rs *RegisterSet) Move(src, dst int) {
	rs.Regs[dst] = rs.Regs[src]
}

// isPartial reports whether h is the vertex with Origin == Partial in g.
// A handle that does not resolve in g is treated as not-partial (callers
// are expected to pass handles that exist).
func isPartial(g *provgraph.Graph, h provgraph.Handle) bool {
	if !h.Valid() {
		return false
	}
	d, ok := g.Data(h)
	return ok && d.Origin == provgraph.Partial
}

// Has reports whether register i holds a vertex. If allowRoot is false, a
// slot holding a PARTIAL placeholder is treated as empty (the contract
// that PARTIAL means "unknown predecessor").
func (rs *RegisterSet) Has(g *provgraph.Graph, i int, allowRoot bool) bool {
	h := rs.Regs[i]
	if !h.Valid() {
		return false
	}
	if !allowRoot && isPartial(g, h) {
		return false
	}
	return true
}

// HasPCC is the PCC analog of Has.
func (rs *RegisterSet) HasPCC(g *provgraph.Graph, allowRoot bool) bool {
	if !rs.PCC.Valid() {
		return false
	}
	if !allowRoot && isPartial(g, rs.PCC) {
		return false
	}
	return true
}
