// Package merge implements the global partial-subgraph merge (§4.6, C9): it
// consumes one WorkerResult per trace window, in trace order, and folds
// each window's subgraph into a single merged provenance graph, resolving
// the PARTIAL placeholders a worker had to invent at its window's start
// against whatever the previous window actually resolved them to.
package merge

import (
	"fmt"
	"sort"

	"github.com/cheriprov/capgraph/branchstate"
	"github.com/cheriprov/capgraph/builderr"
	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/regset"
	"github.com/cheriprov/capgraph/syscallstate"
)

// Sentinel errors, each wrapping one of the four builderr fatal kinds so
// provbuild can branch on failure kind with errors.Is regardless of
// whether a worker or the merge driver raised it.
var (
	// ErrTraceBeginningUnresolvable indicates the very first window's
	// initial placeholder has no ROOT out-neighbour to anchor on: nothing
	// observed before this vertex's first use establishes what it was.
	ErrTraceBeginningUnresolvable = fmt.Errorf("merge: trace-beginning placeholder has no ROOT child to coalesce: %w", builderr.ErrMissingParent)

	// ErrInitialVertexDereferenced indicates a placeholder with no
	// resolution from the previous window (v = None) was itself
	// dereferenced — its true identity was required but never observed.
	ErrInitialVertexDereferenced = fmt.Errorf("merge: unresolved placeholder was dereferenced: %w", builderr.ErrSubgraphMerge)

	// ErrInitialVertexNonRootChild indicates a placeholder with no
	// resolution has a non-ROOT out-neighbour: a derivation was performed
	// from material whose origin is unknown on both sides of the merge.
	ErrInitialVertexNonRootChild = fmt.Errorf("merge: unresolved placeholder has a non-ROOT child: %w", builderr.ErrMissingParent)

	// ErrIncompatibleCapability indicates two candidate values for the
	// same register/pcc boundary slot disagree on base, length,
	// permissions, or object type.
	ErrIncompatibleCapability = fmt.Errorf("merge: incompatible capability at boundary placeholder: %w", builderr.ErrSubgraphMerge)

	// ErrIncompatibleMemory is ErrIncompatibleCapability's memory-map
	// analog (§4.6 case 2).
	ErrIncompatibleMemory = fmt.Errorf("merge: incompatible capability at memory boundary placeholder: %w", builderr.ErrSubgraphMerge)

	// ErrBranchFixupTarget indicates the current window's pcc placeholder
	// is not the PARTIAL boundary vertex the branch fix-up requires.
	ErrBranchFixupTarget = fmt.Errorf("merge: branch fix-up target is not a PARTIAL boundary vertex: %w", builderr.ErrSubgraphMerge)

	// ErrSyscallFixupTarget indicates the current window's initial eret
	// capability was never translated into the merged graph, so the
	// pending syscall_ret event has nothing to attach to.
	ErrSyscallFixupTarget = fmt.Errorf("merge: syscall fix-up target vertex was never translated: %w", builderr.ErrSubgraphMerge)

	// ErrMergedVertexMissing indicates a vertex recorded as the previous
	// window's resolution no longer exists in the merged graph — an
	// internal consistency failure, since the merged graph never deletes
	// vertices.
	ErrMergedVertexMissing = fmt.Errorf("merge: previously-resolved vertex missing from merged graph: %w", builderr.ErrUnexpected)
)

// capCompatible reports whether a and b may be treated as the same
// capability for merge purposes: equal base, length, permissions, and
// object type. Offset, validity, and allocation time are deliberately
// excluded — they vary across observations of the same underlying value
// (a capability's cursor moves, its tag can flip) without changing its
// provenance identity.
func capCompatible(a, b capval.Capability) bool {
	return a.Base == b.Base && a.Length == b.Length && a.Permissions == b.Permissions && a.ObjectType == b.ObjectType
}

// RegSnapshot mirrors regset.RegisterSet's 33 slots as plain handles. It is
// the vertex-space-agnostic shape WorkerResult and Driver exchange: a
// worker's snapshot lives in that worker's subgraph space, while Driver's
// own prevRegs lives in the merged graph's space — the same struct serves
// both, and translateRegSnapshot is what moves a value from one space to
// the other.
type RegSnapshot struct {
	Regs [32]provgraph.Handle
	PCC  provgraph.Handle
}

// SnapshotRegs captures rs's current contents as a RegSnapshot, for a
// worker to emit as its final_regset at a window boundary (§4.6).
func SnapshotRegs(rs *regset.RegisterSet) RegSnapshot {
	return RegSnapshot{Regs: rs.Regs, PCC: rs.PCC}
}

// WorkerResult is the immutable artefact a window's worker hands to the
// merge driver once it has processed its window to completion (§4.6, §5:
// workers communicate results by value).
type WorkerResult struct {
	// Subgraph is the window's own provenance graph, built against 32+1
	// PARTIAL placeholders standing in for whatever the register file and
	// memory actually held when the window began.
	Subgraph *provgraph.Graph

	// InitialRegs holds the handles of the 32+1 placeholders created at
	// window start, expressed in Subgraph's vertex space.
	InitialRegs RegSnapshot
	// FinalRegs holds the handles left in each register/pcc slot at the
	// end of the window, expressed in Subgraph's vertex space.
	FinalRegs RegSnapshot

	// InitialMem is the address -> vertex map recording, for each address
	// whose first load-miss this window resolved, the vertex that
	// resolved it (memvmap.WorkerMemMap.Initial).
	InitialMem map[uint64]provgraph.Handle
	// FinalMem is the live address -> vertex map at window end
	// (memvmap.WorkerMemMap.Live).
	FinalMem map[uint64]provgraph.Handle

	Branch  branchstate.Boundary
	Syscall syscallstate.Boundary

	// HaveStackHint, StackCap, and StackOffset carry the best-effort user
	// stack capture (dispatcher.Dispatcher.StackHint) in Subgraph's vertex
	// space, if this window observed the first eret into userspace it has
	// seen. Only the trace's very first such observation is ever recorded
	// into the merged graph (Driver.Step, §1 supplemented feature 1).
	HaveStackHint bool
	StackCap      provgraph.Handle
	StackOffset   uint64
}

// Driver runs the sequential merge described by spec.md §4.6: it owns the
// merged graph and the running prev_regset/prev_memvmap/prev_branch/
// prev_syscall state, each expressed in the merged graph's own vertex
// space, and folds in one WorkerResult per call to Step, in trace order.
type Driver struct {
	graph   *provgraph.Graph
	stepIdx int

	prevRegs    RegSnapshot
	prevMem     map[uint64]provgraph.Handle
	prevBranch  branchstate.Boundary
	prevSyscall syscallstate.Boundary

	// Warnings accumulates non-fatal notices (currently: a memory
	// placeholder with no corresponding entry in the previous window's
	// final memory map — §4.6 case 2's "log a warning" branch).
	Warnings []string
}

// NewDriver returns a Driver with an empty merged graph, ready for the
// trace's first window.
func NewDriver() *Driver {
	rs := RegSnapshot{PCC: provgraph.NoHandle}
	for i := range rs.Regs {
		rs.Regs[i] = provgraph.NoHandle
	}
	return &Driver{
		graph:    provgraph.NewGraph(),
		prevRegs: rs,
		prevMem:  make(map[uint64]provgraph.Handle),
	}
}

// Graph returns the merged provenance graph built so far.
func (d *Driver) Graph() *provgraph.Graph {
	return d.graph
}

// Step folds res into the merged graph. Windows must be supplied in trace
// order; Step maintains no index of its own beyond step count, so calling
// it out of order silently corrupts the merge.
func (d *Driver) Step(res WorkerResult) error {
	t := newTranslator(d, res)
	if err := t.run(); err != nil {
		return err
	}
	d.prevRegs = t.translateRegSnapshot(res.FinalRegs)
	d.prevMem = t.translateMem(res.FinalMem)
	d.prevBranch = t.translateBranch(res.Branch)
	d.prevSyscall = t.translateSyscall(res.Syscall)
	t.applyStackHint()
	d.stepIdx++
	return nil
}

// applyStackHint installs res's stack capture into the merged graph's
// StackHint, if this is the trace's first such observation across any
// window processed so far and the captured vertex did resolve to
// something in the merged graph. A capture whose vertex never translated
// (e.g. a to-none placeholder that resolved to nothing) is silently
// dropped — this is best-effort metadata, not a fatal condition.
func (t *translator) applyStackHint() {
	if t.d.graph.StackHint.Set || !t.res.HaveStackHint {
		return
	}
	mh, ok := t.translated[t.res.StackCap]
	if !ok {
		return
	}
	t.d.graph.StackHint = provgraph.StackHint{Set: true, Cap: mh, Offset: t.res.StackOffset}
}

// translator holds the per-step working state for folding one
// WorkerResult's subgraph into the driver's merged graph: a breadth-first
// walk seeded from every parentless vertex in the subgraph (every vertex
// in a forest is either parentless or a descendant of one, so this seed
// set reaches every vertex without needing to special-case the 33 known
// register/pcc placeholders plus memory placeholders separately), a
// vertex translation table mapping subgraph handles to merged-graph
// handles, and the boundary state needed to classify placeholders.
//
// The walk's visit-then-enumerate ordering matters: mergeInitialVertexToPrev
// may reparent a suppressed ROOT child's children onto the placeholder
// itself mid-visit, so a vertex's children must be read fresh from the
// subgraph after its own visit completes, not captured beforehand — the
// same ordering bfs.walker.loop uses (dequeue, visit, then enumerate
// neighbours) adapted here to the subgraph's edges instead of a
// core.Graph's.
type translator struct {
	d   *Driver
	sub *provgraph.Graph
	res WorkerResult

	translated map[provgraph.Handle]provgraph.Handle
	queue      []provgraph.Handle
	queued     map[provgraph.Handle]bool

	regIndex map[provgraph.Handle]int
	memAddr  map[provgraph.Handle]uint64

	// prevRegs is d.prevRegs, possibly with its PCC slot overridden by the
	// branch fix-up before the walk begins (applyBranchFixup).
	prevRegs RegSnapshot
}

func newTranslator(d *Driver, res WorkerResult) *translator {
	t := &translator{
		d:          d,
		sub:        res.Subgraph,
		res:        res,
		translated: make(map[provgraph.Handle]provgraph.Handle),
		queued:     make(map[provgraph.Handle]bool),
		regIndex:   make(map[provgraph.Handle]int, 32),
		memAddr:    make(map[provgraph.Handle]uint64, len(res.InitialMem)),
	}
	for i, h := range res.InitialRegs.Regs {
		if h.Valid() {
			t.regIndex[h] = i
		}
	}
	for addr, h := range res.InitialMem {
		if h.Valid() {
			t.memAddr[h] = addr
		}
	}
	return t
}

// run drives the walk: branch fix-up, BFS over the subgraph, syscall
// fix-up (which needs the walk's translations to have already happened).
func (t *translator) run() error {
	if err := t.applyBranchFixup(); err != nil {
		return err
	}
	t.seed()
	for len(t.queue) > 0 {
		u := t.dequeue()
		if err := t.examineVertex(u); err != nil {
			return err
		}
		t.enqueueChildren(u)
	}
	return t.applySyscallFixup()
}

func (t *translator) seed() {
	for _, h := range t.sub.Handles() {
		if p, ok := t.sub.Parent(h); ok && !p.Valid() {
			t.enqueue(h)
		}
	}
}

func (t *translator) enqueue(h provgraph.Handle) {
	if t.queued[h] {
		return
	}
	t.queued[h] = true
	t.queue = append(t.queue, h)
}

func (t *translator) dequeue() provgraph.Handle {
	h := t.queue[0]
	t.queue = t.queue[1:]
	return h
}

func (t *translator) enqueueChildren(u provgraph.Handle) {
	for _, c := range t.sub.Children(u) {
		t.enqueue(c)
	}
}

// examineVertex classifies and processes u per spec.md §4.6. A vertex
// already present in the translation table was handled eagerly by one of
// its placeholder ancestors (a suppressed or retained boundary child) and
// is skipped — this is what keeps a vertex that is simultaneously a
// register-boundary child and a memory-boundary candidate (the common
// case of a clc into a register that held a placeholder) from being
// classified twice.
func (t *translator) examineVertex(u provgraph.Handle) error {
	if _, done := t.translated[u]; done {
		return nil
	}
	if idx, ok := t.regIndex[u]; ok {
		return t.mergeInitialVertex(u, t.prevRegs.Regs[idx])
	}
	if t.res.InitialRegs.PCC.Valid() && u == t.res.InitialRegs.PCC {
		return t.mergeInitialVertex(u, t.prevRegs.PCC)
	}
	if addr, ok := t.memAddr[u]; ok {
		return t.mergeInitialMemVertex(u, addr)
	}
	t.mergeSubgraphVertex(u)
	return nil
}

// mergeInitialVertex is case 1's top-level dispatch: trace-beginning on
// the very first window, otherwise to-none or to-prev depending on
// whether the previous window actually resolved this slot.
func (t *translator) mergeInitialVertex(u, v provgraph.Handle) error {
	if t.d.stepIdx == 0 {
		return t.mergeTraceBeginning(u)
	}
	if !v.Valid() {
		return t.mergeInitialVertexToNone(u)
	}
	return t.mergeInitialVertexToPrev(u, v)
}

// mergeTraceBeginning coalesces all of u's ROOT children into one freshly
// rooted merged-graph vertex — the trace's very first observation of
// whatever capability lived in this slot before tracing began. Any
// non-ROOT children (a derivation performed directly against the
// placeholder, skipping an intermediate root) are left attached to u in
// the subgraph and picked up normally once u's translation is in place. A
// placeholder untouched for the entire first window (no children at all)
// simply resolves to nothing; only a non-ROOT child with no ROOT sibling
// to anchor it is an error, since that is a derivation performed from
// material whose origin this merge has no way to ever learn.
func (t *translator) mergeTraceBeginning(u provgraph.Handle) error {
	var rootChildren, nonRootChildren []provgraph.Handle
	for _, c := range t.sub.Children(u) {
		cd, ok := t.sub.Data(c)
		if !ok {
			continue
		}
		if cd.Origin == provgraph.Root {
			rootChildren = append(rootChildren, c)
		} else {
			nonRootChildren = append(nonRootChildren, c)
		}
	}
	if len(rootChildren) == 0 {
		if len(nonRootChildren) > 0 {
			return ErrTraceBeginningUnresolvable
		}
		// u was never touched this window: it resolves to nothing, same
		// as an unresolved to-none placeholder in a later window.
		return nil
	}
	sort.Slice(rootChildren, func(i, j int) bool { return rootChildren[i] < rootChildren[j] })

	base, _ := t.sub.Data(rootChildren[0])
	var events []provgraph.Event
	for _, c := range rootChildren {
		cd, _ := t.sub.Data(c)
		if !capCompatible(base.Cap, cd.Cap) {
			return ErrIncompatibleCapability
		}
		events = append(events, cd.Events...)
	}

	merged := t.d.graph.AddRoot(provgraph.VertexData{
		Cap: base.Cap, Origin: provgraph.Root, PCCreated: base.PCCreated, IsKernel: base.IsKernel, Events: events,
	})
	t.translated[u] = merged
	for _, c := range rootChildren {
		t.translated[c] = merged
		for _, w := range t.sub.Children(c) {
			_ = t.sub.Reparent(w, u)
		}
	}
	return nil
}

// mergeInitialVertexToNone handles a placeholder the previous window left
// unresolved: u must not have been dereferenced, and every child must be a
// ROOT (each becomes its own fresh root in the merged graph, independently
// — there is no known predecessor to coalesce them against). u itself
// gets no translation entry: its children's parent lookups will find
// nothing and fall back to rootless vertices, which is the correct
// reading of "this slot's history before this window is simply unknown".
func (t *translator) mergeInitialVertexToNone(u provgraph.Handle) error {
	ud, _ := t.sub.Data(u)
	if ud.DerefCount() > 0 {
		return ErrInitialVertexDereferenced
	}
	for _, c := range t.sub.Children(u) {
		cd, ok := t.sub.Data(c)
		if !ok || cd.Origin != provgraph.Root {
			return ErrInitialVertexNonRootChild
		}
	}
	return nil
}

// mergeInitialVertexToPrev handles a placeholder the previous window
// resolved to v: u's own event log (accumulated before anything this
// window touched the slot) is appended to v, and each ROOT child is
// either folded into v (if its capability agrees with v's — the common
// case, a register untouched in substance across the window boundary) or
// kept as a distinct, separately-tracked child of v (if it disagrees — the
// slot's content genuinely changed in a way this window's worker could
// not see coming from v alone).
func (t *translator) mergeInitialVertexToPrev(u, v provgraph.Handle) error {
	t.translated[u] = v
	vd, ok := t.d.graph.Data(v)
	if !ok {
		return ErrMergedVertexMissing
	}
	ud, _ := t.sub.Data(u)
	for _, ev := range ud.Events {
		if err := t.d.graph.AppendEvent(v, ev); err != nil {
			return err
		}
	}
	for _, c := range t.sub.Children(u) {
		cd, ok := t.sub.Data(c)
		if !ok || cd.Origin != provgraph.Root {
			continue
		}
		if capCompatible(vd.Cap, cd.Cap) {
			t.translated[c] = v
			for _, ev := range cd.Events {
				if err := t.d.graph.AppendEvent(v, ev); err != nil {
					return err
				}
			}
			for _, w := range t.sub.Children(c) {
				_ = t.sub.Reparent(w, u)
			}
			continue
		}
		t.mergeSubgraphVertex(c)
	}
	return nil
}

// mergeInitialMemVertex handles case 2: u is the vertex that resolved
// addr's first load-miss this window. If the previous window's final
// memory map had nothing at addr, this is the trace's first-ever
// observation of that address and u is merged as an ordinary vertex
// (with a warning, since silently treating an unseen address as "brand
// new" could also mean an earlier window's store was simply never
// reached by this address's reverse lookup). If present and compatible,
// u is suppressed in favour of the previous vertex; if incompatible, the
// merge fails outright — unlike the register case, there is no "keep both
// as distinct children" option, since a memory location has no notion of
// being two different capabilities at once.
func (t *translator) mergeInitialMemVertex(u provgraph.Handle, addr uint64) error {
	prev, ok := t.d.prevMem[addr]
	if !ok {
		t.d.Warnings = append(t.d.Warnings, fmt.Sprintf("merge: no previous resolution for address %#x, treating as new", addr))
		t.mergeSubgraphVertex(u)
		return nil
	}
	vd, ok := t.d.graph.Data(prev)
	if !ok {
		return ErrMergedVertexMissing
	}
	ud, _ := t.sub.Data(u)
	if !capCompatible(vd.Cap, ud.Cap) {
		return ErrIncompatibleMemory
	}
	t.translated[u] = prev
	for _, ev := range ud.Events {
		if err := t.d.graph.AppendEvent(prev, ev); err != nil {
			return err
		}
	}
	return nil
}

// mergeSubgraphVertex is case 3: copy u into the merged graph verbatim
// (origin and data preserved), and attach it under its parent's
// translation if one is already on record. A fresh AddRoot followed by an
// unconditional Reparent is used rather than AddDerived, deliberately
// skipping AddDerived's narrowing re-check: u's derivation already passed
// that check once, when the worker's own dispatcher built it, and a
// reconciliation pass re-homing it into shared vertex space has no
// business re-validating a capability arithmetic invariant that merge
// itself does not compute.
func (t *translator) mergeSubgraphVertex(u provgraph.Handle) provgraph.Handle {
	ud, _ := t.sub.Data(u)
	mh := t.d.graph.AddRoot(provgraph.VertexData{
		Cap:       ud.Cap,
		Origin:    ud.Origin,
		PCCreated: ud.PCCreated,
		IsKernel:  ud.IsKernel,
		Events:    append([]provgraph.Event(nil), ud.Events...),
	})
	if p, ok := t.sub.Parent(u); ok && p.Valid() {
		if mp, ok := t.translated[p]; ok {
			_ = t.d.graph.Reparent(mh, mp)
		}
	}
	t.translated[u] = mh
	return mh
}

// applyBranchFixup implements §4.6's branch boundary fix-up: if the
// previous window left an incomplete capability branch pending and this
// window's first badvaddr read matches it, the previous window's saved
// pcc is substituted in place of the ordinary prev_regset lookup for this
// window's pcc placeholder — the branch is now known to not have
// committed, so the pcc this window should resolve its initial placeholder
// against is the pre-branch value, not whatever prev_regset would
// otherwise say.
func (t *translator) applyBranchFixup() error {
	t.prevRegs = t.d.prevRegs
	prev := t.d.prevBranch
	cur := t.res.Branch
	if !prev.HaveSavedAddr || !cur.HaveInitialBadVAddr {
		return nil
	}
	if cur.InitialBadVAddr != prev.SavedAddr && cur.InitialBadVAddr != prev.SavedAddr+4 {
		return nil
	}
	pcc := t.res.InitialRegs.PCC
	pd, ok := t.sub.Data(pcc)
	if !ok || pd.Origin != provgraph.Partial {
		return ErrBranchFixupTarget
	}
	t.prevRegs.PCC = prev.SavedPCC
	return nil
}

// applySyscallFixup implements §4.6's syscall boundary fix-up: if the
// previous window left a return-carrying syscall pending and this
// window's eret matches the expected return address, a syscall_ret event
// is appended to the merged translation of this window's initial eret
// capability, using the previous window's syscall code. This must run
// after the walk, since the initial eret capability's merged translation
// is only known once the walk has visited it.
func (t *translator) applySyscallFixup() error {
	prev := t.d.prevSyscall
	cur := t.res.Syscall
	if !prev.InSyscall || !cur.HaveInitialEret || prev.PCEret != cur.InitialEretAddr {
		return nil
	}
	mh, ok := t.translated[cur.InitialEretCap]
	if !ok {
		return ErrSyscallFixupTarget
	}
	return t.d.graph.AppendEvent(mh, provgraph.Event{
		Cycle:       cur.InitialEretTime,
		Kind:        provgraph.EventSyscallRet,
		SyscallCode: int32(prev.Code),
	})
}

// translateHandle maps a subgraph handle into merged-graph space: NoHandle
// maps to NoHandle, a translated handle maps to its merged counterpart,
// and an untranslated handle (a to-none placeholder that resolved to
// nothing) maps to NoHandle as well.
func (t *translator) translateHandle(h provgraph.Handle) provgraph.Handle {
	if !h.Valid() {
		return provgraph.NoHandle
	}
	if mh, ok := t.translated[h]; ok {
		return mh
	}
	return provgraph.NoHandle
}

func (t *translator) translateRegSnapshot(rs RegSnapshot) RegSnapshot {
	var out RegSnapshot
	for i, h := range rs.Regs {
		out.Regs[i] = t.translateHandle(h)
	}
	out.PCC = t.translateHandle(rs.PCC)
	return out
}

func (t *translator) translateMem(m map[uint64]provgraph.Handle) map[uint64]provgraph.Handle {
	out := make(map[uint64]provgraph.Handle, len(m))
	for addr, h := range m {
		out[addr] = t.translateHandle(h)
	}
	return out
}

// translateBranch carries SavedPCC forward into merged-graph space.
// InitialBadVAddr/InitialEPCC are deliberately not carried forward: the
// branch fix-up only ever reads those fields off the CURRENT window's own
// result (applyBranchFixup above), never off a previous window's stored
// state, so there is nothing for a next step to consult them for.
func (t *translator) translateBranch(b branchstate.Boundary) branchstate.Boundary {
	return branchstate.Boundary{
		SavedAddr:     b.SavedAddr,
		HaveSavedAddr: b.HaveSavedAddr,
		SavedPCC:      t.translateHandle(b.SavedPCC),
		InitialEPCC:   provgraph.NoHandle,
	}
}

// translateSyscall carries InSyscall/PCEret/Code forward — the three
// fields the syscall fix-up reads off the previous window (applySyscallFixup
// above). InitialEretCap/Addr/Time describe the CURRENT window's own
// pending-at-start syscall and are consumed entirely within this step; a
// later step has no use for them, so they are not translated.
func (t *translator) translateSyscall(s syscallstate.Boundary) syscallstate.Boundary {
	return syscallstate.Boundary{
		InSyscall:      s.InSyscall,
		PCEret:         s.PCEret,
		Code:           s.Code,
		InitialEretCap: provgraph.NoHandle,
	}
}
