// Package dispatcher implements the central instruction state machine
// (§4.3, C6): per-opcode handlers that mutate the register model, the
// memory-vertex map, and the provenance graph.
package dispatcher

import (
	"fmt"

	"github.com/cheriprov/capgraph/branchstate"
	"github.com/cheriprov/capgraph/builderr"
	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/memvmap"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/regset"
	"github.com/cheriprov/capgraph/syscallstate"
	"github.com/cheriprov/capgraph/trace"
)

// errUnsupportedOpcode is returned for cclearregs/ccall/creturn, which are
// declared unsupported. It wraps builderr.ErrUnexpected.
var errUnsupportedOpcode = fmt.Errorf("dispatcher: unsupported opcode: %w", builderr.ErrUnexpected)

// Dispatcher owns one window's worth of builder state: the graph it is
// populating, the register and memory models, and the branch/syscall
// sub-states. A Dispatcher is used by exactly one worker/goroutine.
type Dispatcher struct {
	Graph   *provgraph.Graph
	Regs    *regset.RegisterSet
	Mem     *memvmap.WorkerMemMap
	Branch  *branchstate.State
	Syscall *syscallstate.State

	stackCaptured bool
	stackCap      provgraph.Handle
	stackOffset   uint64
}

// New returns a Dispatcher wired over an already-initialized register set
// and memory map (the caller — provbuild — decides whether those start
// from PARTIAL placeholders or from a real architectural snapshot).
func New(g *provgraph.Graph, rs *regset.RegisterSet, mem *memvmap.WorkerMemMap) *Dispatcher {
	return &Dispatcher{
		Graph:   g,
		Regs:    rs,
		Mem:     mem,
		Branch:  branchstate.New(),
		Syscall: syscallstate.New(),
	}
}

// rootFrom creates a ROOT vertex from cap, mirroring original_source's
// make_root_node.
func (d *Dispatcher) rootFrom(cap capval.Capability, pc uint64, isKernel bool) provgraph.Handle {
	return d.Graph.AddRoot(provgraph.VertexData{
		Cap:       cap,
		Origin:    provgraph.Root,
		PCCreated: pc,
		IsKernel:  isKernel,
	})
}

// derive creates a vertex of the given origin from parent, installing it
// nowhere; callers install the result in the register/memory model.
// Mirrors original_source's make_node.
func (d *Dispatcher) derive(parent provgraph.Handle, cap capval.Capability, origin provgraph.Origin, pc uint64, isKernel bool) (provgraph.Handle, error) {
	h, err := d.Graph.AddDerived(parent, provgraph.VertexData{
		Cap:       cap,
		Origin:    origin,
		PCCreated: pc,
		IsKernel:  isKernel,
	})
	if err != nil {
		return provgraph.NoHandle, err
	}
	return h, nil
}

// Step dispatches one instruction record, mutating d's state and the
// underlying graph. A non-nil error is always fatal (§7); the caller must
// abort the whole build.
//
// Exception entry is handled after the opcode-specific effect, not before:
// a capability branch that takes an exception first replaces pcc with its
// target (handleCJR/handleCJALR), and only then does exception entry save
// that new pcc into register 31 and switch pcc to kcc — mirroring
// original_source, where the branch subparser's scan_cjr/scan_cjalr and
// the syscall subparser's generic scan_exception both observe the same
// trace entry in that order.
func (d *Dispatcher) Step(rec trace.InstructionRecord) error {
	if err := d.dispatch(rec); err != nil {
		return err
	}
	if rec.HasException(nil) && rec.Opcode != trace.OpEret {
		d.Syscall.OnException(d.Graph, d.Regs)
	}
	return nil
}

func (d *Dispatcher) dispatch(rec trace.InstructionRecord) error {
	switch {
	case rec.Opcode == trace.OpCJR:
		return d.handleCJR(rec)
	case rec.Opcode == trace.OpCJALR:
		return d.handleCJALR(rec)
	case rec.Opcode == trace.OpCCall, rec.Opcode == trace.OpCReturn, rec.Opcode == trace.OpCClearRegs:
		return errUnsupportedOpcode
	case rec.Opcode == trace.OpCSetBounds, rec.Opcode == trace.OpCSetBoundsExact:
		return d.handleDerive(rec, provgraph.SetBounds)
	case rec.Opcode == trace.OpCFromPtr:
		return d.handleDerive(rec, provgraph.FromPtr)
	case rec.Opcode == trace.OpCAndPerm:
		return d.handleDerive(rec, provgraph.AndPerm)
	case rec.Opcode == trace.OpCGetPCC, rec.Opcode == trace.OpCGetPCCSetOffset:
		return d.handleCGetPCC(rec)
	case rec.Opcode == trace.OpSyscall:
		return d.handleSyscall(rec)
	case rec.Opcode == trace.OpEret:
		return d.handleEret(rec)
	case rec.Opcode == trace.OpDMFC0:
		return d.handleDMFC0(rec)
	}

	if n, ok := rec.Opcode.SpecialRegisterGet(); ok {
		return d.handleSpecialGet(rec, n)
	}
	if n, ok := rec.Opcode.SpecialRegisterSet(); ok {
		return d.handleSpecialSet(rec, n)
	}
	if rec.Opcode.IsCapLoad() {
		return d.handleCLC(rec)
	}
	if rec.Opcode.IsCapStore() {
		return d.handleCSC(rec)
	}
	if rec.Opcode.IsBoundsPreservingMove() {
		return d.handleMove(rec)
	}
	if rec.Opcode.IsDataCapLoad() {
		return d.handleDeref(rec, rec.Opcode.DataLoadPtrOperandIndex())
	}
	if rec.Opcode.IsDataCapStore() {
		return d.handleDeref(rec, rec.Opcode.DataStorePtrOperandIndex())
	}
	if rec.Opcode.IsCapabilityInstruction() {
		return d.updateRegs(rec)
	}
	return nil
}

// operandCapIndex returns the capability-register index carried by
// rec.Operands[i], or -1 if rec does not have that many operands or the
// operand is not a capability register reference.
func operandCapIndex(rec trace.InstructionRecord, i int) int {
	if i < 0 || i >= len(rec.Operands) {
		return -1
	}
	op := rec.Operands[i]
	if !op.IsCapability {
		return -1
	}
	return op.CapIndex
}

// handleDerive implements csetbounds/csetboundsexact/cfromptr/candperm:
// operand 0 is the new node's destination, operand 1 is the parent. A
// PARTIAL parent is a perfectly usable local parent (its true identity is
// resolved at merge time, §4.6); only a genuinely empty slot is fatal.
func (d *Dispatcher) handleDerive(rec trace.InstructionRecord, origin provgraph.Origin) error {
	dst := operandCapIndex(rec, 0)
	src := operandCapIndex(rec, 1)
	if src < 0 || !d.Regs.Has(d.Graph, src, true) {
		return builderr.ErrMissingParent
	}
	parent := d.Regs.Get(src)
	cap := rec.Operands[0].Value
	h, err := d.derive(parent, cap, origin, rec.PC, rec.IsKernel)
	if err != nil {
		return err
	}
	d.Regs.Set(d.Graph, dst, h)
	return nil
}

// handleMove implements bounds-preserving capability moves/arithmetic:
// operand 0 is the destination, operand 1 is the source. The move is
// unconditional — no has-check guards it, mirroring the unconditional
// register propagation these instructions perform architecturally.
func (d *Dispatcher) handleMove(rec trace.InstructionRecord) error {
	dst := operandCapIndex(rec, 0)
	src := operandCapIndex(rec, 1)
	if dst < 0 || src < 0 {
		return nil
	}
	d.Regs.Move(src, dst)
	return nil
}

// updateRegs is the fallback path for capability instructions with no
// dedicated handler: propagate the source register's vertex to the
// destination if it is already a known, resolved vertex, otherwise
// synthesize a ROOT for a freshly-valid destination register — a PARTIAL
// source is treated the same as an empty one here, since the point of this
// catch-all is to anchor an otherwise-untracked capability instruction to
// a concrete value rather than to defer it to merge. Mirrors
// original_source's update_regs.
func (d *Dispatcher) updateRegs(rec trace.InstructionRecord) error {
	dst := operandCapIndex(rec, 0)
	src := operandCapIndex(rec, 1)
	if dst < 0 {
		return nil
	}
	if src >= 0 && d.Regs.Has(d.Graph, src, false) {
		d.Regs.Set(d.Graph, dst, d.Regs.Get(src))
		return nil
	}
	// Only a fresh invalid->valid transition on the destination warrants a
	// new root; a register that was already valid simply has no tracked
	// source here and is left alone.
	if rec.PreRegs.ValidCaps[dst] || !rec.PostRegs.ValidCaps[dst] {
		return nil
	}
	h := d.rootFrom(rec.PostRegs.Cap[dst], rec.PC, rec.IsKernel)
	if src >= 0 {
		d.Regs.Set(d.Graph, src, h)
	}
	d.Regs.Set(d.Graph, dst, h)
	return nil
}

// handleCpregGet implements cget<special>: propagate the special
// register's vertex to the destination, synthesizing a fresh ROOT — from
// the instruction's own register snapshot — if the special slot has never
// held a known, resolved vertex. A PARTIAL counts as not-yet-known here:
// special registers (kcc/kdc/epcc/default) are worth anchoring to a
// concrete value the first time they are read rather than deferring to
// merge, since the generic per-window placeholder they might otherwise
// carry is not guaranteed to resolve as cleanly as an ordinary register.
func (d *Dispatcher) handleCpregGet(rec trace.InstructionRecord, regnum int) error {
	dst := operandCapIndex(rec, 0)
	if !d.Regs.Has(d.Graph, regnum, false) {
		h := d.rootFrom(rec.Operands[0].Value, rec.PC, rec.IsKernel)
		d.Regs.Set(d.Graph, regnum, h)
	}
	d.Regs.Set(d.Graph, dst, d.Regs.Get(regnum))
	return nil
}

// handleCpregSet implements cset<special>: propagate the source
// register's vertex into the special slot, synthesizing a ROOT if the
// source has never held a known, resolved vertex (see handleCpregGet).
func (d *Dispatcher) handleCpregSet(rec trace.InstructionRecord, regnum int) error {
	src := operandCapIndex(rec, 1)
	if src < 0 || !d.Regs.Has(d.Graph, src, false) {
		h := d.rootFrom(rec.Operands[0].Value, rec.PC, rec.IsKernel)
		d.Regs.Set(d.Graph, src, h)
	}
	d.Regs.Set(d.Graph, regnum, d.Regs.Get(src))
	return nil
}

func (d *Dispatcher) handleSpecialGet(rec trace.InstructionRecord, regnum int) error {
	return d.handleCpregGet(rec, regnum)
}

func (d *Dispatcher) handleSpecialSet(rec trace.InstructionRecord, regnum int) error {
	return d.handleCpregSet(rec, regnum)
}

// handleCGetPCC implements cgetpcc/cgetpccsetoffset: a PARTIAL pcc is
// replaced with a fresh ROOT the first time it is read, for the same
// reason as handleCpregGet's special registers.
func (d *Dispatcher) handleCGetPCC(rec trace.InstructionRecord) error {
	dst := operandCapIndex(rec, 0)
	if !d.Regs.HasPCC(d.Graph, false) {
		h := d.rootFrom(rec.Operands[0].Value, rec.PC, rec.IsKernel)
		d.Regs.SetPCC(d.Graph, h)
	}
	d.Regs.Set(d.Graph, dst, d.Regs.PCC)
	return nil
}

// loadMemVertex peeks the live memory-vertex map at addr. A miss leaves no
// trace: the first-observation record (consulted by merge, §4.6 case 2)
// is only established once handleCLC resolves the miss to a concrete
// vertex, via ResolveLoad — there is no standalone placeholder vertex for
// an address never seen live this window.
func (d *Dispatcher) loadMemVertex(addr uint64) (provgraph.Handle, bool) {
	return d.Mem.Load(addr)
}

// handleCLC implements clc/clcr/clci.
func (d *Dispatcher) handleCLC(rec trace.InstructionRecord) error {
	dst := operandCapIndex(rec, 0)
	node, found := d.loadMemVertex(rec.MemoryAddress)

	if !rec.PostRegs.ValidCaps[dst] {
		d.Regs.Set(d.Graph, dst, provgraph.NoHandle)
		d.Mem.Clear(rec.MemoryAddress)
		return nil
	}

	if !found {
		node = d.rootFrom(rec.PostRegs.Cap[dst], rec.PC, rec.IsKernel)
		d.Mem.ResolveLoad(rec.MemoryAddress, node)
	}
	if err := d.Graph.AppendEvent(node, provgraph.Event{Cycle: rec.Cycle, Kind: provgraph.EventMemLoad, Address: rec.MemoryAddress}); err != nil {
		return err
	}
	d.Regs.Set(d.Graph, dst, node)
	return nil
}

// handleCSC implements csc/cscr/csci: a PARTIAL source register is
// replaced with a fresh ROOT before the value is stored, so the memory
// location gets a concrete vertex rather than a not-yet-resolved one. An
// invalid stored value clears the memory-vertex map entry.
func (d *Dispatcher) handleCSC(rec trace.InstructionRecord) error {
	src := operandCapIndex(rec, 0)
	if !rec.Operands[0].Value.Valid {
		d.Mem.Clear(rec.MemoryAddress)
		return nil
	}

	var node provgraph.Handle
	if d.Regs.Has(d.Graph, src, false) {
		node = d.Regs.Get(src)
	} else {
		node = d.rootFrom(rec.Operands[0].Value, rec.PC, rec.IsKernel)
		d.Regs.Set(d.Graph, src, node)
	}
	d.Mem.Store(rec.MemoryAddress, node)
	return d.Graph.AppendEvent(node, provgraph.Event{Cycle: rec.Cycle, Kind: provgraph.EventMemStore, Address: rec.MemoryAddress})
}

// handleDeref implements data loads/stores through a capability: ptrOpIdx
// is the operand index carrying the pointer capability.
func (d *Dispatcher) handleDeref(rec trace.InstructionRecord, ptrOpIdx int) error {
	ptrReg := operandCapIndex(rec, ptrOpIdx)
	if ptrReg < 0 || !d.Regs.Has(d.Graph, ptrReg, true) {
		return builderr.ErrDereferenceUnknown
	}
	node := d.Regs.Get(ptrReg)
	isCap := rec.Opcode.IsCapLoad() || rec.Opcode.IsCapStore()
	kind := provgraph.EventDerefLoad
	if rec.IsStore {
		kind = provgraph.EventDerefStore
	}
	return d.Graph.AppendEvent(node, provgraph.Event{
		Cycle:       rec.Cycle,
		Kind:        kind,
		Address:     rec.MemoryAddress,
		IsCapValued: isCap,
	})
}

// handleCJR implements cjr: the branch target register is allowed to hold
// a PARTIAL (it becomes pcc as-is; its identity resolves at merge time) —
// only a genuinely empty target slot is an error, and it is an
// unexpected-operation error (an unknown branch target), not a missing
// parent.
func (d *Dispatcher) handleCJR(rec trace.InstructionRecord) error {
	targetReg := operandCapIndex(rec, 0)
	if targetReg < 0 || !d.Regs.Has(d.Graph, targetReg, true) {
		return builderr.ErrUnexpected
	}
	return d.Branch.OnCJR(d.Graph, d.Regs, rec.PC, targetReg, rec.HasException(nil))
}

// handleCJALR implements cjalr (see handleCJR for the target-register
// contract).
func (d *Dispatcher) handleCJALR(rec trace.InstructionRecord) error {
	cd := operandCapIndex(rec, 0)
	targetReg := operandCapIndex(rec, 1)
	if targetReg < 0 || !d.Regs.Has(d.Graph, targetReg, true) {
		return builderr.ErrUnexpected
	}
	rootIfMissing := func() provgraph.Handle {
		return d.rootFrom(rec.PreRegs.Cap[31], rec.PC, rec.IsKernel)
	}
	return d.Branch.OnCJALR(d.Graph, d.Regs, rec.PC, cd, targetReg, rec.HasException(nil), rootIfMissing)
}

// handleDMFC0 implements a dmfc0 (move from coprocessor-0 register)
// instruction: operand 0 carries the moved GPR value, operand 1's
// GPRIndex carries the cop0 source register number (8 = badvaddr).
func (d *Dispatcher) handleDMFC0(rec trace.InstructionRecord) error {
	if len(rec.Operands) < 2 {
		return nil
	}
	cop0Reg := rec.Operands[1].GPRIndex
	value := rec.Operands[0].Value.Base
	return d.Branch.OnBadVAddr(d.Graph, d.Regs, cop0Reg, value)
}

// handleSyscall implements the syscall instruction.
func (d *Dispatcher) handleSyscall(rec trace.InstructionRecord) error {
	v0 := int64(rec.PreRegs.GPR[1])
	a0 := int64(rec.PreRegs.GPR[3])
	return d.Syscall.OnSyscall(d.Graph, d.Regs, rec.Cycle, rec.PC, v0, a0)
}

// handleEret implements eret: both the syscall sub-state (pcc/epcc
// restore, syscall-return detection) and the branch sub-state (disarming
// the first-badvaddr capture) observe it, mirroring original_source's two
// independent scan_eret subparsers.
func (d *Dispatcher) handleEret(rec trace.InstructionRecord) error {
	epcc := rec.PostRegs.Cap[31]
	epccValid := rec.PostRegs.ValidCaps[31]
	if err := d.Syscall.OnEret(d.Graph, d.Regs, rec.Cycle, epcc, epccValid); err != nil {
		return err
	}
	d.Branch.OnEret()
	d.captureStackHint(rec)
	return nil
}

// captureStackHint records the user stack capability ($c11) and stack
// pointer ($gpr[29]) the first time this window observes an eret landing
// in userspace, mirroring original_source's InitialStackAccessSubparser.
// Best effort and set at most once per window: a $c11 that is still empty
// or PARTIAL at this point yields nothing rather than a fresh root, since
// anchoring a root here for metadata purposes would misrepresent it as an
// observed derivation.
func (d *Dispatcher) captureStackHint(rec trace.InstructionRecord) {
	if d.stackCaptured || rec.IsKernel {
		return
	}
	if !d.Regs.Has(d.Graph, 11, false) {
		return
	}
	d.stackCaptured = true
	d.stackCap = d.Regs.Get(11)
	d.stackOffset = rec.PostRegs.GPR[29]
}

// StackHint returns the subgraph-space stack capability handle and stack
// pointer captured by captureStackHint, and whether anything was
// captured this window.
func (d *Dispatcher) StackHint() (provgraph.Handle, uint64, bool) {
	return d.stackCap, d.stackOffset, d.stackCaptured
}
