package provbuild

import (
	"github.com/cheriprov/capgraph/dispatcher"
	"github.com/cheriprov/capgraph/memvmap"
	"github.com/cheriprov/capgraph/merge"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/regset"
	"github.com/cheriprov/capgraph/trace"
)

// newWindowPlaceholders builds the 32+1 PARTIAL placeholders a window's
// worker starts from (§4.6's "initial_regset of 32+1 PARTIAL placeholder
// vertices created at window start"), wiring them into a fresh
// RegisterSet and returning the matching merge.RegSnapshot for the
// result's InitialRegs.
func newWindowPlaceholders(g *provgraph.Graph) (*regset.RegisterSet, merge.RegSnapshot) {
	rs := regset.New()
	var snap merge.RegSnapshot
	for i := range rs.Regs {
		h := g.AddRoot(provgraph.VertexData{Origin: provgraph.Partial})
		rs.Regs[i] = h
		snap.Regs[i] = h
	}
	pcc := g.AddRoot(provgraph.VertexData{Origin: provgraph.Partial})
	rs.PCC = pcc
	snap.PCC = pcc
	return rs, snap
}

// runWindow processes one window's records to completion against a fresh
// subgraph, dispatcher, register set, and memory map, and returns the
// worker result bundle the merge driver expects (§4.6, §5: "workers
// communicate results by value"). A dispatch error is wrapped in
// *BuildError carrying the cycle of the record that failed.
func runWindow(records []trace.InstructionRecord) (merge.WorkerResult, error) {
	g := provgraph.NewGraph()
	rs, initialRegs := newWindowPlaceholders(g)
	mem := memvmap.NewWorker()
	d := dispatcher.New(g, rs, mem)

	for _, rec := range records {
		if err := d.Step(rec); err != nil {
			return merge.WorkerResult{}, &BuildError{Cycle: rec.Cycle, Err: err}
		}
	}

	stackCap, stackOffset, haveStack := d.StackHint()
	return merge.WorkerResult{
		Subgraph:      g,
		InitialRegs:   initialRegs,
		FinalRegs:     merge.SnapshotRegs(rs),
		InitialMem:    mem.Initial(),
		FinalMem:      mem.Live(),
		Branch:        d.Branch.Snapshot(),
		Syscall:       d.Syscall.Snapshot(),
		HaveStackHint: haveStack,
		StackCap:      stackCap,
		StackOffset:   stackOffset,
	}, nil
}
