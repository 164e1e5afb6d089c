package merge_test

import (
	"testing"

	"github.com/cheriprov/capgraph/branchstate"
	"github.com/cheriprov/capgraph/builderr"
	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/merge"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/syscallstate"
	"github.com/stretchr/testify/require"
)

func noSyscall() syscallstate.Boundary {
	return syscallstate.Boundary{InitialEretCap: provgraph.NoHandle}
}

func noBranch() branchstate.Boundary {
	return branchstate.Boundary{SavedPCC: provgraph.NoHandle, InitialEPCC: provgraph.NoHandle}
}

func cap(base, length uint64, perm capval.Permissions) capval.Capability {
	return capval.Capability{Base: base, Length: length, Permissions: perm, Valid: true}
}

// newInitialRegs builds a fresh subgraph with 32+1 PARTIAL placeholders,
// mirroring what provbuild installs at a worker's window start.
func newInitialRegs(g *provgraph.Graph) merge.RegSnapshot {
	var rs merge.RegSnapshot
	for i := range rs.Regs {
		rs.Regs[i] = g.AddRoot(provgraph.VertexData{Origin: provgraph.Partial})
	}
	rs.PCC = g.AddRoot(provgraph.VertexData{Origin: provgraph.Partial})
	return rs
}

func TestTraceBeginningCoalescesSingleRootChild(t *testing.T) {
	sub := provgraph.NewGraph()
	initial := newInitialRegs(sub)
	root, err := sub.AddDerived(initial.Regs[5], provgraph.VertexData{Cap: cap(0x1000, 0x100, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)

	final := initial
	final.Regs[5] = root

	d := merge.NewDriver()
	res := merge.WorkerResult{
		Subgraph: sub, InitialRegs: initial, FinalRegs: final,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}
	require.NoError(t, d.Step(res))
	require.Equal(t, 1, d.Graph().Len())
}

func TestTraceBeginningFailsWithNoRootChild(t *testing.T) {
	sub := provgraph.NewGraph()
	initial := newInitialRegs(sub)
	// No children attached to any placeholder at all.

	d := merge.NewDriver()
	res := merge.WorkerResult{
		Subgraph: sub, InitialRegs: initial, FinalRegs: initial,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}
	// Force examination of slot 0 by giving it a non-root child directly.
	nonRoot, err := sub.AddDerived(initial.Regs[0], provgraph.VertexData{Cap: cap(0x2000, 0x10, capval.PermLoad), Origin: provgraph.FromPtr})
	require.NoError(t, err)
	res.FinalRegs.Regs[0] = nonRoot

	err = d.Step(res)
	require.ErrorIs(t, err, merge.ErrTraceBeginningUnresolvable)
	require.ErrorIs(t, err, builderr.ErrMissingParent)
}

func TestTraceBeginningFailsOnIncompatibleRootChildren(t *testing.T) {
	sub := provgraph.NewGraph()
	initial := newInitialRegs(sub)
	a, err := sub.AddDerived(initial.Regs[5], provgraph.VertexData{Cap: cap(0x1000, 0x100, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)
	b, err := sub.AddDerived(initial.Regs[5], provgraph.VertexData{Cap: cap(0x2000, 0x100, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)
	_ = a
	final := initial
	final.Regs[5] = b

	d := merge.NewDriver()
	res := merge.WorkerResult{
		Subgraph: sub, InitialRegs: initial, FinalRegs: final,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}
	err = d.Step(res)
	require.ErrorIs(t, err, merge.ErrIncompatibleCapability)
}

// twoWindowSetup returns a driver after a first window has resolved
// register 5 to a single root, ready for a second window's placeholder at
// the same slot to be classified to-none or to-prev.
func twoWindowSetup(t *testing.T) (*merge.Driver, capval.Capability) {
	t.Helper()
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	c := cap(0x3000, 0x200, capval.PermLoad|capval.PermStore)
	root, err := sub1.AddDerived(initial1.Regs[5], provgraph.VertexData{Cap: c, Origin: provgraph.Root})
	require.NoError(t, err)
	final1 := initial1
	final1.Regs[5] = root

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: final1,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}))
	return d, c
}

func TestToPrevSuppressesCompatibleRootChild(t *testing.T) {
	d, c := twoWindowSetup(t)
	require.Equal(t, 1, d.Graph().Len())

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	child, err := sub2.AddDerived(initial2.Regs[5], provgraph.VertexData{Cap: c, Origin: provgraph.Root})
	require.NoError(t, err)
	grandchild, err := sub2.AddDerived(child, provgraph.VertexData{
		Cap: capval.Capability{Base: c.Base, Length: 0x10, Permissions: capval.PermLoad, Valid: true}, Origin: provgraph.SetBounds,
	})
	require.NoError(t, err)
	final2 := initial2
	final2.Regs[5] = grandchild

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}))
	// The compatible root was suppressed; only the grandchild (now a
	// child of the original merged root) was added.
	require.Equal(t, 2, d.Graph().Len())
}

func TestToPrevRetainsIncompatibleRootChild(t *testing.T) {
	d, _ := twoWindowSetup(t)

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	other := cap(0x9000, 0x40, capval.PermLoad)
	child, err := sub2.AddDerived(initial2.Regs[5], provgraph.VertexData{Cap: other, Origin: provgraph.Root})
	require.NoError(t, err)
	final2 := initial2
	final2.Regs[5] = child

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}))
	// First window's root (1) plus the retained, incompatible child (1).
	require.Equal(t, 2, d.Graph().Len())
}

func TestToNoneRequiresAllRootChildren(t *testing.T) {
	d, _ := twoWindowSetup(t)

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	// Register 7 was never touched in window one, so it resolves to none.
	nonRoot, err := sub2.AddDerived(initial2.Regs[7], provgraph.VertexData{Cap: cap(0x4000, 0x10, capval.PermLoad), Origin: provgraph.AndPerm})
	require.NoError(t, err)
	final2 := initial2
	final2.Regs[7] = nonRoot

	err = d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	})
	require.ErrorIs(t, err, merge.ErrInitialVertexNonRootChild)
}

func TestToNoneAcceptsIndependentRootChildren(t *testing.T) {
	d, _ := twoWindowSetup(t)

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	root, err := sub2.AddDerived(initial2.Regs[7], provgraph.VertexData{Cap: cap(0x4000, 0x10, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)
	final2 := initial2
	final2.Regs[7] = root

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
	}))
	// Window one's root, plus the fresh independent root for register 7.
	require.Equal(t, 2, d.Graph().Len())
}

func TestMemoryPlaceholderAbsentWarnsAndTreatsAsNew(t *testing.T) {
	sub := provgraph.NewGraph()
	initial := newInitialRegs(sub)
	loaded := sub.AddRoot(provgraph.VertexData{Cap: cap(0x5000, 0x10, capval.PermLoad), Origin: provgraph.Root})

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub, InitialRegs: initial, FinalRegs: initial,
		InitialMem: map[uint64]provgraph.Handle{0x5000: loaded},
		FinalMem:   map[uint64]provgraph.Handle{0x5000: loaded},
		Branch:     noBranch(), Syscall: noSyscall(),
	}))
	require.Len(t, d.Warnings, 1)
	require.Equal(t, 1, d.Graph().Len())
}

func TestMemoryPlaceholderCompatibleSuppressesAndShares(t *testing.T) {
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	c := cap(0x6000, 0x20, capval.PermLoad)
	loaded1 := sub1.AddRoot(provgraph.VertexData{Cap: c, Origin: provgraph.Root})

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: initial1,
		InitialMem: map[uint64]provgraph.Handle{0x6000: loaded1},
		FinalMem:   map[uint64]provgraph.Handle{0x6000: loaded1},
		Branch:     noBranch(), Syscall: noSyscall(),
	}))
	require.Equal(t, 1, d.Graph().Len())

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	loaded2 := sub2.AddRoot(provgraph.VertexData{Cap: c, Origin: provgraph.Root})

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: initial2,
		InitialMem: map[uint64]provgraph.Handle{0x6000: loaded2},
		FinalMem:   map[uint64]provgraph.Handle{0x6000: loaded2},
		Branch:     noBranch(), Syscall: noSyscall(),
	}))
	// The first window's load had nothing to reconcile against (one
	// warning); the second window's load shares that vertex and adds no
	// further warning.
	require.Len(t, d.Warnings, 1)
	require.Equal(t, 1, d.Graph().Len())
}

func TestMemoryPlaceholderIncompatibleFails(t *testing.T) {
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	loaded1 := sub1.AddRoot(provgraph.VertexData{Cap: cap(0x7000, 0x20, capval.PermLoad), Origin: provgraph.Root})

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: initial1,
		InitialMem: map[uint64]provgraph.Handle{0x7000: loaded1},
		FinalMem:   map[uint64]provgraph.Handle{0x7000: loaded1},
		Branch:     noBranch(), Syscall: noSyscall(),
	}))

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	loaded2 := sub2.AddRoot(provgraph.VertexData{Cap: cap(0x7000, 0x40, capval.PermLoad), Origin: provgraph.Root})

	err := d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: initial2,
		InitialMem: map[uint64]provgraph.Handle{0x7000: loaded2},
		FinalMem:   map[uint64]provgraph.Handle{0x7000: loaded2},
		Branch:     noBranch(), Syscall: noSyscall(),
	})
	require.ErrorIs(t, err, merge.ErrIncompatibleMemory)
}

func TestSyscallFixupAppendsReturnAcrossBoundary(t *testing.T) {
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	retVertex, err := sub1.AddDerived(initial1.Regs[3], provgraph.VertexData{Cap: cap(0x8000, 0x10, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)
	final1 := initial1
	final1.Regs[3] = retVertex

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: final1,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(),
		Syscall: syscallstate.Boundary{
			InSyscall: true, PCEret: 0x4004, Code: 447, InitialEretCap: provgraph.NoHandle,
		},
	}))

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	final2 := initial2

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(),
		Syscall: syscallstate.Boundary{
			HaveInitialEret: true, InitialEretCap: initial2.Regs[3], InitialEretAddr: 0x4004, InitialEretTime: 99,
		},
	}))

	// retVertex is a handle into sub1, not d.Graph() — the merge driver
	// assigns the coalesced vertex its own handle in the merged graph, so
	// find it there by the capability it was constructed with.
	var merged provgraph.Handle
	var found bool
	for _, h := range d.Graph().Handles() {
		data, _ := d.Graph().Data(h)
		if data.Cap.Base == 0x8000 {
			merged, found = h, true
			break
		}
	}
	require.True(t, found)

	data, ok := d.Graph().Data(merged)
	require.True(t, ok)
	require.Len(t, data.Events, 1)
	require.Equal(t, provgraph.EventSyscallRet, data.Events[0].Kind)
}

func TestStackHintRecordsFirstObservationOnly(t *testing.T) {
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	stackCap, err := sub1.AddDerived(initial1.Regs[11], provgraph.VertexData{Cap: cap(0xb000, 0x2000, capval.PermLoad|capval.PermStore), Origin: provgraph.Root})
	require.NoError(t, err)
	final1 := initial1
	final1.Regs[11] = stackCap

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: final1,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
		HaveStackHint: true, StackCap: stackCap, StackOffset: 0x7fff0000,
	}))

	require.True(t, d.Graph().StackHint.Set)
	require.Equal(t, uint64(0x7fff0000), d.Graph().StackHint.Offset)
	data, ok := d.Graph().Data(d.Graph().StackHint.Cap)
	require.True(t, ok)
	require.Equal(t, uint64(0xb000), data.Cap.Base)

	// A second window's stack observation must not overwrite the first.
	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	otherStack, err := sub2.AddDerived(initial2.Regs[11], provgraph.VertexData{Cap: cap(0xc000, 0x2000, capval.PermLoad), Origin: provgraph.Root})
	require.NoError(t, err)
	final2 := initial2
	final2.Regs[11] = otherStack

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: noBranch(), Syscall: noSyscall(),
		HaveStackHint: true, StackCap: otherStack, StackOffset: 0x7ffe0000,
	}))
	require.Equal(t, uint64(0x7fff0000), d.Graph().StackHint.Offset)
}

func TestBranchFixupSubstitutesSavedPCC(t *testing.T) {
	sub1 := provgraph.NewGraph()
	initial1 := newInitialRegs(sub1)
	savedPCC, err := sub1.AddDerived(initial1.PCC, provgraph.VertexData{Cap: cap(0x1000, 0x100, capval.PermExec), Origin: provgraph.Root})
	require.NoError(t, err)
	final1 := initial1
	final1.PCC = savedPCC

	d := merge.NewDriver()
	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub1, InitialRegs: initial1, FinalRegs: final1,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: branchstate.Boundary{
			HaveSavedAddr: true, SavedAddr: 0x2000, SavedPCC: savedPCC, InitialEPCC: provgraph.NoHandle,
		},
		Syscall: noSyscall(),
	}))

	sub2 := provgraph.NewGraph()
	initial2 := newInitialRegs(sub2)
	final2 := initial2

	require.NoError(t, d.Step(merge.WorkerResult{
		Subgraph: sub2, InitialRegs: initial2, FinalRegs: final2,
		InitialMem: map[uint64]provgraph.Handle{}, FinalMem: map[uint64]provgraph.Handle{},
		Branch: branchstate.Boundary{
			InitialBadVAddr: 0x2000, HaveInitialBadVAddr: true, SavedPCC: provgraph.NoHandle, InitialEPCC: provgraph.NoHandle,
		},
		Syscall: noSyscall(),
	}))
	require.Equal(t, 1, d.Graph().Len())
}
