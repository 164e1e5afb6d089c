// Package branchstate implements the branch/exception sub-state (§4.4,
// C7): it recovers the pre-branch PCC when a capability branch that took
// an exception turns out not to have committed.
package branchstate

import (
	"fmt"

	"github.com/cheriprov/capgraph/builderr"
	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/regset"
)

// ErrPCCWithoutExec is returned when a pcc replacement would install a
// capability lacking EXEC permission (§4.4's required permission check).
// It wraps builderr.ErrUnexpected.
var ErrPCCWithoutExec = fmt.Errorf("branchstate: pcc replacement lacks EXEC permission: %w", builderr.ErrUnexpected)

// ErrBranchIntegrity is returned when the integrity check on a
// not-committed branch fails: something else appended an out-neighbour to
// the incorrectly-installed target between the branch and the badvaddr
// read, violating the assumption the heuristic depends on. It wraps
// builderr.ErrUnexpected.
var ErrBranchIntegrity = fmt.Errorf("branchstate: target out-degree changed before badvaddr read: %w", builderr.ErrUnexpected)

// State holds branch sub-state for one worker/window.
type State struct {
	savedPCC             provgraph.Handle
	savedAddr            uint64
	haveSavedAddr        bool
	savedTargetOutDegree int

	firstMFCSeen    bool
	initialEPCC     provgraph.Handle
	initialBadVAddr uint64
	haveInitialBV   bool
}

// New returns branch sub-state with nothing saved yet. The first-badvaddr
// capture starts armed, matching original_source's
// `self._save_first_mfc = True` default.
func New() *State {
	return &State{
		savedPCC:     provgraph.NoHandle,
		initialEPCC:  provgraph.NoHandle,
		firstMFCSeen: true,
	}
}

// checkExec validates that the vertex at h carries EXEC permission before
// it may become pcc. A PARTIAL placeholder carries no capability value to
// check and is accepted as-is; its identity is resolved at merge time.
func checkExec(g *provgraph.Graph, h provgraph.Handle) error {
	d, ok := g.Data(h)
	if !ok {
		return ErrPCCWithoutExec
	}
	if d.Origin == provgraph.Partial {
		return nil
	}
	if !d.Cap.Permissions.Has(capval.PermExec) {
		return ErrPCCWithoutExec
	}
	return nil
}

// saveBranchState snapshots the state needed to recover if a capability
// branch with an exception does not commit.
func (s *State) saveBranchState(g *provgraph.Graph, pc uint64, rs *regset.RegisterSet, target provgraph.Handle) {
	s.firstMFCSeen = false
	s.savedPCC = rs.PCC
	s.savedAddr = pc
	s.haveSavedAddr = true
	s.savedTargetOutDegree = len(g.Children(target))
}

// OnCJR handles a cjr instruction: replace pcc with the vertex held in
// targetReg, saving recovery state if the instruction took an exception.
func (s *State) OnCJR(g *provgraph.Graph, rs *regset.RegisterSet, pc uint64, targetReg int, tookException bool) error {
	target := rs.Get(targetReg)
	if err := checkExec(g, target); err != nil {
		return err
	}
	if tookException {
		s.saveBranchState(g, pc, rs, target)
	}
	rs.SetPCC(g, target)
	return nil
}

// OnCJALR handles a cjalr instruction: the old pcc is captured into the
// link register cd (synthesizing a ROOT if pcc itself was a placeholder),
// then pcc is replaced with the vertex held in targetReg.
//
// rootIfMissing is invoked to synthesize a ROOT vertex for the old pcc
// when pcc is empty or still a PARTIAL placeholder: the captured link
// register is worth anchoring to a concrete value immediately, the same
// way handleCpregGet anchors other special registers on first read (§4.4).
func (s *State) OnCJALR(g *provgraph.Graph, rs *regset.RegisterSet, pc uint64, cd, targetReg int, tookException bool, rootIfMissing func() provgraph.Handle) error {
	var oldPCC provgraph.Handle
	if rs.HasPCC(g, false) {
		oldPCC = rs.PCC
	} else {
		oldPCC = rootIfMissing()
	}
	rs.Set(g, cd, oldPCC)

	target := rs.Get(targetReg)
	if err := checkExec(g, target); err != nil {
		return err
	}
	if tookException {
		s.saveBranchState(g, pc, rs, target)
	}
	rs.SetPCC(g, target)
	return nil
}

// OnBadVAddr handles a dmfc0 instruction: cop0Reg is the coprocessor-0
// register number being read (badvaddr is number 8) and value is the GPR
// value moved out of it. A pending branch snapshot is always consumed (and
// the first-badvaddr capture disarmed) regardless of which cop0 register
// was read, matching original_source's scan_dmfc0 — only the badvaddr
// comparison itself is conditioned on cop0Reg == 8.
//
// On a match, register 31 (epcc) — not pcc itself — is restored to the
// pre-branch value: the preceding exception entry already copied pcc into
// register 31 (see syscallstate.State.OnException), so it is register 31
// that holds the incorrectly-installed target by the time badvaddr is read.
func (s *State) OnBadVAddr(g *provgraph.Graph, rs *regset.RegisterSet, cop0Reg int, value uint64) error {
	if s.haveSavedAddr {
		s.firstMFCSeen = false
		if cop0Reg == 8 {
			if value == s.savedAddr || value == s.savedAddr+4 {
				if len(g.Children(rs.Get(31))) != s.savedTargetOutDegree {
					return ErrBranchIntegrity
				}
				rs.Set(g, 31, s.savedPCC)
			}
		}
		s.haveSavedAddr = false
		return nil
	}
	if s.firstMFCSeen && cop0Reg == 8 {
		s.firstMFCSeen = false
		s.initialBadVAddr = value
		s.haveInitialBV = true
		s.initialEPCC = rs.Get(31)
	}
	return nil
}

// OnEret disarms the first-mfc capture, matching original_source's
// scan_eret (`self._save_first_mfc = False`).
func (s *State) OnEret() {
	s.firstMFCSeen = false
}

// Boundary is the serializable snapshot of branch sub-state emitted at a
// worker's window boundary, with vertex handles expressed as indices into
// that worker's subgraph (§4.6).
type Boundary struct {
	SavedAddr            uint64
	HaveSavedAddr        bool
	SavedPCC             provgraph.Handle
	SavedTargetOutDegree int
	InitialBadVAddr      uint64
	HaveInitialBadVAddr  bool
	InitialEPCC          provgraph.Handle
}

// Snapshot returns s's boundary artefact for emission from a worker.
func (s *State) Snapshot() Boundary {
	return Boundary{
		SavedAddr:            s.savedAddr,
		HaveSavedAddr:        s.haveSavedAddr,
		SavedPCC:             s.savedPCC,
		SavedTargetOutDegree: s.savedTargetOutDegree,
		InitialBadVAddr:      s.initialBadVAddr,
		HaveInitialBadVAddr:  s.haveInitialBV,
		InitialEPCC:          s.initialEPCC,
	}
}
