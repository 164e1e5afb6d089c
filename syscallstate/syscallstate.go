// Package syscallstate implements the syscall sub-state (§4.5, C8): it
// tracks exception nesting depth across syscall entry/return and records
// capability syscall-argument and syscall-return events for the fixed set
// of syscalls the builder cares about.
package syscallstate

import (
	"fmt"

	"github.com/cheriprov/capgraph/builderr"
	"github.com/cheriprov/capgraph/capval"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/regset"
)

// ErrInvalidEPCC is returned when an eret is scanned without a valid epcc
// register, mirroring original_source's scan_eret UnexpectedOperationError.
// It wraps builderr.ErrUnexpected.
var ErrInvalidEPCC = fmt.Errorf("syscallstate: eret without valid epcc register: %w", builderr.ErrUnexpected)

// sysRet marks a syscall_codes entry whose vertex of interest is the
// return value rather than a numbered argument register.
const sysRet = -1

type syscallRecord struct {
	name   string
	argReg int
}

// syscallCodes is the fixed table of syscalls the builder records
// capability arguments/returns for, per original_source's
// SyscallSubparser.syscall_codes.
var syscallCodes = map[int64]syscallRecord{
	447: {"mmap", sysRet},  // return value is the vertex of interest
	228: {"shmat", sysRet}, // return value is the vertex of interest
	73:  {"munmap", 3},     // argument in c3
	230: {"shmdt", 3},      // argument in c3
}

// State holds syscall sub-state for one worker/window.
type State struct {
	exceptionDepth int
	inSyscall      bool
	pcEret         uint64
	code           int64

	haveInitialEret bool
	initialEretCap  provgraph.Handle
	initialEretAddr uint64
	initialEretTime uint64
}

// New returns syscall sub-state with nothing pending.
func New() *State {
	return &State{initialEretCap: provgraph.NoHandle}
}

// getSyscallCode resolves the direct or indirect syscall code: v0==0 or
// v0==198 means the real code is in a0 (an "indirect" syscall); otherwise
// v0 is the code itself.
func getSyscallCode(v0, a0 int64) int64 {
	if v0 == 0 || v0 == 198 {
		return a0
	}
	return v0
}

// OnException handles an exception entry: pcc is saved into register 31
// (epcc) and replaced with the kernel code capability held in register 29
// (kcc).
func (s *State) OnException(g *provgraph.Graph, rs *regset.RegisterSet) {
	s.exceptionDepth++
	rs.Set(g, 31, rs.PCC)
	rs.SetPCC(g, rs.Get(29))
}

// OnSyscall scans a syscall instruction: v0 and a0 are the raw GPR values
// read from the instruction's register snapshot (used to resolve direct vs.
// indirect syscall numbering). If the resolved code is one this module
// tracks, a syscall_arg event is recorded immediately for argument-carrying
// syscalls, or syscall tracking is armed (to be resolved on the matching
// eret) for return-carrying syscalls.
func (s *State) OnSyscall(g *provgraph.Graph, rs *regset.RegisterSet, cycle, pc uint64, v0, a0 int64) error {
	s.code = getSyscallCode(v0, a0)
	rec, ok := syscallCodes[s.code]
	if !ok {
		return nil
	}
	if rec.argReg == sysRet {
		s.inSyscall = true
		s.pcEret = pc + 4
		return nil
	}
	vertex := rs.Get(rec.argReg)
	return g.AppendEvent(vertex, provgraph.Event{
		Cycle:       cycle,
		Kind:        provgraph.EventSyscallArg,
		SyscallCode: int32(s.code),
	})
}

// OnEret handles an eret instruction: pcc is restored from epcc, and a
// pending return-carrying syscall is resolved (a syscall_ret event
// recorded on the vertex in register 3) if the restored address matches
// the expected post-syscall return PC.
//
// epcc and epccValid are the capability and validity bit read from
// register 31 in the instruction's post-state register snapshot (this is
// the architectural epcc, independent of what register 31 of rs currently
// holds as a provenance handle).
func (s *State) OnEret(g *provgraph.Graph, rs *regset.RegisterSet, cycle uint64, epcc capval.Capability, epccValid bool) error {
	s.exceptionDepth--
	if !epccValid {
		return ErrInvalidEPCC
	}
	addr := epcc.Base + epcc.Offset
	if s.exceptionDepth < 0 {
		s.initialEretCap = rs.Get(3)
		s.initialEretAddr = addr
		s.initialEretTime = cycle
		s.haveInitialEret = true
		s.exceptionDepth = 0
	}
	if s.inSyscall && addr == s.pcEret {
		s.inSyscall = false
		vertex := rs.Get(3)
		if err := g.AppendEvent(vertex, provgraph.Event{
			Cycle:       cycle,
			Kind:        provgraph.EventSyscallRet,
			SyscallCode: int32(s.code),
		}); err != nil {
			return err
		}
	}
	rs.SetPCC(g, rs.Get(31))
	return nil
}

// Boundary is the serializable snapshot of syscall sub-state emitted at a
// worker's window boundary, so a syscall begun in one window and returned
// from in the next resolves correctly across the merge (§4.6).
type Boundary struct {
	ExceptionDepth  int
	InSyscall       bool
	PCEret          uint64
	Code            int64
	HaveInitialEret bool
	InitialEretCap  provgraph.Handle
	InitialEretAddr uint64
	InitialEretTime uint64
}

// Snapshot returns s's boundary artefact for emission from a worker.
func (s *State) Snapshot() Boundary {
	return Boundary{
		ExceptionDepth:  s.exceptionDepth,
		InSyscall:       s.inSyscall,
		PCEret:          s.pcEret,
		Code:            s.code,
		HaveInitialEret: s.haveInitialEret,
		InitialEretCap:  s.initialEretCap,
		InitialEretAddr: s.initialEretAddr,
		InitialEretTime: s.initialEretTime,
	}
}
