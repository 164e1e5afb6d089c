package trace

import "strings"

// Opcode is the mnemonic of a decoded instruction, as produced by the
// external decoder. Classification helpers below group opcodes into the
// handler classes dispatcher.Dispatcher keys off, mirroring the opcode
// string tests in original_source's parser.py (e.g.
// `inst.opcode.startswith("clc")`, `inst.opcode[-1] == "r"`).
type Opcode string

// Capability-instruction mnemonics with dedicated handlers (§4.3).
const (
	OpCJR              Opcode = "cjr"
	OpCJALR            Opcode = "cjalr"
	OpCCall            Opcode = "ccall"
	OpCReturn          Opcode = "creturn"
	OpCFromPtr         Opcode = "cfromptr"
	OpCSetBounds       Opcode = "csetbounds"
	OpCSetBoundsExact  Opcode = "csetboundsexact"
	OpCAndPerm         Opcode = "candperm"
	OpCClearRegs       Opcode = "cclearregs"
	OpCGetEPCC         Opcode = "cgetepcc"
	OpCSetEPCC         Opcode = "csetepcc"
	OpCGetKCC          Opcode = "cgetkcc"
	OpCSetKCC          Opcode = "csetkcc"
	OpCGetKDC          Opcode = "cgetkdc"
	OpCSetKDC          Opcode = "csetkdc"
	OpCGetDefault      Opcode = "cgetdefault"
	OpCSetDefault      Opcode = "csetdefault"
	OpCGetPCC          Opcode = "cgetpcc"
	OpCGetPCCSetOffset Opcode = "cgetpccsetoffset"
	OpEret             Opcode = "eret"
	OpDMFC0            Opcode = "dmfc0"
)

// IsCapLoad reports whether op is a capability-load instruction (clc and
// its register/immediate/linked-load variants).
func (op Opcode) IsCapLoad() bool {
	s := string(op)
	return s == "clc" || s == "clcr" || s == "clci" || s == "cllc"
}

// IsCapStore reports whether op is a capability-store instruction (csc
// and its register/immediate variants).
func (op Opcode) IsCapStore() bool {
	s := string(op)
	return s == "csc" || s == "cscr" || s == "csci"
}

// IsDataCapLoad reports whether op loads data (not a capability) through
// a capability pointer: the clX family excluding clc itself.
func (op Opcode) IsDataCapLoad() bool {
	s := string(op)
	return strings.HasPrefix(s, "cl") && !op.IsCapLoad()
}

// IsDataCapStore reports whether op stores data (not a capability)
// through a capability pointer: the csX family excluding csc itself.
func (op Opcode) IsDataCapStore() bool {
	s := string(op)
	return strings.HasPrefix(s, "cs") && !op.IsCapStore()
}

// DataLoadPtrOperandIndex returns the operand index holding the pointer
// capability for a data-load instruction, per original_source's
// scan_cap_load: cllX instructions carry it in operand 1, clXr/clXi in
// operand 2, and the plain clXu family in operand 3.
func (op Opcode) DataLoadPtrOperandIndex() int {
	s := string(op)
	if strings.HasPrefix(s, "cll") {
		return 1
	}
	if strings.HasSuffix(s, "r") || strings.HasSuffix(s, "i") {
		return 2
	}
	return 3
}

// DataStorePtrOperandIndex returns the operand index holding the pointer
// capability for a data-store instruction, per original_source's
// scan_cap_store: atomic csX stores carry it in operand 2, as do the
// csXr/csXi variants; the plain csX family uses operand 3.
func (op Opcode) DataStorePtrOperandIndex() int {
	s := string(op)
	if s != "csc" && strings.HasPrefix(s, "csc") {
		return 2
	}
	if strings.HasSuffix(s, "r") || strings.HasSuffix(s, "i") {
		return 2
	}
	return 3
}

// IsBoundsPreservingMove reports whether op is a capability
// move/arithmetic instruction that preserves bounds and therefore should
// simply propagate the register-set handle (§4.3's "bounds-preserving
// capability moves/arithmetic" row). This module recognizes the common
// cmove/cincoffset/csetoffset family; a capability opcode that neither this
// nor a more specific class recognizes goes to the dispatcher's generic
// register-update fallback instead.
func (op Opcode) IsBoundsPreservingMove() bool {
	switch op {
	case "cmove", "cincoffset", "csetoffset", "ctoptr", "cgetaddr", "ccleartag":
		return true
	}
	return false
}

// specialGetRegnum/specialSetRegnum (read through SpecialRegisterGet/
// SpecialRegisterSet) group the cget<special>/cset<special> opcodes that
// share the _handle_cpreg_get/_handle_cpreg_set pattern.
var specialGetRegnum = map[Opcode]int{
	OpCGetEPCC:    31,
	OpCGetKCC:     29,
	OpCGetKDC:     30,
	OpCGetDefault: 0,
}

var specialSetRegnum = map[Opcode]int{
	OpCSetEPCC:    31,
	OpCSetKCC:     29,
	OpCSetKDC:     30,
	OpCSetDefault: 0,
}

// SpecialRegisterGet returns the special-register index for a cget<special>
// opcode and whether op is one.
func (op Opcode) SpecialRegisterGet() (int, bool) {
	n, ok := specialGetRegnum[op]
	return n, ok
}

// OpSyscall is the syscall instruction mnemonic.
const OpSyscall Opcode = "syscall"

// IsCapabilityInstruction reports whether op belongs to the CHERI
// capability-instruction family (the "c"-prefix naming convention used
// throughout the ISA: cjr, csc, clc, cfromptr, ...). Plain MIPS
// instructions that never touch a capability register fall outside every
// dispatcher handler and are ignored.
func (op Opcode) IsCapabilityInstruction() bool {
	return strings.HasPrefix(string(op), "c")
}

// SpecialRegisterSet returns the special-register index for a cset<special>
// opcode and whether op is one.
func (op Opcode) SpecialRegisterSet() (int, bool) {
	n, ok := specialSetRegnum[op]
	return n, ok
}
