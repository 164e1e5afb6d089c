// Package builderr collects the fatal, boundary-facing sentinel errors
// shared by dispatcher and merge, so callers of provbuild can branch on
// failure kind with errors.Is regardless of which stage raised it.
package builderr

import "errors"

// ErrMissingParent indicates a derivation instruction referenced an empty
// or invalid parent slot (register or, during merge, an unresolvable
// trace-beginning placeholder).
var ErrMissingParent = errors.New("builderr: missing parent")

// ErrDereferenceUnknown indicates a dereference (data load/store through a
// capability) found an empty register slot.
var ErrDereferenceUnknown = errors.New("builderr: dereference through unknown capability")

// ErrUnexpected indicates an invariant violation: a pcc replacement
// lacking EXEC permission, an unsupported opcode (cclearregs/ccall/
// creturn), or an eret observed without a valid epcc.
var ErrUnexpected = errors.New("builderr: unexpected operation")

// ErrSubgraphMerge indicates boundary reconciliation failed: incompatible
// capabilities found at a placeholder, a dereferenced placeholder with no
// predecessor, or a syscall-return vertex that could not be copied across
// the boundary.
var ErrSubgraphMerge = errors.New("builderr: subgraph merge failed")
