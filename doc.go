// Package capgraph builds CHERI capability-provenance graphs from decoded
// MIPS+CHERI instruction traces: every capability value observed on a
// register, in memory, or at a syscall boundary becomes a vertex, and every
// derivation (csetbounds, cfromptr, candperm, ...) becomes a directed edge
// from parent to child.
//
// A trace is processed in windows, each handed to its own dispatcher.Dispatcher
// against a private provgraph.Graph; windows run concurrently and are folded
// into one graph, in trace order, by merge.Driver. provbuild.Build is the
// single entry point that ties the pipeline together — trace decoding,
// window splitting, parallel dispatch, and merge — with an optional on-disk
// cache.
//
// Subpackages:
//
//	capval/      — immutable Capability value type and permission bits
//	trace/       — decoded-instruction record shape and the Decoder contract
//	provgraph/   — the provenance graph itself: vertices, edges, persistence
//	regset/      — per-window register-file model (32 GPCRs + PCC)
//	memvmap/     — per-window capability-memory model
//	branchstate/ — branch-boundary bookkeeping for merge's cross-window fix-ups
//	syscallstate/— syscall/eret bookkeeping for merge's cross-window fix-ups
//	builderr/    — sentinel errors shared across the pipeline
//	dispatcher/  — per-instruction classification and graph construction
//	merge/       — the partial-subgraph merge driver
//	provbuild/   — orchestration: windowing, parallel workers, cache
package capgraph
