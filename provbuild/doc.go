// Package provbuild ties together trace, dispatcher, merge, and
// provgraph into the single entry point Build: split a decoded
// instruction trace into windows, process each window through its own
// dispatcher.Dispatcher (bounded parallelism via errgroup.Group), and
// fold the resulting per-window subgraphs into one provenance graph
// through merge.Driver, in trace order.
//
// Configuration is functional-options: WithWorkers bounds parallelism, WithCachePath
// enables a load/save short-circuit through provgraph.Save/Load,
// WithWindowSplit selects the windowing strategy, WithWindowSize tunes
// its granularity, and WithLogger redirects non-fatal merge warnings.
package provbuild
