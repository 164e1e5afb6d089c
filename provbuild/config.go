// Package provbuild implements the orchestration layer (§5, §6): splitting
// a decoded trace into windows, running one dispatcher.Dispatcher per
// window (bounded parallelism via golang.org/x/sync/errgroup), and folding
// the results into a single graph through merge.Driver, with an optional
// on-disk cache short-circuit.
package provbuild

import (
	"log"
	"os"
)

// WindowSplit selects how the trace is partitioned into worker windows
// (§6's window_split configuration option).
type WindowSplit int

const (
	// InstructionCount splits the trace into windows of a fixed number of
	// instruction records.
	InstructionCount WindowSplit = iota
	// ByteRange splits the trace into windows of approximately equal
	// trace-byte span, using each record's PC delta as a proxy for the
	// trace's byte offset — InstructionRecord carries no raw byte
	// position (trace.Decoder decodes ahead of this module), so PC
	// advancement is the closest available monotonic stand-in for
	// original_source's MultiprocessCallbackParser byte-offset windows.
	ByteRange
)

// defaultWindowSize is the number of instruction records (InstructionCount
// mode) or approximate PC-byte span (ByteRange mode) per window when the
// caller does not set WithWindowSize.
const defaultWindowSize = 1 << 16

// buildConfig holds Build's resolved configuration.
type buildConfig struct {
	workers     int
	cachePath   string
	windowSplit WindowSplit
	windowSize  uint64
	logger      *log.Logger
}

// Option customizes Build's behavior by mutating a buildConfig before a
// build begins.
type Option func(cfg *buildConfig)

// newBuildConfig returns a buildConfig initialized with defaults — one
// worker (no parallel split), instruction-count windowing at
// defaultWindowSize, no cache, and a logger writing to stderr — then
// applies opts in order.
func newBuildConfig(opts ...Option) *buildConfig {
	cfg := &buildConfig{
		workers:     1,
		windowSplit: InstructionCount,
		windowSize:  defaultWindowSize,
		logger:      log.New(os.Stderr, "provbuild: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithWorkers sets the degree of parallelism. Per §6, 1 disables
// splitting across goroutines but still runs the merge on the single
// worker's output. Panics if n < 1: a meaningless degree of parallelism
// is a programmer error, not a runtime condition.
func WithWorkers(n int) Option {
	if n < 1 {
		panic("provbuild: WithWorkers(n < 1)")
	}
	return func(cfg *buildConfig) {
		cfg.workers = n
	}
}

// WithCachePath sets the path Build checks for an existing graph before
// parsing, and writes the built graph to on success (§6's cache_path).
// An empty path disables caching (the default).
func WithCachePath(path string) Option {
	return func(cfg *buildConfig) {
		cfg.cachePath = path
	}
}

// WithWindowSplit selects how the trace is partitioned (§6's
// window_split).
func WithWindowSplit(mode WindowSplit) Option {
	return func(cfg *buildConfig) {
		cfg.windowSplit = mode
	}
}

// WithWindowSize sets the per-window size: a record count in
// InstructionCount mode, or an approximate PC-byte span in ByteRange
// mode. Panics if n == 0, for the same reason as WithWorkers.
func WithWindowSize(n uint64) Option {
	if n == 0 {
		panic("provbuild: WithWindowSize(0)")
	}
	return func(cfg *buildConfig) {
		cfg.windowSize = n
	}
}

// WithLogger injects the *log.Logger Build uses to report non-fatal
// warnings (merge reconciliation notes, §7). Panics on nil, per the
// teacher's "nil logger" example of a nonsensical option.
func WithLogger(l *log.Logger) Option {
	if l == nil {
		panic("provbuild: WithLogger(nil)")
	}
	return func(cfg *buildConfig) {
		cfg.logger = l
	}
}
