package provbuild

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cheriprov/capgraph/merge"
	"github.com/cheriprov/capgraph/provgraph"
	"github.com/cheriprov/capgraph/trace"
)

// Build consumes dec to completion and returns the capability-provenance
// graph it describes (§5, §6). If cfg's cache_path is set and already
// exists, parsing is skipped entirely and the cached graph is loaded and
// returned.
//
// ctx governs cancellation of the parallel worker phase: a cancelled ctx
// stops workers that have not started yet, and Build returns ctx.Err()
// through errgroup's first-error propagation. A window that is already
// being processed runs to completion; runWindow does not observe ctx.
func Build(ctx context.Context, dec trace.Decoder, opts ...Option) (*provgraph.Graph, error) {
	cfg := newBuildConfig(opts...)

	if cfg.cachePath != "" && provgraph.FileExists(cfg.cachePath) {
		return provgraph.LoadFile(cfg.cachePath)
	}

	records, err := readAll(dec)
	if err != nil {
		return nil, err
	}
	windows := splitWindows(records, cfg)
	if len(windows) == 0 {
		return nil, ErrNoWindows
	}

	results := make([]merge.WorkerResult, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for i, window := range windows {
		i, window := i, window
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := runWindow(window)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	driver := merge.NewDriver()
	for _, res := range results {
		if err := driver.Step(res); err != nil {
			return nil, err
		}
	}
	for _, w := range driver.Warnings {
		cfg.logger.Print(w)
	}

	if cfg.cachePath != "" {
		if err := driver.Graph().SaveFile(cfg.cachePath); err != nil {
			return nil, err
		}
	}
	return driver.Graph(), nil
}
