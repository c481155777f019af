// Package runner orchestrates a full minimization run: preflight, parallel
// trace collection, greedy selection, and output materialization.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fuzzbed/seedmin/seedmin/cache"
	"github.com/fuzzbed/seedmin/seedmin/config"
	"github.com/fuzzbed/seedmin/seedmin/corpus"
	"github.com/fuzzbed/seedmin/seedmin/minimize"
	"github.com/fuzzbed/seedmin/seedmin/output"
	"github.com/fuzzbed/seedmin/seedmin/trace"

	"github.com/ZanzyTHEbar/assert-lib"
	isatty "github.com/mattn/go-isatty"
	progressbar "github.com/schollz/progressbar/v2"
)

// Runner executes one minimization run from a loaded configuration.
type Runner struct {
	cfg        *config.Config
	asserts    *assert.AssertHandler
	tracerPath string // resolved by Preflight
}

// New creates a runner for the given configuration.
func New(cfg *config.Config) *Runner {
	return &Runner{
		cfg:     cfg,
		asserts: assert.NewAssertHandler(),
	}
}

// Preflight validates everything that must hold before any trace work
// begins: the tracer binary, the target command, the input directory, and
// the output path. All failures here are fatal.
func (r *Runner) Preflight() error {
	if len(r.cfg.Tracer.Target) == 0 {
		return fmt.Errorf("no target command configured")
	}

	tracerPath, err := trace.LookupTracer(r.cfg.Tracer.Path)
	if err != nil {
		return err
	}
	r.tracerPath = tracerPath

	info, err := os.Stat(r.cfg.Corpus.InputDir)
	if err != nil {
		return fmt.Errorf("invalid input directory %s: %w", r.cfg.Corpus.InputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input path is not a directory: %s", r.cfg.Corpus.InputDir)
	}

	if r.cfg.Corpus.OutputDir == "" {
		return fmt.Errorf("output directory not set")
	}
	inAbs, err := filepath.Abs(r.cfg.Corpus.InputDir)
	if err != nil {
		return fmt.Errorf("invalid input path: %w", err)
	}
	outAbs, err := filepath.Abs(r.cfg.Corpus.OutputDir)
	if err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	if outAbs == inAbs || strings.HasPrefix(outAbs, inAbs+string(os.PathSeparator)) {
		return fmt.Errorf("output directory must not be the input directory or nested inside it")
	}

	return nil
}

// Run performs the full minimization pipeline and returns the selection
// result and run summary. The context cancels in-flight tracer processes;
// a cancelled run discards partial state.
func (r *Runner) Run(ctx context.Context) (*minimize.Result, output.Summary, error) {
	if err := r.Preflight(); err != nil {
		return nil, output.Summary{}, err
	}

	snap, err := corpus.Scan(r.cfg.Corpus.InputDir, corpus.ScanOptions{
		IgnorePatterns: r.cfg.Corpus.IgnorePatterns,
		IncludeHidden:  r.cfg.Corpus.IncludeHidden,
	})
	if err != nil {
		return nil, output.Summary{}, err
	}
	if snap.Len() == 0 {
		slog.Info("Corpus is empty, nothing to minimize", "dir", snap.Root())
	} else {
		slog.Info("Scanned corpus", "dir", snap.Root(), "files", snap.Len(), "skipped", snap.Skipped())
	}

	dict := trace.NewDict()
	tracer, closeCache := r.buildTracer(dict)
	defer closeCache()

	store, err := minimize.BuildStore(ctx, snap, tracer, dict, minimize.BuildOptions{
		Workers:    r.cfg.Tracer.Workers,
		OnProgress: progressFunc(snap.Len()),
	})
	if err != nil {
		return nil, output.Summary{}, err
	}
	slog.Info("Traced corpus",
		"files", snap.Len(),
		"tuples", store.Universe().GetCardinality(),
		"failures", store.Failures())

	candidates := minimize.BuildCandidates(store)
	index := minimize.BuildFrequencyIndex(store)
	res, err := minimize.Select(store, index, candidates)
	r.asserts.Assert(ctx, err == nil, "frequency index and candidate map out of sync")
	if err != nil {
		return nil, output.Summary{}, err
	}

	if err := output.Materialize(ctx, res.Selected, r.cfg.Corpus.OutputDir); err != nil {
		return nil, output.Summary{}, err
	}

	summary := output.BuildSummary(store, res)
	slog.Info("Minimization complete", "summary", summary.String())
	return res, summary, nil
}

// buildTracer assembles the live tracer adapter, optionally wrapped in the
// content-addressed cache. A cache that fails to open degrades to live
// tracing.
func (r *Runner) buildTracer(dict *trace.Dict) (minimize.Tracer, func()) {
	adapter := &trace.Adapter{
		TracerPath:    r.tracerPath,
		Target:        r.cfg.Tracer.Target,
		Timeout:       time.Duration(r.cfg.Tracer.TimeoutMs) * time.Millisecond,
		MemoryLimitMB: r.cfg.Tracer.MemoryLimitMB,
		EdgeOnly:      r.cfg.Tracer.EdgeOnly,
		Dict:          dict,
	}
	if !r.cfg.Cache.Enabled {
		return adapter, func() {}
	}

	provider, err := cache.NewProvider(r.cfg.Cache.Path)
	if err != nil {
		slog.Warn("Trace cache unavailable, tracing live", "error", err)
		return adapter, func() {}
	}
	mode := "bucketed"
	if r.cfg.Tracer.EdgeOnly {
		mode = "edges"
	}
	cached := &cache.CachingTracer{
		Inner:    adapter,
		Provider: provider,
		Dict:     dict,
		Mode:     mode,
	}
	return cached, func() { provider.Close() }
}

// progressFunc returns an advisory progress callback: a terminal progress
// bar when stderr is a TTY, nothing otherwise (structured logs already cover
// the non-interactive case).
func progressFunc(total int) func(done, total int) {
	if total == 0 || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetRenderBlankState(true),
	)
	var mu sync.Mutex
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		bar.Add(1)
		if done == total {
			bar.Finish()
			fmt.Fprintln(os.Stderr)
		}
	}
}
