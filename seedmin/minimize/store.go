// Package minimize implements the trace store and the greedy tuple-cover
// selection that reduces a corpus to a coverage-preserving subset.
package minimize

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fuzzbed/seedmin/seedmin/corpus"
	"github.com/fuzzbed/seedmin/seedmin/trace"

	"github.com/RoaringBitmap/roaring"
	"github.com/sourcegraph/conc/pool"
)

// Tracer produces the coverage tuple set for one input file. An error marks
// a recoverable per-file failure; the returned bitmap (possibly partial or
// empty) is still used.
type Tracer interface {
	Trace(ctx context.Context, inputPath string) (*roaring.Bitmap, error)
}

// Store holds the trace and size of every corpus file. Built once per run,
// read-only afterwards.
type Store struct {
	snap     *corpus.Snapshot
	dict     *trace.Dict
	traces   map[string]*roaring.Bitmap // keyed by file name
	universe *roaring.Bitmap
	failures int
}

// BuildOptions configures parallel trace collection.
type BuildOptions struct {
	Workers    int                   // concurrent tracer invocations, min 1
	OnProgress func(done, total int) // advisory progress reporting
}

// BuildStore invokes the tracer exactly once per corpus file using a bounded
// worker pool. Each worker writes into its own result slot so the final
// mapping is independent of scheduling order. Per-file tracer failures are
// logged and recorded as empty traces; only context cancellation aborts the
// build.
func BuildStore(ctx context.Context, snap *corpus.Snapshot, tracer Tracer, dict *trace.Dict, opts BuildOptions) (*Store, error) {
	files := snap.Files()
	workers := max(opts.Workers, 1)

	// Per-slot aggregation: no shared state is written concurrently.
	results := make([]*roaring.Bitmap, len(files))
	errs := make([]error, len(files))
	var done atomic.Int64

	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx)
	for i, f := range files {
		p.Go(func(ctx context.Context) error {
			bits, err := tracer.Trace(ctx, f.Path)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = bits
			errs[i] = err
			if opts.OnProgress != nil {
				opts.OnProgress(int(done.Add(1)), len(files))
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		// Caller aborted; partial results are discarded.
		return nil, fmt.Errorf("trace collection aborted: %w", err)
	}

	store := &Store{
		snap:     snap,
		dict:     dict,
		traces:   make(map[string]*roaring.Bitmap, len(files)),
		universe: roaring.New(),
	}
	for i, f := range files {
		bits := results[i]
		if bits == nil {
			bits = roaring.New()
		}
		if errs[i] != nil {
			slog.Warn("Trace capture failed, keeping partial trace",
				"file", f.Name,
				"tuples", bits.GetCardinality(),
				"error", errs[i])
			store.failures++
		}
		store.traces[f.Name] = bits
		store.universe.Or(bits)
	}

	return store, nil
}

// Files returns the corpus files in natural order.
func (s *Store) Files() []*corpus.InputFile {
	return s.snap.Files()
}

// BySize returns the corpus files by ascending size, ties in natural order.
func (s *Store) BySize() []*corpus.InputFile {
	return s.snap.BySize()
}

// TraceOf returns the tuple set captured for a file. Files with failed
// captures have an empty set.
func (s *Store) TraceOf(f *corpus.InputFile) *roaring.Bitmap {
	return s.traces[f.Name]
}

// Universe returns the union of all tuples across all traces.
func (s *Store) Universe() *roaring.Bitmap {
	return s.universe
}

// Dict returns the tuple dictionary shared with the tracer.
func (s *Store) Dict() *trace.Dict {
	return s.dict
}

// Failures returns how many files had their trace capture fail.
func (s *Store) Failures() int {
	return s.failures
}
