package cache

import (
	"context"
	"log/slog"
	"os"

	"github.com/fuzzbed/seedmin/seedmin/trace"

	"github.com/RoaringBitmap/roaring"
)

// Tracer matches the minimize package's tracer contract.
type Tracer interface {
	Trace(ctx context.Context, inputPath string) (*roaring.Bitmap, error)
}

// CachingTracer wraps a live tracer with content-addressed lookups. Hits
// avoid executing the target entirely; failed live traces are not cached so
// transient target failures retry on the next run.
type CachingTracer struct {
	Inner    Tracer
	Provider *Provider
	Dict     *trace.Dict
	Mode     string // cache namespace, distinguishes edge-only from bucketed traces
}

// Trace implements the tracer contract with cache lookups keyed on input
// content.
func (c *CachingTracer) Trace(ctx context.Context, inputPath string) (*roaring.Bitmap, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		// Unreadable input counts as a trace capture failure.
		return roaring.New(), err
	}
	digest := Digest(data)

	tuples, ok, err := c.Provider.Lookup(digest, c.Mode)
	if err != nil {
		slog.Warn("Trace cache lookup failed, tracing live", "input", inputPath, "error", err)
	} else if ok {
		bits := roaring.New()
		for _, tuple := range tuples {
			bits.Add(c.Dict.Intern(tuple))
		}
		return bits, nil
	}

	bits, runErr := c.Inner.Trace(ctx, inputPath)
	if runErr == nil {
		if err := c.Provider.Store(digest, c.Mode, c.Dict.Canonical(bits)); err != nil {
			slog.Warn("Trace cache store failed", "input", inputPath, "error", err)
		}
	}
	return bits, runErr
}
