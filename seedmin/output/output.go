// Package output materializes a selection into a destination directory and
// builds the run summary.
package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fuzzbed/seedmin/seedmin/corpus"
	"github.com/fuzzbed/seedmin/seedmin/minimize"

	"gonum.org/v1/gonum/stat"
)

// Materialize populates destDir with exactly the selected files, by name.
// The directory is created fresh per run; pre-existing contents are removed,
// never merged.
func Materialize(ctx context.Context, selected []*corpus.InputFile, destDir string) error {
	if destDir == "" {
		return fmt.Errorf("output directory not set")
	}
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("failed to clear output directory %s: %w", destDir, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", destDir, err)
	}

	for _, f := range selected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := copyFile(ctx, f.Path, filepath.Join(destDir, f.Name)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", f.Name, err)
		}
	}

	slog.Info("Materialized selection", "dir", destDir, "files", len(selected))
	return nil
}

func copyFile(ctx context.Context, srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	buffer := make([]byte, 32*1024) // 32KB buffer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := srcFile.Read(buffer)
		if n > 0 {
			if _, writeErr := dstFile.Write(buffer[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// Summary reports the observable outcome of a minimization run. Purely
// observational, nothing downstream consumes it.
type Summary struct {
	UniqueTuples  uint64
	CorpusFiles   int
	SelectedFiles int
	TraceFailures int
	CorpusBytes   int64
	SelectedBytes int64

	// Size distribution of the selected files
	MeanBytes   float64
	MedianBytes float64
	P90Bytes    float64
}

// BuildSummary computes the run summary from the store and selection result.
func BuildSummary(store *minimize.Store, res *minimize.Result) Summary {
	s := Summary{
		UniqueTuples:  res.Universe.GetCardinality(),
		CorpusFiles:   len(store.Files()),
		SelectedFiles: len(res.Selected),
		TraceFailures: store.Failures(),
	}
	for _, f := range store.Files() {
		s.CorpusBytes += f.Size
	}

	if len(res.Selected) == 0 {
		return s
	}

	sizes := make([]float64, 0, len(res.Selected))
	for _, f := range res.Selected {
		s.SelectedBytes += f.Size
		sizes = append(sizes, float64(f.Size))
	}
	sort.Float64s(sizes)
	s.MeanBytes = stat.Mean(sizes, nil)
	s.MedianBytes = stat.Quantile(0.5, stat.Empirical, sizes, nil)
	s.P90Bytes = stat.Quantile(0.9, stat.Empirical, sizes, nil)
	return s
}

// String renders the one-line size-reduction summary.
func (s Summary) String() string {
	return fmt.Sprintf("minimized %d files (%d bytes) to %d files (%d bytes) covering %d tuples",
		s.CorpusFiles, s.CorpusBytes, s.SelectedFiles, s.SelectedBytes, s.UniqueTuples)
}
