// Package corpus snapshots a directory of fuzzer inputs into an immutable,
// deterministically ordered file set.
package corpus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	internal "github.com/fuzzbed/seedmin/seedmin"

	radix "github.com/armon/go-radix"
	ignore "github.com/sabhiram/go-gitignore"
)

// InputFile is one corpus entry. Immutable once scanned.
type InputFile struct {
	Name string // unique within the corpus root
	Path string // absolute path on disk
	Size int64
}

// Snapshot is an immutable view of a corpus directory taken at scan time.
// Natural order is ascending file name; size order is ascending byte size
// with ties broken by natural order.
type Snapshot struct {
	root    string
	index   *radix.Tree // name -> *InputFile, walked in lexicographic order
	files   []*InputFile
	skipped int
}

// ScanOptions configures corpus scanning.
type ScanOptions struct {
	IgnorePatterns []string // gitignore-style patterns for fuzzer bookkeeping files
	IncludeHidden  bool     // include dotfiles
}

// DefaultScanOptions returns sensible defaults for corpus scanning.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		IgnorePatterns: []string{".state/", "README.txt"},
		IncludeHidden:  false,
	}
}

// Scan reads the corpus directory into a Snapshot. If the directory contains
// a queue subdirectory (AFL layout), that subdirectory is treated as the
// actual corpus root. Subdirectories below the root are not descended into.
func Scan(dir string, opts ScanOptions) (*Snapshot, error) {
	root, err := resolveRoot(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus directory %s: %w", root, err)
	}

	matcher := ignore.CompileIgnoreLines(opts.IgnorePatterns...)

	snap := &Snapshot{
		root:  root,
		index: radix.New(),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			snap.skipped++
			continue
		}
		if matcher != nil && matcher.MatchesPath(name) {
			slog.Debug("Ignoring corpus entry", "name", name)
			snap.skipped++
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Error getting file info", "name", name, "error", err)
			snap.skipped++
			continue
		}
		snap.index.Insert(name, &InputFile{
			Name: name,
			Path: filepath.Join(root, name),
			Size: info.Size(),
		})
	}

	// The radix walk yields names in ascending lexicographic order, which is
	// the natural order every downstream component relies on.
	snap.files = make([]*InputFile, 0, snap.index.Len())
	snap.index.Walk(func(name string, v interface{}) bool {
		snap.files = append(snap.files, v.(*InputFile))
		return false
	})

	return snap, nil
}

// resolveRoot validates the corpus directory and descends into the queue
// subdirectory if one exists.
func resolveRoot(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("invalid corpus directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("corpus path is not a directory: %s", dir)
	}

	queue := filepath.Join(dir, internal.DefaultQueueDirName)
	if qinfo, err := os.Stat(queue); err == nil && qinfo.IsDir() {
		slog.Info("Using queue subdirectory as corpus root", "path", queue)
		return queue, nil
	}
	return dir, nil
}

// Root returns the resolved corpus root directory.
func (s *Snapshot) Root() string {
	return s.root
}

// Len returns the number of scanned input files.
func (s *Snapshot) Len() int {
	return len(s.files)
}

// Skipped returns the number of directory entries excluded by scan filters.
func (s *Snapshot) Skipped() int {
	return s.skipped
}

// Files returns the input files in natural order. Callers must not mutate
// the returned slice.
func (s *Snapshot) Files() []*InputFile {
	return s.files
}

// BySize returns the input files sorted by ascending size, ties broken by
// natural order. The returned slice is freshly allocated.
func (s *Snapshot) BySize() []*InputFile {
	bySize := make([]*InputFile, len(s.files))
	copy(bySize, s.files)
	sort.SliceStable(bySize, func(i, j int) bool {
		return bySize[i].Size < bySize[j].Size
	})
	return bySize
}

// Lookup returns the input file with the given name, if present.
func (s *Snapshot) Lookup(name string) (*InputFile, bool) {
	v, ok := s.index.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*InputFile), true
}
