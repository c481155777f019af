package minimize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fuzzbed/seedmin/seedmin/corpus"
	"github.com/fuzzbed/seedmin/seedmin/trace"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTracer serves canned tuple lists keyed by file base name.
type stubTracer struct {
	mu     sync.Mutex
	dict   *trace.Dict
	traces map[string][]string // name -> canonical tuples
	fail   map[string]bool     // name -> simulate invocation failure
	calls  map[string]int
}

func newStubTracer(dict *trace.Dict, traces map[string][]string) *stubTracer {
	return &stubTracer{
		dict:   dict,
		traces: traces,
		fail:   make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (s *stubTracer) Trace(ctx context.Context, inputPath string) (*roaring.Bitmap, error) {
	name := filepath.Base(inputPath)
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()

	bits := roaring.New()
	if s.fail[name] {
		return bits, fmt.Errorf("target crashed on %s", name)
	}
	for _, tuple := range s.traces[name] {
		bits.Add(s.dict.Intern(tuple))
	}
	return bits, nil
}

// writeCorpus creates files whose sizes are the content lengths given.
func writeCorpus(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Repeat("x", size)), 0o644)
		require.NoError(t, err)
	}
	return dir
}

func scanCorpus(t *testing.T, dir string) *corpus.Snapshot {
	t.Helper()
	snap, err := corpus.Scan(dir, corpus.DefaultScanOptions())
	require.NoError(t, err)
	return snap
}

// minimizeCorpus runs the whole pipeline against a stub tracer and returns
// the store and result.
func minimizeCorpus(t *testing.T, sizes map[string]int, traces map[string][]string, failing ...string) (*Store, *Result) {
	t.Helper()
	snap := scanCorpus(t, writeCorpus(t, sizes))
	dict := trace.NewDict()
	tracer := newStubTracer(dict, traces)
	for _, name := range failing {
		tracer.fail[name] = true
	}

	store, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{Workers: 4})
	require.NoError(t, err)

	res, err := Select(store, BuildFrequencyIndex(store), BuildCandidates(store))
	require.NoError(t, err)
	return store, res
}

func selectedNames(res *Result) []string {
	names := make([]string, 0, len(res.Selected))
	for _, f := range res.Selected {
		names = append(names, f.Name)
	}
	return names
}

func TestGreedyCover(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ScenarioABC", testScenarioABC},
		{"EmptyCorpus", testEmptyCorpus},
		{"IdenticalTraces", testIdenticalTraces},
		{"SubsetTraces", testSubsetTraces},
		{"SmallestFirstPreference", testSmallestFirstPreference},
		{"CoverageCompleteness", testCoverageCompleteness},
		{"NoRedundantSelection", testNoRedundantSelection},
		{"Determinism", testDeterminism},
		{"Idempotence", testIdempotence},
		{"FailedTraceTolerance", testFailedTraceTolerance},
		{"MissingCandidateIsError", testMissingCandidateIsError},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testScenarioABC(t *testing.T) {
	// A{1,2} size 10, B{2,3} size 5, C{1,3} size 20. All tuples appear in
	// two files, so the index orders them 1,2,3 by canonical string. Tuple 1
	// selects A (smaller than C), tuple 2 is then covered, tuple 3 selects B.
	store, res := minimizeCorpus(t,
		map[string]int{"A": 10, "B": 5, "C": 20},
		map[string][]string{
			"A": {"1", "2"},
			"B": {"2", "3"},
			"C": {"1", "3"},
		})

	assert.Equal(t, []string{"A", "B"}, selectedNames(res))
	assert.True(t, res.Covered.Equals(res.Universe))
	assert.Equal(t, uint64(3), res.Universe.GetCardinality())
	assert.Equal(t, 0, store.Failures())
}

func testEmptyCorpus(t *testing.T) {
	_, res := minimizeCorpus(t, map[string]int{}, map[string][]string{})

	assert.Empty(t, res.Selected)
	assert.Equal(t, uint64(0), res.Universe.GetCardinality())
	assert.Equal(t, uint64(0), res.Covered.GetCardinality())
}

func testIdenticalTraces(t *testing.T) {
	// N files with the same single tuple: exactly the smallest is selected.
	_, res := minimizeCorpus(t,
		map[string]int{"big": 100, "mid": 50, "tiny": 3},
		map[string][]string{
			"big":  {"7"},
			"mid":  {"7"},
			"tiny": {"7"},
		})

	assert.Equal(t, []string{"tiny"}, selectedNames(res))
}

func testSubsetTraces(t *testing.T) {
	// A file whose trace is a subset of an already-selected file's trace is
	// never selected.
	_, res := minimizeCorpus(t,
		map[string]int{"full": 10, "subset": 5},
		map[string][]string{
			"full":   {"1", "2", "3"},
			"subset": {"2"},
		})

	// Tuple 1 and 3 are unique to full; tuple 2's candidate is subset
	// (smaller), but tuple 1 sorts first and selecting full covers 2.
	assert.Equal(t, []string{"full"}, selectedNames(res))
}

func testSmallestFirstPreference(t *testing.T) {
	// Identical traces: smaller wins; on a size tie, earlier natural order.
	_, res := minimizeCorpus(t,
		map[string]int{"b-file": 8, "a-file": 8, "c-file": 20},
		map[string][]string{
			"a-file": {"1", "2"},
			"b-file": {"1", "2"},
			"c-file": {"1", "2"},
		})

	assert.Equal(t, []string{"a-file"}, selectedNames(res))
}

func testCoverageCompleteness(t *testing.T) {
	traces := map[string][]string{}
	sizes := map[string]int{}
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("input-%02d", i)
		sizes[name] = 5 + i
		traces[name] = []string{
			fmt.Sprintf("mod:%d", i%7),
			fmt.Sprintf("grp:%d", i/4),
		}
	}
	_, res := minimizeCorpus(t, sizes, traces)

	assert.True(t, res.Covered.Equals(res.Universe),
		"every tuple in the universe must be covered by the selection")
	assert.Less(t, len(res.Selected), len(sizes))
}

func testNoRedundantSelection(t *testing.T) {
	store, res := minimizeCorpus(t,
		map[string]int{"A": 10, "B": 5, "C": 20, "D": 7},
		map[string][]string{
			"A": {"1", "2", "5"},
			"B": {"2", "3"},
			"C": {"1", "3", "4"},
			"D": {"5", "6"},
		})

	// Replay the selection: every file must have plugged at least one gap at
	// the moment it was chosen.
	covered := roaring.New()
	for _, f := range res.Selected {
		tr := store.TraceOf(f)
		assert.Greater(t, roaring.AndNot(tr, covered).GetCardinality(), uint64(0),
			"file %s was selected without contributing new coverage", f.Name)
		covered.Or(tr)
	}
}

func testDeterminism(t *testing.T) {
	sizes := map[string]int{"A": 10, "B": 5, "C": 20, "D": 7, "E": 13}
	traces := map[string][]string{
		"A": {"1", "2", "5"},
		"B": {"2", "3"},
		"C": {"1", "3", "4"},
		"D": {"5", "6"},
		"E": {"4", "6", "7"},
	}

	_, first := minimizeCorpus(t, sizes, traces)
	for i := 0; i < 5; i++ {
		_, again := minimizeCorpus(t, sizes, traces)
		assert.Equal(t, selectedNames(first), selectedNames(again),
			"selection must not depend on scheduling or map iteration order")
	}
}

func testIdempotence(t *testing.T) {
	sizes := map[string]int{"A": 10, "B": 5, "C": 20, "D": 7}
	traces := map[string][]string{
		"A": {"1", "2"},
		"B": {"2", "3"},
		"C": {"1", "3"},
		"D": {"3"},
	}
	_, first := minimizeCorpus(t, sizes, traces)

	// Re-minimize the output of the first run as a new corpus.
	reducedSizes := map[string]int{}
	for _, f := range first.Selected {
		reducedSizes[f.Name] = int(f.Size)
	}
	_, second := minimizeCorpus(t, reducedSizes, traces)

	assert.Equal(t, selectedNames(first), selectedNames(second),
		"re-minimizing a minimized corpus must be a fixed point")
}

func testFailedTraceTolerance(t *testing.T) {
	store, res := minimizeCorpus(t,
		map[string]int{"good": 10, "bad": 5},
		map[string][]string{
			"good": {"1", "2"},
			"bad":  {"9"},
		},
		"bad")

	// The failed file contributes nothing to the universe; tuples only it
	// would have produced are never considered, not mis-covered.
	assert.Equal(t, 1, store.Failures())
	assert.Equal(t, []string{"good"}, selectedNames(res))
	assert.Equal(t, uint64(2), res.Universe.GetCardinality())
	assert.True(t, res.Covered.Equals(res.Universe))
}

func testMissingCandidateIsError(t *testing.T) {
	snap := scanCorpus(t, writeCorpus(t, map[string]int{"A": 5}))
	dict := trace.NewDict()
	tracer := newStubTracer(dict, map[string][]string{"A": {"1"}})

	store, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{Workers: 1})
	require.NoError(t, err)

	// A frequency index referencing a tuple with no candidate violates the
	// construction invariant and must be fatal, not silently skipped.
	orphan := dict.Intern("orphan-tuple")
	index := []TupleCount{{Count: 1, Tuple: orphan}}

	_, err = Select(store, index, BuildCandidates(store))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan-tuple")
}

func TestBuildStore(t *testing.T) {
	t.Run("TracesEveryFileOnce", func(t *testing.T) {
		sizes := map[string]int{"A": 3, "B": 4, "C": 5}
		snap := scanCorpus(t, writeCorpus(t, sizes))
		dict := trace.NewDict()
		tracer := newStubTracer(dict, map[string][]string{
			"A": {"1"}, "B": {"2"}, "C": {"3"},
		})

		_, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{Workers: 3})
		require.NoError(t, err)
		for _, name := range []string{"A", "B", "C"} {
			assert.Equal(t, 1, tracer.calls[name], "file %s must be traced exactly once", name)
		}
	})

	t.Run("CancellationAborts", func(t *testing.T) {
		snap := scanCorpus(t, writeCorpus(t, map[string]int{"A": 3, "B": 4}))
		dict := trace.NewDict()
		tracer := newStubTracer(dict, map[string][]string{"A": {"1"}, "B": {"2"}})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := BuildStore(ctx, snap, tracer, dict, BuildOptions{Workers: 2})
		require.Error(t, err)
	})

	t.Run("ReportsProgress", func(t *testing.T) {
		snap := scanCorpus(t, writeCorpus(t, map[string]int{"A": 3, "B": 4, "C": 5}))
		dict := trace.NewDict()
		tracer := newStubTracer(dict, map[string][]string{
			"A": {"1"}, "B": {"2"}, "C": {"3"},
		})

		var mu sync.Mutex
		seen := 0
		_, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{
			Workers: 2,
			OnProgress: func(done, total int) {
				mu.Lock()
				defer mu.Unlock()
				seen++
				assert.Equal(t, 3, total)
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, seen)
	})
}

func TestFrequencyIndex(t *testing.T) {
	t.Run("RarestFirstWithCanonicalTieBreak", func(t *testing.T) {
		snap := scanCorpus(t, writeCorpus(t, map[string]int{"A": 3, "B": 4, "C": 5}))
		dict := trace.NewDict()
		tracer := newStubTracer(dict, map[string][]string{
			"A": {"common", "rare-b"},
			"B": {"common", "rare-a"},
			"C": {"common"},
		})
		store, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{Workers: 1})
		require.NoError(t, err)

		index := BuildFrequencyIndex(store)
		require.Len(t, index, 3)
		assert.Equal(t, 1, index[0].Count)
		assert.Equal(t, "rare-a", dict.Canon(index[0].Tuple))
		assert.Equal(t, 1, index[1].Count)
		assert.Equal(t, "rare-b", dict.Canon(index[1].Tuple))
		assert.Equal(t, 3, index[2].Count)
		assert.Equal(t, "common", dict.Canon(index[2].Tuple))
	})
}

func TestBestCandidates(t *testing.T) {
	t.Run("SmallestFileWinsPerTuple", func(t *testing.T) {
		snap := scanCorpus(t, writeCorpus(t, map[string]int{"A": 10, "B": 5, "C": 20}))
		dict := trace.NewDict()
		tracer := newStubTracer(dict, map[string][]string{
			"A": {"1", "2"},
			"B": {"2", "3"},
			"C": {"1", "3"},
		})
		store, err := BuildStore(context.Background(), snap, tracer, dict, BuildOptions{Workers: 1})
		require.NoError(t, err)

		candidates := BuildCandidates(store)
		require.Len(t, candidates, 3)
		assert.Equal(t, "A", candidates[dict.Intern("1")].Name)
		assert.Equal(t, "B", candidates[dict.Intern("2")].Name)
		assert.Equal(t, "B", candidates[dict.Intern("3")].Name)

		// Invariant: every candidate's trace contains the tuple it represents.
		for tuple, f := range candidates {
			assert.True(t, store.TraceOf(f).Contains(tuple))
		}
	})
}
