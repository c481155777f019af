package minimize

import (
	"fmt"

	"github.com/fuzzbed/seedmin/seedmin/corpus"

	"github.com/RoaringBitmap/roaring"
)

// Result is the outcome of a greedy cover selection: an ordered sequence of
// distinct files plus the tuple set they collectively cover.
type Result struct {
	Selected []*corpus.InputFile
	Covered  *roaring.Bitmap
	Universe *roaring.Bitmap
}

// Select walks the frequency index rarest-first and greedily picks, for each
// still-uncovered tuple, its best-candidate file, adopting that file's whole
// trace into the covered set. One selection can retire many future tuple
// checks at once, which is what keeps the result far smaller than the
// universe.
//
// A tuple in the index without a candidate violates the construction
// invariant (candidates are derived from the same traces the index counts)
// and is reported as a fatal internal error rather than skipped.
func Select(s *Store, index []TupleCount, candidates map[uint32]*corpus.InputFile) (*Result, error) {
	covered := roaring.New()
	selected := make([]*corpus.InputFile, 0)
	alreadySelected := make(map[string]bool)

	for _, tc := range index {
		if covered.Contains(tc.Tuple) {
			continue
		}
		f, ok := candidates[tc.Tuple]
		if !ok {
			return nil, fmt.Errorf("internal: tuple %q present in frequency index has no candidate file",
				s.Dict().Canon(tc.Tuple))
		}
		// A file whose trace contains an uncovered tuple cannot itself be
		// covered, but guard anyway so an inconsistent store cannot produce
		// duplicates.
		if alreadySelected[f.Name] {
			continue
		}
		alreadySelected[f.Name] = true
		selected = append(selected, f)
		covered.Or(s.TraceOf(f))
	}

	return &Result{
		Selected: selected,
		Covered:  covered,
		Universe: s.Universe().Clone(),
	}, nil
}
