package minimize

import (
	"github.com/fuzzbed/seedmin/seedmin/corpus"
)

// BuildCandidates maps every tuple in the universe to the file that best
// represents it. Files are scanned in ascending-size order (ties by natural
// order) and the first writer wins, so each tuple ends up on the smallest
// file whose trace contains it.
func BuildCandidates(s *Store) map[uint32]*corpus.InputFile {
	candidates := make(map[uint32]*corpus.InputFile, s.Universe().GetCardinality())
	for _, f := range s.BySize() {
		it := s.TraceOf(f).Iterator()
		for it.HasNext() {
			tuple := it.Next()
			if _, ok := candidates[tuple]; !ok {
				candidates[tuple] = f
			}
		}
	}
	return candidates
}
