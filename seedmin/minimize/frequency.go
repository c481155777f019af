package minimize

import (
	"sort"
)

// TupleCount pairs a tuple with the number of corpus files containing it.
type TupleCount struct {
	Count int
	Tuple uint32
}

// BuildFrequencyIndex counts, for each tuple, how many files contain it and
// returns the pairs sorted by ascending count, ties by ascending canonical
// tuple string. Rare tuples have few alternative representatives, so the
// selector must satisfy them first for stable, small results.
func BuildFrequencyIndex(s *Store) []TupleCount {
	counts := make(map[uint32]int, s.Universe().GetCardinality())
	for _, f := range s.Files() {
		it := s.TraceOf(f).Iterator()
		for it.HasNext() {
			counts[it.Next()]++
		}
	}

	index := make([]TupleCount, 0, len(counts))
	for tuple, count := range counts {
		index = append(index, TupleCount{Count: count, Tuple: tuple})
	}

	dict := s.Dict()
	sort.Slice(index, func(i, j int) bool {
		if index[i].Count != index[j].Count {
			return index[i].Count < index[j].Count
		}
		return dict.Canon(index[i].Tuple) < dict.Canon(index[j].Tuple)
	})
	return index
}
