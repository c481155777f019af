// Package trace converts instrumented target executions into compact
// coverage tuple sets.
package trace

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// A tuple's canonical form is the tracer's textual output line, either
// "edge" or "edge:bucket". Tuples are totally ordered by byte-lexicographic
// comparison of that canonical string.

// Dict interns canonical tuple strings into dense uint32 indices so traces
// can be held as roaring bitmaps. Safe for concurrent use; interning order
// is first-seen and carries no meaning, ordering always goes through Canon.
type Dict struct {
	mu    sync.RWMutex
	ids   map[string]uint32
	canon []string
}

// NewDict creates an empty tuple dictionary.
func NewDict() *Dict {
	return &Dict{ids: make(map[string]uint32)}
}

// Intern returns the dense index for the canonical tuple string, assigning
// a new one on first sight.
func (d *Dict) Intern(tuple string) uint32 {
	d.mu.RLock()
	id, ok := d.ids[tuple]
	d.mu.RUnlock()
	if ok {
		return id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[tuple]; ok {
		return id
	}
	id = uint32(len(d.canon))
	d.ids[tuple] = id
	d.canon = append(d.canon, tuple)
	return id
}

// Canon returns the canonical string for a previously interned index.
func (d *Dict) Canon(id uint32) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.canon[id]
}

// Len returns the number of distinct tuples interned so far.
func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.canon)
}

// Canonical returns the canonical strings for every tuple in the bitmap,
// in ascending index order.
func (d *Dict) Canonical(bits *roaring.Bitmap) []string {
	out := make([]string, 0, bits.GetCardinality())
	it := bits.Iterator()
	for it.HasNext() {
		out = append(out, d.Canon(it.Next()))
	}
	return out
}
