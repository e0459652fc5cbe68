package opt

import (
	"github.com/shapeopt/shapeopt/fields"
)

// HistoryEntry is one (s, y, rho) triple of the L-BFGS memory:
// s the accepted displacement, y the reduced-gradient difference,
// rho = 1/<y,s>.
type HistoryEntry struct {
	S   *fields.Tuple
	Y   *fields.Tuple
	Rho float64
}

// History is the bounded L-BFGS memory, ordered most-recent-first. The
// capacity invariant len <= capacity is enforced on every push by
// dropping the oldest entry.
type History struct {
	capacity int
	entries  []HistoryEntry
}

func NewHistory(capacity int) (h *History) {
	if capacity < 0 {
		capacity = 0
	}
	h = &History{
		capacity: capacity,
		entries:  make([]HistoryEntry, 0, capacity+1),
	}
	return
}

func (h *History) Len() int {
	return len(h.entries)
}

func (h *History) Capacity() int {
	return h.capacity
}

// At returns the i-th entry, 0 being the most recent.
func (h *History) At(i int) HistoryEntry {
	return h.entries[i]
}

// Push prepends an entry and truncates to capacity. The tuples are stored
// as given; callers must not mutate them afterwards.
func (h *History) Push(s, y *fields.Tuple, rho float64) {
	h.entries = append(h.entries, HistoryEntry{})
	copy(h.entries[1:], h.entries)
	h.entries[0] = HistoryEntry{S: s, Y: y, Rho: rho}
	if len(h.entries) > h.capacity {
		h.entries = h.entries[:h.capacity]
	}
}

// Reset clears the whole memory. Used on curvature violations, where a
// single bad pair poisons the implied inverse-Hessian approximation.
func (h *History) Reset() {
	h.entries = h.entries[:0]
}
