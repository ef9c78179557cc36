package pipeline

import "sort"

// Resequencer restores sequence order for results produced by parallel
// workers (worker 2 may finish before worker 1).
type Resequencer struct {
	next    int64
	step    int64
	pending map[int64]Item
}

// NewResequencer expects sequence indexes first, first+step, first+2*step, ...
func NewResequencer(first, step int64) *Resequencer {
	if step < 1 {
		step = 1
	}
	return &Resequencer{next: first, step: step, pending: make(map[int64]Item)}
}

// Add buffers it and returns every item that is now ready, in order.
func (r *Resequencer) Add(it Item) []Item {
	r.pending[it.Estimate.SequenceIndex] = it

	var ready []Item
	for {
		next, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		ready = append(ready, next)
		r.next += r.step
	}
	return ready
}

// Pending is the number of buffered items waiting for a gap to fill.
func (r *Resequencer) Pending() int {
	return len(r.pending)
}

// Flush returns the remaining buffered items in sequence order, skipping gaps.
func (r *Resequencer) Flush() []Item {
	out := make([]Item, 0, len(r.pending))
	for _, it := range r.pending {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Estimate.SequenceIndex < out[j].Estimate.SequenceIndex
	})
	clear(r.pending)
	return out
}
