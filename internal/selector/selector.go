// Package selector keeps the K best scored frames of a stream.
package selector

import (
	"errors"
	"sort"
	"time"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/scoring"
)

// ErrInvalidCapacity is returned by New for K < 1.
var ErrInvalidCapacity = errors.New("capacity must be >= 1")

// Outcome describes what Offer did with a candidate.
type Outcome struct {
	Accepted bool
	// Evicted is the sequence index of the frame pushed out to make room, if any.
	Evicted *int64
}

// Entry is a read-only view of a held frame. It carries no payload.
type Entry struct {
	Rank          int
	Score         float64
	Deviation     float64
	Pose          angle.Pose
	SequenceIndex int64
	CapturedAt    time.Time
}

// TopK is a bounded collection ordered by (score desc, sequence index asc).
// It is not safe for concurrent use.
type TopK struct {
	capacity int
	entries  []*scoring.Frame // best first
}

// New creates a selector holding at most capacity frames.
func New(capacity int) (*TopK, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &TopK{
		capacity: capacity,
		entries:  make([]*scoring.Frame, 0, capacity),
	}, nil
}

func (s *TopK) Cap() int { return s.capacity }
func (s *TopK) Len() int { return len(s.entries) }

// Worst returns the lowest-ranked held frame, or nil when empty.
func (s *TopK) Worst() *scoring.Frame {
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1]
}

// Offer inserts the candidate if it belongs among the best K.
//
// On acceptance the selector owns the candidate and releases the payload of
// any frame it evicts. On rejection ownership stays with the caller, who must
// release the candidate.
func (s *TopK) Offer(f *scoring.Frame) Outcome {
	var out Outcome

	if len(s.entries) == s.capacity {
		worst := s.entries[len(s.entries)-1]
		if !scoring.Better(f, worst) {
			return out
		}
		s.entries = s.entries[:len(s.entries)-1]
		seq := worst.SequenceIndex()
		out.Evicted = &seq
		worst.Release()
	}

	i := sort.Search(len(s.entries), func(i int) bool {
		return scoring.Better(f, s.entries[i])
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = f

	out.Accepted = true
	return out
}

// Snapshot returns the held frames best-first without changing state.
func (s *TopK) Snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	for i, f := range s.entries {
		out[i] = Entry{
			Rank:          i + 1,
			Score:         f.Score(),
			Deviation:     f.Deviation(),
			Pose:          f.Pose(),
			SequenceIndex: f.SequenceIndex(),
			CapturedAt:    f.CapturedAt(),
		}
	}
	return out
}

// Drain hands every held frame, and its payload, to the caller in rank order
// and leaves the selector empty.
func (s *TopK) Drain() []*scoring.Frame {
	out := s.entries
	s.entries = make([]*scoring.Frame, 0, s.capacity)
	return out
}

// Release frees every held payload and empties the selector.
func (s *TopK) Release() {
	for _, f := range s.entries {
		f.Release()
	}
	clear(s.entries)
	s.entries = s.entries[:0]
}
