package selector

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/scoring"
	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/google/go-cmp/cmp"
)

type trackedPayload struct {
	seq      int64
	released *map[int64]int
}

func (p *trackedPayload) Release() { (*p.released)[p.seq]++ }

type harness struct {
	t        *testing.T
	norm     *angle.Normalizer
	scorer   *scoring.Scorer
	released map[int64]int
}

// newHarness scores frames as 100 - |yaw| so tests can pick exact scores.
func newHarness(t *testing.T) *harness {
	t.Helper()
	n, err := angle.NewNormalizer(angle.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	s, err := scoring.NewScorer(scoring.Weights{Yaw: 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, norm: n, scorer: s, released: map[int64]int{}}
}

func (h *harness) frame(seq int64, score float64) *scoring.Frame {
	h.t.Helper()
	p, err := h.norm.NormalizePose(0, 100-score, 0)
	if err != nil {
		h.t.Fatal(err)
	}
	return h.scorer.Score(p, types.PoseEstimate{
		SequenceIndex: seq,
		Payload:       &trackedPayload{seq: seq, released: &h.released},
	})
}

type ranked struct {
	Seq   int64
	Score float64
}

func view(entries []Entry) []ranked {
	out := make([]ranked, len(entries))
	for i, e := range entries {
		out[i] = ranked{Seq: e.SequenceIndex, Score: e.Score}
	}
	return out
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, k := range []int{0, -1} {
		if _, err := New(k); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("New(%d) error = %v, want ErrInvalidCapacity", k, err)
		}
	}
}

func TestOffer_SingleSlot(t *testing.T) {
	h := newHarness(t)
	s, err := New(1)
	if err != nil {
		t.Fatal(err)
	}

	if out := s.Offer(h.frame(1, 80)); !out.Accepted || out.Evicted != nil {
		t.Fatalf("first offer = %+v, want accepted without eviction", out)
	}
	if got := s.Snapshot(); len(got) != 1 || got[0].Rank != 1 {
		t.Fatalf("snapshot = %+v, want one rank-1 entry", got)
	}

	// Equal score, later sequence: the earlier frame wins the tie.
	tie := h.frame(2, 80)
	if out := s.Offer(tie); out.Accepted {
		t.Fatal("tied later frame should be rejected")
	}
	tie.Release()

	out := s.Offer(h.frame(3, 90))
	if !out.Accepted || out.Evicted == nil || *out.Evicted != 1 {
		t.Fatalf("better frame = %+v, want accepted evicting seq 1", out)
	}
	if h.released[1] != 1 {
		t.Errorf("evicted payload released %d times, want 1", h.released[1])
	}
	if diff := cmp.Diff([]ranked{{3, 90}}, view(s.Snapshot())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestOffer_OrderAndTieBreak(t *testing.T) {
	h := newHarness(t)
	s, _ := New(4)

	s.Offer(h.frame(1, 70))
	s.Offer(h.frame(2, 90))
	s.Offer(h.frame(3, 70))
	s.Offer(h.frame(4, 95))

	want := []ranked{{4, 95}, {2, 90}, {1, 70}, {3, 70}}
	if diff := cmp.Diff(want, view(s.Snapshot())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if s.Worst().SequenceIndex() != 3 {
		t.Errorf("Worst() = %d, want 3", s.Worst().SequenceIndex())
	}

	// 70 ties the worst score but arrives later, so it loses.
	late := h.frame(5, 70)
	if s.Offer(late).Accepted {
		t.Error("later frame tying the worst score must be rejected")
	}
	late.Release()

	out := s.Offer(h.frame(6, 71))
	if !out.Accepted || *out.Evicted != 3 {
		t.Fatalf("offer = %+v, want eviction of seq 3", out)
	}
	want = []ranked{{4, 95}, {2, 90}, {6, 71}, {1, 70}}
	if diff := cmp.Diff(want, view(s.Snapshot())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestOffer_TopKInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, k := range []int{1, 2, 5, 20} {
		h := newHarness(t)
		s, _ := New(k)
		var seen []ranked
		evicted := map[int64]bool{}

		for seq := int64(1); seq <= 500; seq++ {
			score := float64(rng.Intn(40) + 50) // plenty of ties
			f := h.frame(seq, score)
			seen = append(seen, ranked{seq, score})

			out := s.Offer(f)
			if !out.Accepted {
				f.Release()
				evicted[seq] = true
			}
			if out.Evicted != nil {
				evicted[*out.Evicted] = true
			}

			want := append([]ranked(nil), seen...)
			sort.SliceStable(want, func(i, j int) bool {
				if want[i].Score != want[j].Score {
					return want[i].Score > want[j].Score
				}
				return want[i].Seq < want[j].Seq
			})
			if len(want) > k {
				want = want[:k]
			}

			got := view(s.Snapshot())
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("k=%d after seq %d (-want +got):\n%s", k, seq, diff)
			}
			for _, r := range got {
				if evicted[r.Seq] {
					t.Fatalf("k=%d: frame %d reappeared after leaving the selector", k, r.Seq)
				}
			}
		}

		for seq, n := range h.released {
			if n != 1 {
				t.Errorf("k=%d: payload %d released %d times", k, seq, n)
			}
		}
		if len(h.released) != 500-k {
			t.Errorf("k=%d: %d payloads released, want %d", k, len(h.released), 500-k)
		}
	}
}

func TestSnapshot_DoesNotMutate(t *testing.T) {
	h := newHarness(t)
	s, _ := New(3)
	s.Offer(h.frame(1, 60))
	s.Offer(h.frame(2, 80))

	a := s.Snapshot()
	b := s.Snapshot()
	if diff := cmp.Diff(view(a), view(b)); diff != "" {
		t.Errorf("consecutive snapshots differ:\n%s", diff)
	}
	if s.Len() != 2 || len(h.released) != 0 {
		t.Errorf("snapshot changed state: len=%d released=%v", s.Len(), h.released)
	}
}

func TestDrainAndRelease(t *testing.T) {
	h := newHarness(t)
	s, _ := New(3)
	s.Offer(h.frame(1, 60))
	s.Offer(h.frame(2, 80))

	frames := s.Drain()
	if len(frames) != 2 || frames[0].SequenceIndex() != 2 {
		t.Fatalf("Drain() returned %d frames, first seq %d", len(frames), frames[0].SequenceIndex())
	}
	if s.Len() != 0 {
		t.Errorf("selector not empty after Drain: %d", s.Len())
	}
	if len(h.released) != 0 {
		t.Errorf("Drain must not release payloads, got %v", h.released)
	}

	s.Offer(h.frame(3, 50))
	s.Offer(h.frame(4, 55))
	s.Release()
	s.Release()
	if h.released[3] != 1 || h.released[4] != 1 {
		t.Errorf("Release() counts = %v, want exactly one each for 3 and 4", h.released)
	}
	if s.Len() != 0 {
		t.Errorf("selector not empty after Release: %d", s.Len())
	}
}
