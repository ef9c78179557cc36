package session

import (
	"encoding/json"
	"fmt"

	"github.com/andresmejia3/bestframe/internal/scoring"
	"github.com/andresmejia3/bestframe/internal/types"
	"gonum.org/v1/gonum/stat"
)

// Metadata summarizes a finalized session.
type Metadata struct {
	SessionID      string `json:"session_id"`
	TotalIngested  int    `json:"total_ingested"`
	NoFaceCount    int    `json:"no_face_count"`
	MalformedCount int    `json:"malformed_count"`
	// BestScore is nil when no frame was retained.
	BestScore *float64 `json:"best_score"`
}

// FrameRecord is the serialized form of a ranked frame. The angles are the
// exact values the score was computed from.
type FrameRecord struct {
	Rank          int     `json:"rank"`
	Score         float64 `json:"score"`
	Pitch         float64 `json:"pitch"`
	Yaw           float64 `json:"yaw"`
	Roll          float64 `json:"roll"`
	SequenceIndex int64   `json:"sequence_index"`
}

// RankedFrame is a retained frame with its 1-based rank.
type RankedFrame struct {
	Rank  int
	Frame *scoring.Frame
}

// Payload returns the frame data still owned by the report.
func (r RankedFrame) Payload() types.Payload { return r.Frame.Payload() }

// Report is the immutable result of Finalize.
type Report struct {
	Frames   []RankedFrame
	Metadata Metadata
	Stats    Stats
}

func newReport(id string, st Stats, frames []*scoring.Frame) *Report {
	r := &Report{
		Frames: make([]RankedFrame, len(frames)),
		Metadata: Metadata{
			SessionID:      id,
			TotalIngested:  st.TotalIngested,
			NoFaceCount:    st.NoFaceCount,
			MalformedCount: st.MalformedCount,
		},
		Stats: st,
	}
	for i, f := range frames {
		r.Frames[i] = RankedFrame{Rank: i + 1, Frame: f}
	}
	if len(frames) > 0 {
		best := frames[0].Score()
		r.Metadata.BestScore = &best
	}
	return r
}

// Records returns the frames in their serialized form, best first.
func (r *Report) Records() []FrameRecord {
	out := make([]FrameRecord, len(r.Frames))
	for i, rf := range r.Frames {
		p := rf.Frame.Pose()
		out[i] = FrameRecord{
			Rank:          rf.Rank,
			Score:         rf.Frame.Score(),
			Pitch:         p.Pitch(),
			Yaw:           p.Yaw(),
			Roll:          p.Roll(),
			SequenceIndex: rf.Frame.SequenceIndex(),
		}
	}
	return out
}

// MarshalJSON encodes {"frames": [...], "metadata": {...}}.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Frames   []FrameRecord `json:"frames"`
		Metadata Metadata      `json:"metadata"`
	}{
		Frames:   r.Records(),
		Metadata: r.Metadata,
	})
}

// ScoreStats returns the mean and standard deviation of the retained scores.
// The deviation is 0 when fewer than two frames were kept.
func (r *Report) ScoreStats() (mean, stdDev float64) {
	if len(r.Frames) == 0 {
		return 0, 0
	}
	scores := make([]float64, len(r.Frames))
	for i, rf := range r.Frames {
		scores[i] = rf.Frame.Score()
	}
	if len(scores) == 1 {
		return scores[0], 0
	}
	return stat.MeanStdDev(scores, nil)
}

// Release frees every payload held by the report.
func (r *Report) Release() {
	for _, rf := range r.Frames {
		rf.Frame.Release()
	}
}

// Verify recomputes each frame's score from its stored pose and returns an
// error naming the first frame whose score does not reproduce exactly.
func Verify(r *Report, s *scoring.Scorer) error {
	for _, rf := range r.Frames {
		got := s.Evaluate(rf.Frame.Pose())
		if got.Score != rf.Frame.Score() || got.Deviation != rf.Frame.Deviation() {
			return fmt.Errorf("rank %d (frame %d): stored score %v deviation %v, recomputed %v / %v",
				rf.Rank, rf.Frame.SequenceIndex(), rf.Frame.Score(), rf.Frame.Deviation(), got.Score, got.Deviation)
		}
	}
	return nil
}
