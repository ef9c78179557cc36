// Package scoring turns a normalized head pose into a frontality score.
//
// Ranking uses the magnitude of each angle, not its sign: a face turned 10°
// left is exactly as far from frontal as one turned 10° right. The signed
// values stay on the pose for display and interpretation only, so a negative
// yaw scoring the same as a positive one is intended.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/types"
)

// MaxScore is the score of a perfectly frontal pose.
const MaxScore = 100.0

// Weights are per-axis multipliers applied to absolute angles in degrees.
type Weights struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// DefaultWeights returns the calibrated weights: yaw dominates perceived
// non-frontality, then pitch, then roll.
func DefaultWeights() Weights {
	return Weights{Pitch: 1.0, Yaw: 2.5, Roll: 0.3}
}

// DefaultScale converts deviation into score points.
const DefaultScale = 0.8

// Result is the outcome of scoring a single pose.
type Result struct {
	Score     float64
	Deviation float64
}

// Scorer is a pure function of its weights and scale.
type Scorer struct {
	weights Weights
	scale   float64
}

// NewScorer validates weights and scale.
func NewScorer(w Weights, scale float64) (*Scorer, error) {
	for name, v := range map[string]float64{"pitch": w.Pitch, "yaw": w.Yaw, "roll": w.Roll} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("%s weight must be a finite value >= 0, got %v", name, v)
		}
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return nil, fmt.Errorf("deviation scale must be a finite value > 0, got %v", scale)
	}
	return &Scorer{weights: w, scale: scale}, nil
}

func (s *Scorer) Weights() Weights { return s.weights }
func (s *Scorer) Scale() float64   { return s.scale }

// Evaluate computes deviation and score for a pose.
func (s *Scorer) Evaluate(p angle.Pose) Result {
	dev := math.Abs(p.Pitch())*s.weights.Pitch +
		math.Abs(p.Yaw())*s.weights.Yaw +
		math.Abs(p.Roll())*s.weights.Roll

	// deviation >= 0 already bounds the score at 100
	score := math.Max(0, MaxScore-dev*s.scale)
	return Result{Score: score, Deviation: dev}
}

// Score builds a Frame from the pose and the estimate it was derived from.
// The payload of est moves into the returned Frame.
func (s *Scorer) Score(p angle.Pose, est types.PoseEstimate) *Frame {
	r := s.Evaluate(p)
	return &Frame{
		score:      r.Score,
		deviation:  r.Deviation,
		pose:       p,
		seq:        est.SequenceIndex,
		capturedAt: est.CapturedAt,
		payload:    est.Payload,
	}
}

// Frame is a scored frame. Score, deviation and pose always come from the
// same Evaluate call; there is no way to swap the pose afterwards.
type Frame struct {
	score      float64
	deviation  float64
	pose       angle.Pose
	seq        int64
	capturedAt time.Time
	payload    types.Payload
}

func (f *Frame) Score() float64        { return f.score }
func (f *Frame) Deviation() float64    { return f.deviation }
func (f *Frame) Pose() angle.Pose      { return f.pose }
func (f *Frame) SequenceIndex() int64  { return f.seq }
func (f *Frame) CapturedAt() time.Time { return f.capturedAt }

// Payload returns the frame data without giving up ownership.
func (f *Frame) Payload() types.Payload { return f.payload }

// Release frees the payload. Safe to call more than once.
func (f *Frame) Release() {
	if f.payload != nil {
		f.payload.Release()
		f.payload = nil
	}
}

// Better reports whether a ranks ahead of b: higher score first, and among
// equal scores the earlier sequence index.
func Better(a, b *Frame) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}
