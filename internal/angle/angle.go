// Package angle canonicalizes head-pose Euler angles.
//
// Every angle that is scored, displayed or persisted passes through exactly one
// Normalizer call. The only way to obtain a Pose is NormalizePose, so code
// holding a Pose can rely on it having been normalized once with a known policy.
package angle

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidAngle is returned for NaN or infinite input.
var ErrInvalidAngle = errors.New("invalid angle")

// Default policy constants. They compensate for the approximate 3D face model
// and camera intrinsics used upstream and are not physical laws.
const (
	DefaultWrapThreshold = 150.0
	DefaultHalfRange     = 90.0
)

// Policy controls how raw angles are canonicalized.
type Policy struct {
	// WrapThreshold is the magnitude above which a value in (-180, 180] is
	// treated as an axis-angle extraction artifact near ±180 and folded back
	// to 180-|v| with its sign kept.
	WrapThreshold float64
	// HalfRange selects the output range (-HalfRange, HalfRange]. 90 or 180.
	HalfRange float64
}

// DefaultPolicy returns the calibrated policy: threshold 150°, range (-90, 90].
func DefaultPolicy() Policy {
	return Policy{WrapThreshold: DefaultWrapThreshold, HalfRange: DefaultHalfRange}
}

// Validate rejects policies under which normalization would not be idempotent.
func (p Policy) Validate() error {
	if p.HalfRange != 90 && p.HalfRange != 180 {
		return fmt.Errorf("half range must be 90 or 180, got %v", p.HalfRange)
	}
	// Below 90 a folded value can exceed the threshold again on a second pass.
	if math.IsNaN(p.WrapThreshold) || p.WrapThreshold < 90 || p.WrapThreshold > 180 {
		return fmt.Errorf("wrap threshold must be within [90, 180], got %v", p.WrapThreshold)
	}
	return nil
}

// Normalizer applies a validated Policy.
type Normalizer struct {
	policy Policy
}

// NewNormalizer validates the policy and returns a Normalizer for it.
func NewNormalizer(p Policy) (*Normalizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{policy: p}, nil
}

// Policy returns the policy in effect.
func (n *Normalizer) Policy() Policy {
	return n.policy
}

// Normalize maps any finite angle in degrees into (-HalfRange, HalfRange].
//
// Values on a boundary resolve to the positive side: with the default policy
// Normalize(-90) is 90, and both 180 and -180 fold to 0. Apart from those
// boundaries Normalize(-x) == -Normalize(x).
func (n *Normalizer) Normalize(deg float64) (float64, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAngle, deg)
	}

	v := reduce(deg, 180)

	if a := math.Abs(v); a > n.policy.WrapThreshold {
		v = math.Copysign(180-a, v)
	}

	v = reduce(v, n.policy.HalfRange)

	// -0 and 0 compare equal but print differently in reports.
	if v == 0 {
		v = 0
	}
	return v, nil
}

// reduce maps v into (-half, half] by whole multiples of 2*half.
func reduce(v, half float64) float64 {
	if v > -half && v <= half {
		return v
	}
	period := 2 * half
	v = math.Mod(v, period)
	if v > half {
		v -= period
	} else if v <= -half {
		v += period
	}
	return v
}

// Pose is a normalized (pitch, yaw, roll) triple in degrees.
// It is immutable and can only be produced by Normalizer.NormalizePose.
type Pose struct {
	pitch float64
	yaw   float64
	roll  float64
}

// NormalizePose normalizes all three components in one pass.
// On error no Pose is returned; the error names the offending axis.
func (n *Normalizer) NormalizePose(pitch, yaw, roll float64) (Pose, error) {
	p, err := n.Normalize(pitch)
	if err != nil {
		return Pose{}, fmt.Errorf("pitch: %w", err)
	}
	y, err := n.Normalize(yaw)
	if err != nil {
		return Pose{}, fmt.Errorf("yaw: %w", err)
	}
	r, err := n.Normalize(roll)
	if err != nil {
		return Pose{}, fmt.Errorf("roll: %w", err)
	}
	return Pose{pitch: p, yaw: y, roll: r}, nil
}

func (p Pose) Pitch() float64 { return p.pitch }
func (p Pose) Yaw() float64   { return p.yaw }
func (p Pose) Roll() float64  { return p.roll }

func (p Pose) String() string {
	return fmt.Sprintf("pitch=%.2f yaw=%.2f roll=%.2f", p.pitch, p.yaw, p.roll)
}
