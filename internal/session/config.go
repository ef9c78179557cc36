package session

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/scoring"
)

// ErrInvalidConfig is returned when an accumulator cannot be built from a Config.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultCapacity is the number of best frames kept per session.
const DefaultCapacity = 5

// Config holds everything needed to build an Accumulator.
type Config struct {
	Capacity int
	Weights  scoring.Weights
	Scale    float64
	Policy   angle.Policy
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Weights:  scoring.DefaultWeights(),
		Scale:    scoring.DefaultScale,
		Policy:   angle.DefaultPolicy(),
	}
}

// Validate reports the first out-of-range value, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	_, _, err := c.build()
	return err
}

func (c Config) build() (*angle.Normalizer, *scoring.Scorer, error) {
	if c.Capacity < 1 {
		return nil, nil, fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidConfig, c.Capacity)
	}
	norm, err := angle.NewNormalizer(c.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	scorer, err := scoring.NewScorer(c.Weights, c.Scale)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return norm, scorer, nil
}
