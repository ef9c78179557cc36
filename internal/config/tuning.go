// Package config loads selection tuning from JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bestframe/internal/pipeline"
	"github.com/andresmejia3/bestframe/internal/session"
)

// TuningConfig mirrors the tuning file. Every field is optional; nil means
// "use the default".
type TuningConfig struct {
	// Selection
	Capacity       *int     `json:"capacity,omitempty"`
	PitchWeight    *float64 `json:"pitch_weight,omitempty"`
	YawWeight      *float64 `json:"yaw_weight,omitempty"`
	RollWeight     *float64 `json:"roll_weight,omitempty"`
	DeviationScale *float64 `json:"deviation_scale,omitempty"`

	// Angle normalization policy
	WrapThreshold  *float64 `json:"wrap_threshold,omitempty"`
	CanonicalRange *float64 `json:"canonical_range,omitempty"` // half range: 90 or 180

	// Ingestion queue
	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	DropPolicy    *string `json:"drop_policy,omitempty"` // "block" or "drop-oldest"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// DefaultTuningConfig returns a TuningConfig with every field set to its default.
func DefaultTuningConfig() *TuningConfig {
	d := session.DefaultConfig()
	return &TuningConfig{
		Capacity:       ptrInt(d.Capacity),
		PitchWeight:    ptrFloat64(d.Weights.Pitch),
		YawWeight:      ptrFloat64(d.Weights.Yaw),
		RollWeight:     ptrFloat64(d.Weights.Roll),
		DeviationScale: ptrFloat64(d.Scale),
		WrapThreshold:  ptrFloat64(d.Policy.WrapThreshold),
		CanonicalRange: ptrFloat64(d.Policy.HalfRange),
		QueueCapacity:  ptrInt(pipeline.DefaultQueueCapacity),
		DropPolicy:     ptrString(string(pipeline.Block)),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// Fields omitted from the file keep their default values, so partial configs
// are safe. Unknown fields are rejected to catch typos.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := DefaultTuningConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Getters fall back to defaults for nil fields.

func (c *TuningConfig) GetCapacity() int {
	if c.Capacity == nil {
		return session.DefaultCapacity
	}
	return *c.Capacity
}

func (c *TuningConfig) GetPitchWeight() float64 {
	return orFloat(c.PitchWeight, session.DefaultConfig().Weights.Pitch)
}

func (c *TuningConfig) GetYawWeight() float64 {
	return orFloat(c.YawWeight, session.DefaultConfig().Weights.Yaw)
}

func (c *TuningConfig) GetRollWeight() float64 {
	return orFloat(c.RollWeight, session.DefaultConfig().Weights.Roll)
}

func (c *TuningConfig) GetDeviationScale() float64 {
	return orFloat(c.DeviationScale, session.DefaultConfig().Scale)
}

func (c *TuningConfig) GetWrapThreshold() float64 {
	return orFloat(c.WrapThreshold, session.DefaultConfig().Policy.WrapThreshold)
}

func (c *TuningConfig) GetCanonicalRange() float64 {
	return orFloat(c.CanonicalRange, session.DefaultConfig().Policy.HalfRange)
}

func (c *TuningConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return pipeline.DefaultQueueCapacity
	}
	return *c.QueueCapacity
}

func (c *TuningConfig) GetDropPolicy() pipeline.DropPolicy {
	if c.DropPolicy == nil {
		return pipeline.Block
	}
	return pipeline.DropPolicy(*c.DropPolicy)
}

func orFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// SessionConfig converts the tuning into a validated session.Config.
// Failures wrap session.ErrInvalidConfig.
func (c *TuningConfig) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.Capacity = c.GetCapacity()
	cfg.Weights.Pitch = c.GetPitchWeight()
	cfg.Weights.Yaw = c.GetYawWeight()
	cfg.Weights.Roll = c.GetRollWeight()
	cfg.Scale = c.GetDeviationScale()
	cfg.Policy.WrapThreshold = c.GetWrapThreshold()
	cfg.Policy.HalfRange = c.GetCanonicalRange()

	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// QueueOptions converts the ingestion settings into pipeline options.
func (c *TuningConfig) QueueOptions() (pipeline.QueueOptions, error) {
	opts := pipeline.QueueOptions{Capacity: c.GetQueueCapacity(), Policy: c.GetDropPolicy()}
	if err := opts.Validate(); err != nil {
		return pipeline.QueueOptions{}, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}
	return opts, nil
}
