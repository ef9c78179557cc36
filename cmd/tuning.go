package cmd

import (
	"github.com/andresmejia3/bestframe/internal/config"
	"github.com/andresmejia3/bestframe/internal/scoring"
	"github.com/andresmejia3/bestframe/internal/session"
	"github.com/spf13/cobra"
)

// tuningFlags are per-run overrides of the tuning file.
type tuningFlags struct {
	capacity    int
	pitchWeight float64
	yawWeight   float64
	rollWeight  float64
	scale       float64
}

var (
	scanTuning tuningFlags
	rankTuning tuningFlags
)

func addTuningFlags(cmd *cobra.Command, tf *tuningFlags) {
	w := scoring.DefaultWeights()
	cmd.Flags().IntVarP(&tf.capacity, "capacity", "k", session.DefaultCapacity, "Number of best frames to keep")
	cmd.Flags().Float64Var(&tf.pitchWeight, "pitch-weight", w.Pitch, "Weight of |pitch| in the deviation")
	cmd.Flags().Float64Var(&tf.yawWeight, "yaw-weight", w.Yaw, "Weight of |yaw| in the deviation")
	cmd.Flags().Float64Var(&tf.rollWeight, "roll-weight", w.Roll, "Weight of |roll| in the deviation")
	cmd.Flags().Float64Var(&tf.scale, "scale", scoring.DefaultScale, "Score points lost per degree of deviation")
}

// resolveTuning loads the tuning file (if any) and applies the flags the
// user actually set on top of it.
func resolveTuning(cmd *cobra.Command, path string, tf tuningFlags) (*config.TuningConfig, error) {
	cfg, err := loadTuning(path)
	if err != nil {
		return nil, err
	}
	changed := func(name string) bool { return cmd != nil && cmd.Flags().Changed(name) }

	if changed("capacity") {
		cfg.Capacity = &tf.capacity
	}
	if changed("pitch-weight") {
		cfg.PitchWeight = &tf.pitchWeight
	}
	if changed("yaw-weight") {
		cfg.YawWeight = &tf.yawWeight
	}
	if changed("roll-weight") {
		cfg.RollWeight = &tf.rollWeight
	}
	if changed("scale") {
		cfg.DeviationScale = &tf.scale
	}
	return cfg, nil
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}
