// Package loss computes the detector's classification and localization losses
// with per-image hard-negative mining.
package loss

import (
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when inputs disagree on batch, anchor or
	// class dimensions.
	ErrShapeMismatch = errors.New("loss: input shapes do not match")
	// ErrNonFinite is returned when logits or confidences hold NaN or Inf.
	ErrNonFinite = errors.New("loss: non-finite prediction")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("loss: invalid configuration")
)

// Config holds the loss hyper-parameters. It is passed by value and never
// mutated by the engine.
type Config struct {
	// NegativeRatio is the number of hard negatives kept per positive.
	NegativeRatio float32 `json:"negative_ratio" yaml:"negative_ratio" mapstructure:"negative_ratio"`
	// Alpha weighs the localization loss.
	Alpha float32 `json:"alpha" yaml:"alpha" mapstructure:"alpha"`
	// LabelSmoothing softens one-hot targets; 0 disables it.
	LabelSmoothing float32 `json:"label_smoothing" yaml:"label_smoothing" mapstructure:"label_smoothing"`
	// Workers bounds the goroutines mining images concurrently. 0 uses one
	// worker per CPU, resolved by NewEngine; 1 mines sequentially.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the standard SSD loss settings.
func DefaultConfig() Config {
	return Config{
		NegativeRatio:  3,
		Alpha:          1,
		LabelSmoothing: 0,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.NegativeRatio < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative_ratio %v", c.NegativeRatio)
	}
	if c.Alpha < 0 {
		return errors.Wrapf(ErrInvalidConfig, "alpha %v", c.Alpha)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "label_smoothing %v not in [0, 1)", c.LabelSmoothing)
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers %d", c.Workers)
	}
	return nil
}
