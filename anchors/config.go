// Package anchors generates the default (reference) boxes that tile an image
// at every level of a convolutional feature pyramid.
package anchors

import (
	"github.com/pkg/errors"
)

// DefaultOffset is the fractional cell-center offset used when none is given.
const DefaultOffset float32 = 0.5

var (
	// ErrNonSquareImage is returned when the image height differs from its width.
	ErrNonSquareImage = errors.New("anchors: image shape must be square")
	// ErrLengthMismatch is returned when per-level lists do not line up.
	ErrLengthMismatch = errors.New("anchors: per-level configuration lengths differ")
	// ErrInvalidShape is returned for non-positive image or feature shapes.
	ErrInvalidShape = errors.New("anchors: shape must be positive")
	// ErrInvalidLevel is returned for a level with bad sizes, ratios or step.
	ErrInvalidLevel = errors.New("anchors: invalid level configuration")
)

// LevelConfig describes the anchors of a single pyramid level.
type LevelConfig struct {
	// FeatureShape is the (height, width) of the level's feature map.
	FeatureShape [2]int `json:"feature_shape" yaml:"feature_shape"`
	// Sizes holds one or two absolute reference sizes in pixels.
	Sizes []float32 `json:"sizes" yaml:"sizes"`
	// Ratios holds the extra aspect ratios, applied to the first size only.
	Ratios []float32 `json:"ratios" yaml:"ratios"`
	// Step is the stride in pixels between neighbouring cells.
	Step float32 `json:"step" yaml:"step"`
}

// PerCell returns the number of anchors emitted for each feature-map cell.
func (l LevelConfig) PerCell() int {
	return len(l.Sizes) + len(l.Ratios)
}

// Count returns the number of anchors of the level.
func (l LevelConfig) Count() int {
	return l.FeatureShape[0] * l.FeatureShape[1] * l.PerCell()
}

// Config is the full, immutable anchor configuration. Levels are ordered from
// the finest (largest feature map) to the coarsest.
type Config struct {
	ImageShape [2]int        `json:"image_shape" yaml:"image_shape"`
	Levels     []LevelConfig `json:"levels" yaml:"levels"`
	Offset     float32       `json:"offset" yaml:"offset"`
}

// NewConfig assembles a Config from the parallel per-level lists of the
// detector parameters and validates it.
//
// Arguments:
//   - imageShape: (height, width) of the network input, must be square.
//   - featShapes: per-level feature map (height, width).
//   - sizes: per-level reference sizes (1 or 2 values).
//   - ratios: per-level aspect ratios.
//   - steps: per-level strides in pixels.
//   - offset: cell-center offset, usually DefaultOffset.
//
// Returns:
//   - The validated Config, or an error wrapping ErrLengthMismatch,
//     ErrNonSquareImage, ErrInvalidShape or ErrInvalidLevel.
func NewConfig(imageShape [2]int, featShapes [][2]int, sizes, ratios [][]float32, steps []float32, offset float32) (Config, error) {
	n := len(featShapes)
	if len(sizes) != n || len(ratios) != n || len(steps) != n {
		return Config{}, errors.Wrapf(ErrLengthMismatch,
			"feat_shapes=%d sizes=%d ratios=%d steps=%d", n, len(sizes), len(ratios), len(steps))
	}

	levels := make([]LevelConfig, n)
	for i := range featShapes {
		levels[i] = LevelConfig{
			FeatureShape: featShapes[i],
			Sizes:        append([]float32(nil), sizes[i]...),
			Ratios:       append([]float32(nil), ratios[i]...),
			Step:         steps[i],
		}
	}

	cfg := Config{ImageShape: imageShape, Levels: levels, Offset: offset}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports the first defect found.
func (c Config) Validate() error {
	if c.ImageShape[0] <= 0 || c.ImageShape[1] <= 0 {
		return errors.Wrapf(ErrInvalidShape, "image shape %v", c.ImageShape)
	}
	if c.ImageShape[0] != c.ImageShape[1] {
		return errors.Wrapf(ErrNonSquareImage, "got %dx%d", c.ImageShape[0], c.ImageShape[1])
	}
	if len(c.Levels) == 0 {
		return errors.Wrap(ErrInvalidLevel, "no levels configured")
	}
	for i, l := range c.Levels {
		if l.FeatureShape[0] <= 0 || l.FeatureShape[1] <= 0 {
			return errors.Wrapf(ErrInvalidShape, "level %d feature shape %v", i, l.FeatureShape)
		}
		if len(l.Sizes) < 1 || len(l.Sizes) > 2 {
			return errors.Wrapf(ErrInvalidLevel, "level %d has %d sizes, want 1 or 2", i, len(l.Sizes))
		}
		for _, s := range l.Sizes {
			if s <= 0 {
				return errors.Wrapf(ErrInvalidLevel, "level %d size %v", i, s)
			}
		}
		for _, r := range l.Ratios {
			if r <= 0 {
				return errors.Wrapf(ErrInvalidLevel, "level %d ratio %v", i, r)
			}
		}
		if l.Step <= 0 {
			return errors.Wrapf(ErrInvalidLevel, "level %d step %v", i, l.Step)
		}
	}
	return nil
}

// Count returns the total number of anchors the configuration generates.
func (c Config) Count() int {
	total := 0
	for _, l := range c.Levels {
		total += l.Count()
	}
	return total
}
