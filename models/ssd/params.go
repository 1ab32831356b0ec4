// Package ssd bundles the parameters of a Single Shot Detector and ties the
// anchor generator, the box encoder and the loss engine together.
package ssd

import (
	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/encoding"
	"github.com/nvr-ai/go-ssd/heads"
	"github.com/nvr-ai/go-ssd/loss"
	"github.com/pkg/errors"
)

// ErrInvalidParams is returned when a Params value is inconsistent.
var ErrInvalidParams = errors.New("ssd: invalid parameters")

// Params is the full parameter bundle of one detector configuration.
type Params struct {
	// Name identifies the configuration, e.g. "ssd512".
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// ImageShape is the (height, width) of the network input.
	ImageShape [2]int `json:"img_shape" yaml:"img_shape" mapstructure:"img_shape"`
	// NumClasses counts the background class.
	NumClasses int `json:"num_classes" yaml:"num_classes" mapstructure:"num_classes"`
	// NoAnnotationLabel marks ground truth the encoder ignores.
	NoAnnotationLabel int `json:"no_annotation_label" yaml:"no_annotation_label" mapstructure:"no_annotation_label"`
	// LabelSet optionally names the classes, see LookupLabelSet.
	LabelSet string `json:"label_set,omitempty" yaml:"label_set,omitempty" mapstructure:"label_set"`
	// FeatLayers names the backbone layers the heads attach to.
	FeatLayers []string `json:"feat_layers" yaml:"feat_layers" mapstructure:"feat_layers"`
	// FeatShapes is the (height, width) grid of every feature layer.
	FeatShapes [][2]int `json:"feat_shapes" yaml:"feat_shapes" mapstructure:"feat_shapes"`
	// AnchorSizeBounds are the relative scale bounds AnchorSizes derive from.
	AnchorSizeBounds [2]float32 `json:"anchor_size_bounds" yaml:"anchor_size_bounds" mapstructure:"anchor_size_bounds"`
	// AnchorSizes holds one or two reference sizes in pixels per layer.
	AnchorSizes [][]float32 `json:"anchor_sizes" yaml:"anchor_sizes" mapstructure:"anchor_sizes"`
	// AnchorRatios holds the extra aspect ratios per layer.
	AnchorRatios [][]float32 `json:"anchor_ratios" yaml:"anchor_ratios" mapstructure:"anchor_ratios"`
	// AnchorSteps is the pixel stride of every layer.
	AnchorSteps []float32 `json:"anchor_steps" yaml:"anchor_steps" mapstructure:"anchor_steps"`
	// AnchorOffset positions anchor centers inside a cell.
	AnchorOffset float32 `json:"anchor_offset" yaml:"anchor_offset" mapstructure:"anchor_offset"`
	// Normalizations is the L2 normalization scale per layer, -1 for none.
	Normalizations []int `json:"normalizations" yaml:"normalizations" mapstructure:"normalizations"`
	// PriorScaling divides the encoded (cx, cy, w, h) offsets.
	PriorScaling [4]float32 `json:"prior_scaling" yaml:"prior_scaling" mapstructure:"prior_scaling"`
	// MatchThreshold is the IoU under which a matched anchor is background.
	MatchThreshold float32 `json:"match_threshold" yaml:"match_threshold" mapstructure:"match_threshold"`
	// Loss holds the loss hyper-parameters.
	Loss loss.Config `json:"loss" yaml:"loss" mapstructure:"loss"`
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	c := p
	c.FeatLayers = append([]string(nil), p.FeatLayers...)
	c.FeatShapes = append([][2]int(nil), p.FeatShapes...)
	c.AnchorSizes = cloneRows(p.AnchorSizes)
	c.AnchorRatios = cloneRows(p.AnchorRatios)
	c.AnchorSteps = append([]float32(nil), p.AnchorSteps...)
	c.Normalizations = append([]int(nil), p.Normalizations...)
	return c
}

func cloneRows(rows [][]float32) [][]float32 {
	if rows == nil {
		return nil
	}
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = append([]float32{}, r...)
	}
	return out
}

// Validate checks that the per-layer lists agree and that the derived anchor,
// encoder and loss configurations are valid.
func (p Params) Validate() error {
	n := len(p.FeatLayers)
	if n == 0 {
		return errors.Wrap(ErrInvalidParams, "no feature layers")
	}
	lists := []struct {
		name string
		len  int
	}{
		{"feat_shapes", len(p.FeatShapes)},
		{"anchor_sizes", len(p.AnchorSizes)},
		{"anchor_ratios", len(p.AnchorRatios)},
		{"anchor_steps", len(p.AnchorSteps)},
		{"normalizations", len(p.Normalizations)},
	}
	for _, l := range lists {
		if l.len != n {
			return errors.Wrapf(ErrInvalidParams, "%s has %d entries for %d feature layers", l.name, l.len, n)
		}
	}
	if p.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidParams, "num_classes %d", p.NumClasses)
	}
	if p.NoAnnotationLabel < p.NumClasses {
		return errors.Wrapf(ErrInvalidParams, "no_annotation_label %d collides with classes [0, %d)", p.NoAnnotationLabel, p.NumClasses)
	}
	if p.LabelSet != "" {
		labels, err := LookupLabelSet(p.LabelSet)
		if err != nil {
			return err
		}
		if labels.Len() != p.NumClasses {
			return errors.Wrapf(ErrInvalidParams, "label set %s has %d classes, num_classes is %d", p.LabelSet, labels.Len(), p.NumClasses)
		}
	}
	if p.MatchThreshold < 0 || p.MatchThreshold > 1 {
		return errors.Wrapf(ErrInvalidParams, "match_threshold %v", p.MatchThreshold)
	}
	for i, s := range p.PriorScaling {
		if s <= 0 {
			return errors.Wrapf(ErrInvalidParams, "prior_scaling[%d] %v", i, s)
		}
	}
	if _, err := p.AnchorConfig(); err != nil {
		return err
	}
	return p.Loss.Validate()
}

// AnchorConfig returns the anchor generator configuration.
func (p Params) AnchorConfig() (anchors.Config, error) {
	return anchors.NewConfig(p.ImageShape, p.FeatShapes, p.AnchorSizes, p.AnchorRatios, p.AnchorSteps, p.AnchorOffset)
}

// EncoderConfig returns the box encoder configuration.
func (p Params) EncoderConfig() encoding.Config {
	return encoding.Config{
		NumClasses:     p.NumClasses,
		MatchThreshold: p.MatchThreshold,
		PriorScaling:   p.PriorScaling,
	}
}

// AnchorsPerCell returns the number of anchors each layer predicts per cell,
// the depth of its prediction heads.
func (p Params) AnchorsPerCell() []int {
	out := make([]int, len(p.AnchorSizes))
	for i := range out {
		out[i] = heads.NumAnchors(p.AnchorSizes[i], p.AnchorRatios[i])
	}
	return out
}

// WithSizesFromBounds returns a copy of p whose AnchorSizes are derived from
// AnchorSizeBounds.
func (p Params) WithSizesFromBounds() (Params, error) {
	sizes, err := anchors.SizeBoundsToValues(p.AnchorSizeBounds, len(p.FeatLayers), p.ImageShape)
	if err != nil {
		return Params{}, err
	}
	if len(sizes) < len(p.FeatLayers) {
		return Params{}, errors.Wrapf(ErrInvalidParams, "size bounds %v yield %d sizes for %d layers", p.AnchorSizeBounds, len(sizes), len(p.FeatLayers))
	}
	c := p.Clone()
	c.AnchorSizes = sizes[:len(p.FeatLayers)]
	return c, nil
}
