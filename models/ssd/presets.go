package ssd

import (
	"sort"

	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/encoding"
	"github.com/nvr-ai/go-ssd/loss"
	"github.com/pkg/errors"
)

// ErrUnknownPreset is returned by NewParams for an unregistered name.
var ErrUnknownPreset = errors.New("ssd: unknown preset")

// Preset names.
const (
	PresetSSD300 = "ssd300"
	PresetSSD512 = "ssd512"
)

var presets = map[string]func() Params{
	PresetSSD300: ssd300,
	PresetSSD512: ssd512,
}

// NewParams returns a fresh copy of the named preset.
//
// Arguments:
//   - name: a registered preset, see Presets.
//
// Returns:
//   - The preset parameters; callers may modify them freely.
//   - An error wrapping ErrUnknownPreset.
//
// @example
//
//	params, err := ssd.NewParams(ssd.PresetSSD512)
//	if err != nil {
//	    return err
//	}
//	params.Loss.NegativeRatio = 2
func NewParams(name string) (Params, error) {
	fn, ok := presets[name]
	if !ok {
		return Params{}, errors.Wrapf(ErrUnknownPreset, "%q, have %v", name, Presets())
	}
	return fn(), nil
}

// Presets lists the registered preset names in order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ssd300() Params {
	return Params{
		Name:              PresetSSD300,
		ImageShape:        [2]int{300, 300},
		NumClasses:        21,
		NoAnnotationLabel: 21,
		LabelSet:          LabelSetVOC,
		FeatLayers:        []string{"block4", "block7", "block8", "block9", "block10", "block11"},
		FeatShapes:        [][2]int{{38, 38}, {19, 19}, {10, 10}, {5, 5}, {3, 3}, {1, 1}},
		AnchorSizeBounds:  [2]float32{0.15, 0.90},
		AnchorSizes: [][]float32{
			{21, 45}, {45, 99}, {99, 153}, {153, 207}, {207, 261}, {261, 315},
		},
		AnchorRatios: [][]float32{
			{2, 0.5},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5, 3, 1.0 / 3},
			{2, 0.5},
			{2, 0.5},
		},
		AnchorSteps:    []float32{8, 16, 32, 64, 100, 300},
		AnchorOffset:   anchors.DefaultOffset,
		Normalizations: []int{20, -1, -1, -1, -1, -1},
		PriorScaling:   encoding.DefaultPriorScaling,
		MatchThreshold: 0.5,
		Loss:           loss.DefaultConfig(),
	}
}

func ssd512() Params {
	return Params{
		Name:              PresetSSD512,
		ImageShape:        [2]int{512, 512},
		NumClasses:        21,
		NoAnnotationLabel: 21,
		LabelSet:          LabelSetVOC,
		FeatLayers:        []string{"block4", "block7", "block8", "block9", "block10", "block11", "block12"},
		FeatShapes:        [][2]int{{64, 64}, {32, 32}, {16, 16}, {8, 8}, {4, 4}, {2, 2}, {1, 1}},
		AnchorSizeBounds:  [2]float32{0.10, 0.90},
		AnchorSizes: [][]float32{
			{20.48, 51.2}, {51.2, 133.12}, {133.12, 215.04}, {215.04, 296.96},
			{296.96, 378.88}, {378.88, 460.8}, {460.8, 542.72},
		},
		AnchorRatios: [][]float32{
			{4, 1.0 / 4},
			{4, 8, 1.0 / 4, 1.0 / 8},
			{4, 8, 1.0 / 4, 1.0 / 8},
			{4, 8, 1.0 / 4, 1.0 / 8},
			{4, 8, 1.0 / 4, 1.0 / 8},
			{4, 1.0 / 4},
			{4, 1.0 / 4},
		},
		AnchorSteps:    []float32{8, 16, 32, 64, 128, 256, 512},
		AnchorOffset:   anchors.DefaultOffset,
		Normalizations: []int{20, -1, -1, -1, -1, -1, -1},
		PriorScaling:   encoding.DefaultPriorScaling,
		MatchThreshold: 0.5,
		Loss:           loss.DefaultConfig(),
	}
}
