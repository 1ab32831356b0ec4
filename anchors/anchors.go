package anchors

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ssd/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Anchor is a reference box in relative center form (cx, cy, w, h).
type Anchor = common.CenterBox

// LevelRange locates one pyramid level inside an AnchorSet.
type LevelRange struct {
	// Start is the index of the level's first anchor.
	Start int
	// Count is the number of anchors of the level.
	Count int
	// PerCell is the number of anchors per feature-map cell.
	PerCell int
	// FeatureShape is the (height, width) of the level's feature map.
	FeatureShape [2]int
}

// AnchorSet is the ordered concatenation of the anchors of every level: level
// order, then row-major cell order, then per-cell shape order. The index of an
// anchor in this ordering is the index of its prediction after flattening.
type AnchorSet struct {
	data   *tensor.Dense
	levels []LevelRange
}

// Generate computes the anchors of all levels of cfg.
//
// The computation is pure: identical configurations yield bit-identical sets.
//
// Arguments:
//   - cfg: The anchor configuration; it is validated first.
//
// Returns:
//   - An AnchorSet of shape (N, 4) with layout (cx, cy, w, h).
//   - An error if the configuration is invalid.
func Generate(cfg Config) (*AnchorSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := cfg.Count()
	backing := make([]float32, 0, total*4)
	levels := make([]LevelRange, 0, len(cfg.Levels))

	start := 0
	for i, l := range cfg.Levels {
		layer, err := GenerateLevel(cfg.ImageShape, l, cfg.Offset)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", i)
		}
		backing = append(backing, layer.Float32s()...)
		levels = append(levels, LevelRange{
			Start:        start,
			Count:        l.Count(),
			PerCell:      l.PerCell(),
			FeatureShape: l.FeatureShape,
		})
		start += l.Count()
	}

	return &AnchorSet{
		data:   tensor.New(tensor.WithShape(total, 4), tensor.WithBacking(backing)),
		levels: levels,
	}, nil
}

// GenerateLevel computes the anchors of one pyramid level.
//
// Cell centers use the stride rather than an equal partition of the image:
// center_y = (i + offset) * step / image_height, and likewise for x. Every
// cell carries the same shapes, in this order:
//
//	0: size[0] x size[0]
//	1: sqrt(size[0]*size[1]) squared, only when a second size is given
//	then one anchor per ratio r: width size[0]*sqrt(r), height size[0]/sqrt(r)
//
// Returns a (H*W*PerCell, 4) tensor with layout (cx, cy, w, h).
func GenerateLevel(imageShape [2]int, l LevelConfig, offset float32) (*tensor.Dense, error) {
	if imageShape[0] <= 0 || imageShape[1] <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "image shape %v", imageShape)
	}
	if l.FeatureShape[0] <= 0 || l.FeatureShape[1] <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "feature shape %v", l.FeatureShape)
	}
	if len(l.Sizes) == 0 {
		return nil, errors.Wrap(ErrInvalidLevel, "no reference size")
	}

	imgH := float32(imageShape[0])
	imgW := float32(imageShape[1])
	ws, hs := shapes(imgH, imgW, l.Sizes, l.Ratios)

	fh, fw := l.FeatureShape[0], l.FeatureShape[1]
	perCell := len(ws)
	backing := make([]float32, fh*fw*perCell*4)

	idx := 0
	for i := 0; i < fh; i++ {
		cy := (float32(i) + offset) * l.Step / imgH
		for j := 0; j < fw; j++ {
			cx := (float32(j) + offset) * l.Step / imgW
			for k := 0; k < perCell; k++ {
				backing[idx] = cx
				backing[idx+1] = cy
				backing[idx+2] = ws[k]
				backing[idx+3] = hs[k]
				idx += 4
			}
		}
	}

	return tensor.New(tensor.WithShape(fh*fw*perCell, 4), tensor.WithBacking(backing)), nil
}

// shapes returns the relative widths and heights of the per-cell anchors.
func shapes(imgH, imgW float32, sizes, ratios []float32) ([]float32, []float32) {
	n := len(sizes) + len(ratios)
	ws := make([]float32, n)
	hs := make([]float32, n)

	ws[0] = sizes[0] / imgW
	hs[0] = sizes[0] / imgH

	di := 1
	if len(sizes) > 1 {
		s := math32.Sqrt(sizes[0] * sizes[1])
		ws[1] = s / imgW
		hs[1] = s / imgH
		di++
	}

	for i, r := range ratios {
		sr := math32.Sqrt(r)
		hs[i+di] = sizes[0] / imgH / sr
		ws[i+di] = sizes[0] / imgW * sr
	}
	return ws, hs
}

// Len returns the number of anchors in the set.
func (s *AnchorSet) Len() int {
	return s.data.Shape()[0]
}

// At returns the i-th anchor.
func (s *AnchorSet) At(i int) Anchor {
	d := s.data.Float32s()[i*4 : i*4+4]
	return Anchor{CX: d[0], CY: d[1], W: d[2], H: d[3]}
}

// Levels returns the location of every level inside the set.
func (s *AnchorSet) Levels() []LevelRange {
	return append([]LevelRange(nil), s.levels...)
}

// Level returns the anchors of level i as a (Count, 4) tensor copy.
func (s *AnchorSet) Level(i int) (*tensor.Dense, error) {
	if i < 0 || i >= len(s.levels) {
		return nil, errors.Errorf("level %d out of range [0, %d)", i, len(s.levels))
	}
	r := s.levels[i]
	backing := append([]float32(nil), s.data.Float32s()[r.Start*4:(r.Start+r.Count)*4]...)
	return tensor.New(tensor.WithShape(r.Count, 4), tensor.WithBacking(backing)), nil
}

// Tensor returns a copy of the (N, 4) anchor tensor. The set itself is never
// mutated after generation.
func (s *AnchorSet) Tensor() *tensor.Dense {
	backing := append([]float32(nil), s.data.Float32s()...)
	return tensor.New(tensor.WithShape(s.Len(), 4), tensor.WithBacking(backing))
}

// Anchors returns all anchors as a slice.
func (s *AnchorSet) Anchors() []Anchor {
	out := make([]Anchor, s.Len())
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}
