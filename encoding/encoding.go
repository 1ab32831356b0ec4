// Package encoding matches ground-truth boxes to anchors and converts between
// boxes and the scaled localization offsets predicted by the detector.
package encoding

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultPriorScaling holds the variances applied to (cx, cy, w, h) offsets.
var DefaultPriorScaling = [4]float32{0.1, 0.1, 0.2, 0.2}

// Config configures an Encoder.
type Config struct {
	// NumClasses counts the background class; labels must be < NumClasses
	// to be matched.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// MatchThreshold is the IoU below which a matched anchor is relabelled
	// as background. Its score is kept.
	MatchThreshold float32 `json:"match_threshold" yaml:"match_threshold"`
	// PriorScaling divides the (cx, cy, log w, log h) offsets.
	PriorScaling [4]float32 `json:"prior_scaling" yaml:"prior_scaling"`
}

// Targets are the per-anchor training targets of one image.
type Targets struct {
	// Classes holds the matched label of each anchor, 0 for background.
	Classes []int32
	// Scores holds the IoU of each anchor with its matched box.
	Scores []float32
	// Localizations holds 4 scaled offsets per anchor.
	Localizations []float32
}

// Encoder produces Targets for a fixed AnchorSet.
type Encoder struct {
	cfg     Config
	anchors []anchors.Anchor
	corners []common.Box
}

// NewEncoder creates an encoder over the given anchors.
func NewEncoder(set *anchors.AnchorSet, cfg Config) (*Encoder, error) {
	if set == nil || set.Len() == 0 {
		return nil, errors.New("encoding: empty anchor set")
	}
	if cfg.NumClasses < 2 {
		return nil, errors.Errorf("encoding: num_classes must be >= 2, got %d", cfg.NumClasses)
	}
	for i, p := range cfg.PriorScaling {
		if p <= 0 {
			return nil, errors.Errorf("encoding: prior_scaling[%d] must be positive, got %v", i, p)
		}
	}

	as := set.Anchors()
	corners := make([]common.Box, len(as))
	for i, a := range as {
		corners[i] = a.Corners()
	}
	return &Encoder{cfg: cfg, anchors: as, corners: corners}, nil
}

// NumAnchors returns the number of anchors the encoder targets.
func (e *Encoder) NumAnchors() int {
	return len(e.anchors)
}

// Encode matches the ground truth of one image to the anchors.
//
// Ground-truth boxes are visited in order; an anchor takes a box when its IoU
// is strictly greater than the best IoU seen so far, so the earlier box wins
// ties. Labels >= NumClasses (e.g. a "no annotation" label) are never matched.
//
// Arguments:
//   - labels: class id per ground-truth box.
//   - boxes: relative ground-truth boxes, same length as labels.
//
// Returns:
//   - Targets for every anchor.
func (e *Encoder) Encode(labels []int32, boxes []common.Box) (*Targets, error) {
	if len(labels) != len(boxes) {
		return nil, errors.Errorf("encoding: %d labels for %d boxes", len(labels), len(boxes))
	}

	n := len(e.anchors)
	classes := make([]int32, n)
	scores := make([]float32, n)
	matched := make([]common.Box, n)
	for i := range matched {
		matched[i] = common.Box{YMin: 0, XMin: 0, YMax: 1, XMax: 1}
	}

	for g, box := range boxes {
		label := labels[g]
		if label < 0 || int(label) >= e.cfg.NumClasses {
			continue
		}
		for i, a := range e.corners {
			iou := a.IoU(box)
			if iou > scores[i] {
				scores[i] = iou
				classes[i] = label
				matched[i] = box
			}
		}
	}

	for i := range classes {
		if scores[i] < e.cfg.MatchThreshold {
			classes[i] = 0
		}
	}

	locs := make([]float32, n*4)
	for i, a := range e.anchors {
		e.encodeOne(a, matched[i], locs[i*4:i*4+4])
	}

	return &Targets{Classes: classes, Scores: scores, Localizations: locs}, nil
}

func (e *Encoder) encodeOne(a anchors.Anchor, box common.Box, out []float32) {
	c := box.Center()
	p := e.cfg.PriorScaling
	out[0] = (c.CX - a.CX) / a.W / p[0]
	out[1] = (c.CY - a.CY) / a.H / p[1]
	out[2] = math32.Log(c.W/a.W) / p[2]
	out[3] = math32.Log(c.H/a.H) / p[3]
}

// Decode converts predicted offsets of shape (anchors, 4) or (batch, anchors, 4)
// back to corner boxes, one slice per image.
func (e *Encoder) Decode(localizations *tensor.Dense) ([][]common.Box, error) {
	s := localizations.Shape()
	var batch int
	switch {
	case len(s) == 2 && s[0] == len(e.anchors) && s[1] == 4:
		batch = 1
	case len(s) == 3 && s[1] == len(e.anchors) && s[2] == 4:
		batch = s[0]
	default:
		return nil, errors.Errorf("encoding: localizations shape %v, want (batch, %d, 4)", s, len(e.anchors))
	}

	data := localizations.Float32s()
	p := e.cfg.PriorScaling
	out := make([][]common.Box, batch)
	for b := 0; b < batch; b++ {
		boxes := make([]common.Box, len(e.anchors))
		for i, a := range e.anchors {
			l := data[(b*len(e.anchors)+i)*4:]
			c := common.CenterBox{
				CX: l[0]*a.W*p[0] + a.CX,
				CY: l[1]*a.H*p[1] + a.CY,
				W:  a.W * math32.Exp(l[2]*p[2]),
				H:  a.H * math32.Exp(l[3]*p[3]),
			}
			boxes[i] = c.Corners()
		}
		out[b] = boxes
	}
	return out, nil
}

// Stack packs per-image targets into batch tensors: classes (batch, anchors)
// int32, scores (batch, anchors) float32 and localizations (batch, anchors, 4).
func Stack(images []*Targets) (classes, scores, localizations *tensor.Dense, err error) {
	if len(images) == 0 {
		return nil, nil, nil, errors.New("encoding: empty batch")
	}
	n := len(images[0].Classes)
	cls := make([]int32, 0, len(images)*n)
	sc := make([]float32, 0, len(images)*n)
	locs := make([]float32, 0, len(images)*n*4)
	for i, t := range images {
		if len(t.Classes) != n || len(t.Scores) != n || len(t.Localizations) != n*4 {
			return nil, nil, nil, errors.Errorf("encoding: image %d targets do not cover %d anchors", i, n)
		}
		cls = append(cls, t.Classes...)
		sc = append(sc, t.Scores...)
		locs = append(locs, t.Localizations...)
	}
	b := len(images)
	return tensor.New(tensor.WithShape(b, n), tensor.WithBacking(cls)),
		tensor.New(tensor.WithShape(b, n), tensor.WithBacking(sc)),
		tensor.New(tensor.WithShape(b, n, 4), tensor.WithBacking(locs)),
		nil
}
