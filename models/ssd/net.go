package ssd

import (
	"github.com/nvr-ai/go-ssd/anchors"
	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/encoding"
	"github.com/nvr-ai/go-ssd/heads"
	"github.com/nvr-ai/go-ssd/loss"
	"github.com/nvr-ai/go-ssd/profiler"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Net holds everything derived from one Params value: the anchors, the box
// encoder and the loss engine. It is immutable and safe for concurrent use.
type Net struct {
	params   Params
	anchors  *anchors.AnchorSet
	encoder  *encoding.Encoder
	engine   *loss.Engine
	logger   *zap.Logger
	recorder *profiler.Recorder
}

// NetOption configures a Net.
type NetOption func(*Net)

// WithLogger sets the logger of the net and its loss engine.
func WithLogger(logger *zap.Logger) NetOption {
	return func(n *Net) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRecorder records loss statistics and operation timings into r.
func WithRecorder(r *profiler.Recorder) NetOption {
	return func(n *Net) {
		n.recorder = r
	}
}

// NewNet validates p and builds its anchors, encoder and loss engine.
//
// Arguments:
//   - p: detector parameters, copied.
//   - opts: optional logger and recorder.
//
// Returns:
//   - The Net.
//   - An error if the parameters are invalid.
func NewNet(p Params, opts ...NetOption) (*Net, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := &Net{params: p.Clone(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(n)
	}

	cfg, err := p.AnchorConfig()
	if err != nil {
		return nil, err
	}
	n.anchors, err = anchors.Generate(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "generating anchors")
	}
	n.encoder, err = encoding.NewEncoder(n.anchors, p.EncoderConfig())
	if err != nil {
		return nil, err
	}

	engineOpts := []loss.Option{loss.WithLogger(n.logger)}
	if n.recorder != nil {
		engineOpts = append(engineOpts, loss.WithObserver(n.recorder))
	}
	n.engine, err = loss.NewEngine(p.Loss, engineOpts...)
	if err != nil {
		return nil, err
	}

	n.logger.Info("ssd net ready",
		zap.String("name", p.Name),
		zap.Ints("image_shape", p.ImageShape[:]),
		zap.Int("levels", len(p.FeatLayers)),
		zap.Int("anchors", n.anchors.Len()),
		zap.Int("classes", p.NumClasses),
	)
	return n, nil
}

// Params returns a copy of the net's parameters.
func (n *Net) Params() Params {
	return n.params.Clone()
}

// Anchors returns the anchor set.
func (n *Net) Anchors() *anchors.AnchorSet {
	return n.anchors
}

// Engine returns the loss engine.
func (n *Net) Engine() *loss.Engine {
	return n.engine
}

// Labels converts the annotation names of every image to class indices with
// the configured label set. Unknown names get NoAnnotationLabel.
func (n *Net) Labels(names [][]string) ([][]int32, error) {
	if n.params.LabelSet == "" {
		return nil, errors.Errorf("ssd: %s has no label set", n.params.Name)
	}
	set, err := LookupLabelSet(n.params.LabelSet)
	if err != nil {
		return nil, err
	}
	out := make([][]int32, len(names))
	for i, img := range names {
		out[i] = set.Labels(img, int32(n.params.NoAnnotationLabel))
	}
	return out, nil
}

// EncodeBatch encodes the ground truth of every image and stacks the results.
// Images are encoded concurrently, at most Loss.Workers at a time.
//
// Arguments:
//   - labels: per image, the class of every box. Labels >= NumClasses, such
//     as NoAnnotationLabel, are ignored.
//   - boxes: per image, relative corner boxes aligned with labels.
//
// Returns:
//   - Targets covering every anchor, ready for Losses.
//   - An error if the inputs do not line up.
func (n *Net) EncodeBatch(labels [][]int32, boxes [][]common.Box) (loss.Targets, error) {
	if len(labels) != len(boxes) {
		return loss.Targets{}, errors.Errorf("ssd: %d label lists for %d box lists", len(labels), len(boxes))
	}
	if len(labels) == 0 {
		return loss.Targets{}, errors.New("ssd: empty batch")
	}
	defer n.time("encode_batch")()

	out := make([]*encoding.Targets, len(labels))
	err := n.engine.ForEachImage(len(labels), func(i int) error {
		t, err := n.encoder.Encode(labels[i], boxes[i])
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		out[i] = t
		return nil
	})
	if err != nil {
		return loss.Targets{}, err
	}

	classes, scores, locs, err := encoding.Stack(out)
	if err != nil {
		return loss.Targets{}, err
	}
	return loss.Targets{Classes: classes, Scores: scores, Localizations: locs}, nil
}

// Predictions flattens per-level head outputs into loss inputs. Each level
// tensor is (batch, h, w, anchors, k) with k = NumClasses for logits and 4
// for localizations. The class confidences are the softmax of the logits.
func (n *Net) Predictions(logits, localizations []*tensor.Dense) (loss.Predictions, error) {
	if len(logits) != len(n.params.FeatLayers) || len(localizations) != len(n.params.FeatLayers) {
		return loss.Predictions{}, errors.Wrapf(heads.ErrShape, "got %d logit and %d localization levels for %d layers",
			len(logits), len(localizations), len(n.params.FeatLayers))
	}
	if err := n.checkLevels("logits", logits, n.params.NumClasses); err != nil {
		return loss.Predictions{}, err
	}
	if err := n.checkLevels("localizations", localizations, 4); err != nil {
		return loss.Predictions{}, err
	}

	flatLogits, err := heads.Flatten(logits)
	if err != nil {
		return loss.Predictions{}, errors.Wrap(err, "logits")
	}
	flatLocs, err := heads.Flatten(localizations)
	if err != nil {
		return loss.Predictions{}, errors.Wrap(err, "localizations")
	}
	confs, err := heads.Softmax(flatLogits)
	if err != nil {
		return loss.Predictions{}, err
	}
	return loss.Predictions{Logits: flatLogits, Confidences: confs, Localizations: flatLocs}, nil
}

// checkLevels verifies every level is (batch, h, w, anchors per cell, k) for
// its feature layer.
func (n *Net) checkLevels(name string, levels []*tensor.Dense, k int) error {
	perCell := n.params.AnchorsPerCell()
	for i, l := range levels {
		s := l.Shape()
		if len(s) != 5 {
			return errors.Wrapf(heads.ErrShape, "level %d %s %v, want rank 5", i, name, s)
		}
		want := tensor.Shape{s[0], n.params.FeatShapes[i][0], n.params.FeatShapes[i][1], perCell[i], k}
		if !s.Eq(want) {
			return errors.Wrapf(heads.ErrShape, "level %d %s %v, want %v", i, name, s, want)
		}
	}
	return nil
}

// Losses runs the loss engine.
func (n *Net) Losses(p loss.Predictions, t loss.Targets) (*loss.Result, error) {
	defer n.time("losses")()
	return n.engine.Compute(p, t)
}

// Gradients runs the loss engine on an expression graph and returns the
// gradients with respect to the logits and localizations.
func (n *Net) Gradients(p loss.Predictions, t loss.Targets) (*loss.Gradients, error) {
	defer n.time("gradients")()
	return n.engine.Gradients(p, t)
}

// Decode converts predicted localizations, (anchors, 4) or (batch, anchors, 4),
// back to clipped corner boxes per image.
func (n *Net) Decode(localizations *tensor.Dense) ([][]common.Box, error) {
	boxes, err := n.encoder.Decode(localizations)
	if err != nil {
		return nil, err
	}
	for _, img := range boxes {
		for i := range img {
			img[i] = img[i].Clip()
		}
	}
	return boxes, nil
}

func (n *Net) time(op string) func() {
	if n.recorder == nil {
		return func() {}
	}
	return n.recorder.StartOperation(op)
}
