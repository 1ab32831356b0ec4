package loss

import (
	"runtime"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ssd/heads"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// Predictions are the flattened network outputs for a batch, in AnchorSet
// order.
type Predictions struct {
	// Logits are raw class scores, (batch, anchors, classes).
	Logits *tensor.Dense
	// Confidences are class probabilities used only for mining. When nil
	// they are derived from Logits with a softmax. NaN and Inf are rejected.
	Confidences *tensor.Dense
	// Localizations are predicted offsets, (batch, anchors, 4).
	Localizations *tensor.Dense
}

// Targets are the encoded ground truth for a batch.
type Targets struct {
	// Classes are int32 labels, (batch, anchors); 0 is background.
	Classes *tensor.Dense
	// Localizations are scaled target offsets, (batch, anchors, 4).
	Localizations *tensor.Dense
	// Scores are match IoUs, (batch, anchors). Optional, statistics only.
	Scores *tensor.Dense
}

// Result holds the two losses and the mining outcome.
type Result struct {
	Classification float32
	Localization   float32
	// Weights is the per-anchor classification weight, (batch, anchors).
	Weights *tensor.Dense
	Stats   Stats
}

// Engine computes losses for a fixed Config. It holds no mutable state and
// may be shared between goroutines.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger receiving per-call mining statistics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver sets a sink for per-call statistics.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// NewEngine validates cfg and returns an Engine. A zero Workers becomes
// runtime.NumCPU().
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	e := &Engine{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration with Workers resolved.
func (e *Engine) Config() Config {
	return e.cfg
}

// ComputeLosses is a convenience wrapper building a sequential engine for a
// single call.
func ComputeLosses(p Predictions, t Targets, negativeRatio, alpha, labelSmoothing float32) (float32, float32, error) {
	e, err := NewEngine(Config{NegativeRatio: negativeRatio, Alpha: alpha, LabelSmoothing: labelSmoothing, Workers: 1})
	if err != nil {
		return 0, 0, err
	}
	r, err := e.Compute(p, t)
	if err != nil {
		return 0, 0, err
	}
	return r.Classification, r.Localization, nil
}

// dims are the batch, anchor and class counts of a validated call.
type dims struct {
	batch, anchors, classes int
}

// Compute runs hard-negative mining per image and returns both losses.
//
// The classification loss is the softmax cross-entropy weighted by the mining
// weights; the localization loss is the smooth L1 of the offsets of positive
// anchors scaled by Alpha. Both are divided by N, the number of positives in
// the whole batch, and are exactly 0 when N is 0.
//
// Arguments:
//   - p: network predictions.
//   - t: encoded targets.
//
// Returns:
//   - The losses, weights and statistics.
//   - An error wrapping ErrShapeMismatch for inconsistent inputs, or when a
//     label falls outside [0, classes).
//   - An error wrapping ErrNonFinite when logits or confidences hold NaN or
//     Inf.
func (e *Engine) Compute(p Predictions, t Targets) (*Result, error) {
	d, err := checkShapes(p, t)
	if err != nil {
		return nil, err
	}

	logits := p.Logits.Float32s()
	locs := p.Localizations.Float32s()
	classes := t.Classes.Int32s()
	glocs := t.Localizations.Float32s()
	var confs, scores []float32
	if p.Confidences != nil {
		confs = p.Confidences.Float32s()
	}
	if t.Scores != nil {
		scores = t.Scores.Float32s()
	}
	if err := checkFinite("logits", logits); err != nil {
		return nil, err
	}
	if err := checkFinite("confidences", confs); err != nil {
		return nil, err
	}

	weights := make([]float32, d.batch*d.anchors)
	positives := make([]int, d.batch)
	negatives := make([]int, d.batch)
	clsParts := make([]float64, d.batch)
	locParts := make([]float64, d.batch)
	iouParts := make([]float64, d.batch)

	image := func(b int) error {
		lo, hi := b*d.anchors, (b+1)*d.anchors
		imgClasses := classes[lo:hi]
		for i, c := range imgClasses {
			if c < 0 || int(c) >= d.classes {
				return errors.Wrapf(ErrShapeMismatch, "image %d anchor %d label %d outside [0, %d)", b, i, c, d.classes)
			}
		}

		background := make([]float32, d.anchors)
		for i := range background {
			row := logits[(lo+i)*d.classes : (lo+i+1)*d.classes]
			if confs != nil {
				background[i] = confs[(lo+i)*d.classes]
			} else {
				background[i] = math32.Exp(row[0] - heads.LogSumExp(row))
			}
		}

		w := weights[lo:hi]
		positives[b], negatives[b] = mineImage(imgClasses, background, e.cfg.NegativeRatio, w)

		var cls, loc, iou float64
		for i, c := range imgClasses {
			if w[i] == 0 {
				continue
			}
			a := lo + i
			row := logits[a*d.classes : (a+1)*d.classes]
			cls += float64(w[i] * SoftmaxCrossEntropy(row, int(c), e.cfg.LabelSmoothing))
			if c > 0 {
				for k := 0; k < 4; k++ {
					loc += float64(SmoothL1(locs[a*4+k] - glocs[a*4+k]))
				}
			} else if scores != nil {
				iou += float64(scores[a])
			}
		}
		clsParts[b], locParts[b], iouParts[b] = cls, loc, iou
		return nil
	}

	if err := e.ForEachImage(d.batch, image); err != nil {
		return nil, err
	}

	res := &Result{
		Weights: tensor.New(tensor.WithShape(d.batch, d.anchors), tensor.WithBacking(weights)),
	}
	res.Stats = newStats(positives, negatives, weights, floats.Sum(iouParts))

	n := float64(res.Stats.Positives)
	if n > 0 {
		res.Classification = float32(floats.Sum(clsParts) / n)
		res.Localization = float32(float64(e.cfg.Alpha) * floats.Sum(locParts) / n)
	}

	e.emit(res)
	return res, nil
}

// ForEachImage runs fn for every image of a batch, with at most Workers calls
// in flight. fn must only touch its own image's data.
func (e *Engine) ForEachImage(batch int, fn func(b int) error) error {
	if e.cfg.Workers <= 1 || batch == 1 {
		for b := 0; b < batch; b++ {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for b := 0; b < batch; b++ {
		b := b
		g.Go(func() error {
			return fn(b)
		})
	}
	return g.Wait()
}

// checkFinite rejects NaN and Inf values.
func checkFinite(name string, values []float32) error {
	for i, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Wrapf(ErrNonFinite, "%s[%d] = %v", name, i, v)
		}
	}
	return nil
}

type shapeCheck struct {
	name string
	t    *tensor.Dense
	want []int
}

func checkShapes(p Predictions, t Targets) (dims, error) {
	if p.Logits == nil || p.Localizations == nil || t.Classes == nil || t.Localizations == nil {
		return dims{}, errors.Wrap(ErrShapeMismatch, "logits, localizations and targets are required")
	}

	ls := p.Logits.Shape()
	if len(ls) != 3 || ls[2] < 2 {
		return dims{}, errors.Wrapf(ErrShapeMismatch, "logits shape %v, want (batch, anchors, classes>=2)", ls)
	}
	d := dims{batch: ls[0], anchors: ls[1], classes: ls[2]}

	if p.Logits.Dtype() != tensor.Float32 {
		return dims{}, errors.Wrapf(ErrShapeMismatch, "logits dtype %v, want float32", p.Logits.Dtype())
	}
	if t.Classes.Dtype() != tensor.Int32 {
		return dims{}, errors.Wrapf(ErrShapeMismatch, "classes dtype %v, want int32", t.Classes.Dtype())
	}

	checks := []shapeCheck{
		{"localizations", p.Localizations, []int{d.batch, d.anchors, 4}},
		{"target classes", t.Classes, []int{d.batch, d.anchors}},
		{"target localizations", t.Localizations, []int{d.batch, d.anchors, 4}},
	}
	if p.Confidences != nil {
		checks = append(checks, shapeCheck{"confidences", p.Confidences, []int{d.batch, d.anchors, d.classes}})
	}
	if t.Scores != nil {
		checks = append(checks, shapeCheck{"target scores", t.Scores, []int{d.batch, d.anchors}})
	}
	for _, c := range checks {
		if !c.t.Shape().Eq(tensor.Shape(c.want)) {
			return dims{}, errors.Wrapf(ErrShapeMismatch, "%s shape %v, want %v", c.name, c.t.Shape(), c.want)
		}
		if c.t != t.Classes && c.t.Dtype() != tensor.Float32 {
			return dims{}, errors.Wrapf(ErrShapeMismatch, "%s dtype %v, want float32", c.name, c.t.Dtype())
		}
	}
	return d, nil
}
