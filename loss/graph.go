package loss

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Gradients holds the losses evaluated on an expression graph together with
// their gradients with respect to the network outputs.
type Gradients struct {
	Classification float32
	Localization   float32
	// Logits is d(cls+loc)/d(logits), (batch, anchors, classes).
	Logits *tensor.Dense
	// Localizations is d(cls+loc)/d(localizations), (batch, anchors, 4).
	Localizations *tensor.Dense
	// Mining is the numeric result the graph weights were taken from.
	Mining *Result
}

// Gradients builds a gorgonia graph of both losses and differentiates it.
//
// Mining is not differentiable: the weights selected by Compute enter the
// graph as constants, as do the smooth L1 branch masks, which are piecewise
// constant in the localization error. When the batch has no positive anchor
// both gradients are zero and no graph is built.
func (e *Engine) Gradients(p Predictions, t Targets) (*Gradients, error) {
	res, err := e.Compute(p, t)
	if err != nil {
		return nil, err
	}

	s := p.Logits.Shape()
	b, a, c := s[0], s[1], s[2]
	out := &Gradients{
		Classification: res.Classification,
		Localization:   res.Localization,
		Mining:         res,
	}

	if res.Stats.Positives == 0 {
		out.Logits = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(b, a, c))
		out.Localizations = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(b, a, 4))
		return out, nil
	}

	m := b * a
	n := float32(res.Stats.Positives)
	classes := t.Classes.Int32s()
	weights := res.Weights.Float32s()

	g := G.NewGraph()
	logits := G.NewMatrix(g, tensor.Float32, G.WithShape(m, c), G.WithName("logits"),
		G.WithValue(tensor.New(tensor.WithShape(m, c), tensor.WithBacking(slices.Clone(p.Logits.Float32s())))))
	locs := G.NewMatrix(g, tensor.Float32, G.WithShape(m, 4), G.WithName("localizations"),
		G.WithValue(tensor.New(tensor.WithShape(m, 4), tensor.WithBacking(slices.Clone(p.Localizations.Float32s())))))

	clsCost, err := e.classificationNode(logits, p.Logits.Float32s(), classes, weights, m, c, n)
	if err != nil {
		return nil, errors.Wrap(err, "classification graph")
	}
	locCost, err := e.localizationNode(locs, p.Localizations.Float32s(), t.Localizations.Float32s(), classes, m, n)
	if err != nil {
		return nil, errors.Wrap(err, "localization graph")
	}
	cost, err := G.Add(clsCost, locCost)
	if err != nil {
		return nil, errors.Wrap(err, "total cost")
	}
	if _, err := G.Grad(cost, logits, locs); err != nil {
		return nil, errors.Wrap(err, "symbolic differentiation")
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(logits, locs))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running loss graph")
	}

	out.Classification = clsCost.Value().Data().(float32)
	out.Localization = locCost.Value().Data().(float32)

	out.Logits, err = gradTensor(logits, b, a, c)
	if err != nil {
		return nil, err
	}
	out.Localizations, err = gradTensor(locs, b, a, 4)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classificationNode returns -sum(W * logsoftmax(logits)) where W already
// carries the mining weight, the smoothed target and 1/N.
//
// logsoftmax is written as z - log(sum(exp(z))) with z the logits shifted by
// their row maximum, a constant of the graph. The shift leaves the value and
// the gradient unchanged and keeps every exp in [0, 1], so the cost becomes
// -sum(W*z) + sum(rowW * lse) with rowW the row sums of W.
func (e *Engine) classificationNode(logits *G.Node, values []float32, classes []int32, weights []float32, m, c int, n float32) (*G.Node, error) {
	w := make([]float32, m*c)
	rowW := make([]float32, m)
	shift := make([]float32, m*c)
	target := make([]float32, c)
	for i := 0; i < m; i++ {
		row := values[i*c : (i+1)*c]
		top := slices.Max(row)
		for k := range row {
			shift[i*c+k] = top
		}
		if weights[i] == 0 {
			continue
		}
		smoothedTarget(int(classes[i]), e.cfg.LabelSmoothing, target)
		for k, v := range target {
			w[i*c+k] = weights[i] * v / n
			rowW[i] += w[i*c+k]
		}
	}
	wn := G.NewConstant(tensor.New(tensor.WithShape(m, c), tensor.WithBacking(w)), G.WithName("cls_weights"))
	rn := G.NewConstant(tensor.New(tensor.WithShape(m), tensor.WithBacking(rowW)), G.WithName("cls_row_weights"))
	sn := G.NewConstant(tensor.New(tensor.WithShape(m, c), tensor.WithBacking(shift)), G.WithName("row_max"))

	z, err := G.Sub(logits, sn)
	if err != nil {
		return nil, err
	}
	ez, err := G.Exp(z)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(ez, 1)
	if err != nil {
		return nil, err
	}
	lse, err := G.Log(sum)
	if err != nil {
		return nil, err
	}

	wz, err := G.HadamardProd(wn, z)
	if err != nil {
		return nil, err
	}
	shifted, err := G.Sum(wz)
	if err != nil {
		return nil, err
	}
	wl, err := G.HadamardProd(rn, lse)
	if err != nil {
		return nil, err
	}
	normalizer, err := G.Sum(wl)
	if err != nil {
		return nil, err
	}
	return G.Sub(normalizer, shifted)
}

// localizationNode returns sum(Q*e^2) + sum(R*|e|) - sum(R)/2 with
// e = locs - glocs. Q holds alpha/(2N) where |e| < 1 and R holds alpha/N
// elsewhere, both restricted to positive anchors.
func (e *Engine) localizationNode(locs *G.Node, pred, gt []float32, classes []int32, m int, n float32) (*G.Node, error) {
	q := make([]float32, m*4)
	r := make([]float32, m*4)
	var offset float32
	scale := e.cfg.Alpha / n
	for i := 0; i < m; i++ {
		if classes[i] <= 0 {
			continue
		}
		for k := 0; k < 4; k++ {
			j := i*4 + k
			if math32.Abs(pred[j]-gt[j]) < 1 {
				q[j] = 0.5 * scale
			} else {
				r[j] = scale
				offset += 0.5 * scale
			}
		}
	}

	gn := G.NewConstant(tensor.New(tensor.WithShape(m, 4), tensor.WithBacking(slices.Clone(gt))), G.WithName("glocalizations"))
	qn := G.NewConstant(tensor.New(tensor.WithShape(m, 4), tensor.WithBacking(q)), G.WithName("quadratic_mask"))
	rn := G.NewConstant(tensor.New(tensor.WithShape(m, 4), tensor.WithBacking(r)), G.WithName("linear_mask"))

	diff, err := G.Sub(locs, gn)
	if err != nil {
		return nil, err
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, err
	}
	abs, err := G.Abs(diff)
	if err != nil {
		return nil, err
	}
	qp, err := G.HadamardProd(qn, sq)
	if err != nil {
		return nil, err
	}
	rp, err := G.HadamardProd(rn, abs)
	if err != nil {
		return nil, err
	}
	qs, err := G.Sum(qp)
	if err != nil {
		return nil, err
	}
	rs, err := G.Sum(rp)
	if err != nil {
		return nil, err
	}
	total, err := G.Add(qs, rs)
	if err != nil {
		return nil, err
	}
	return G.Sub(total, G.NewConstant(offset, G.WithName("linear_offset")))
}

func gradTensor(n *G.Node, shape ...int) (*tensor.Dense, error) {
	v, err := n.Grad()
	if err != nil {
		return nil, errors.Wrapf(err, "gradient of %s", n.Name())
	}
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("gradient of %s is %T, want *tensor.Dense", n.Name(), v)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(d.Float32s()))), nil
}
