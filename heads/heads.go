// Package heads adapts the per-level outputs of the prediction heads to the
// flat anchor ordering used by the anchor generator and the loss engine.
package heads

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when a head output does not have the expected layout.
var ErrShape = errors.New("heads: unexpected tensor shape")

// NumAnchors returns the number of anchors a head predicts per cell.
func NumAnchors(sizes, ratios []float32) int {
	return len(sizes) + len(ratios)
}

// Flatten reshapes every level output of shape (batch, h, w, anchors, k) to
// (batch, h*w*anchors, k) and concatenates the levels along the anchor axis,
// in level order. The result lines up index for index with the AnchorSet.
//
// Arguments:
//   - levels: per-level head outputs, float32, rank 5.
//
// Returns:
//   - A (batch, total, k) tensor.
//   - An error wrapping ErrShape if ranks, batch sizes or k disagree.
func Flatten(levels []*tensor.Dense) (*tensor.Dense, error) {
	if len(levels) == 0 {
		return nil, errors.Wrap(ErrShape, "no levels")
	}

	batch, k := -1, -1
	perLevel := make([]int, len(levels))
	total := 0
	for i, l := range levels {
		s := l.Shape()
		if len(s) != 5 {
			return nil, errors.Wrapf(ErrShape, "level %d has shape %v, want (batch, h, w, anchors, k)", i, s)
		}
		if batch == -1 {
			batch, k = s[0], s[4]
		}
		if s[0] != batch || s[4] != k {
			return nil, errors.Wrapf(ErrShape, "level %d has shape %v, want batch=%d k=%d", i, s, batch, k)
		}
		perLevel[i] = s[1] * s[2] * s[3]
		total += perLevel[i]
	}

	out := make([]float32, batch*total*k)
	offset := 0
	for i, l := range levels {
		data, err := float32s(l)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", i)
		}
		n := perLevel[i] * k
		for b := 0; b < batch; b++ {
			copy(out[(b*total*k)+offset*k:], data[b*n:(b+1)*n])
		}
		offset += perLevel[i]
	}

	return tensor.New(tensor.WithShape(batch, total, k), tensor.WithBacking(out)), nil
}

// Softmax applies a numerically stable softmax along the last axis.
func Softmax(logits *tensor.Dense) (*tensor.Dense, error) {
	s := logits.Shape()
	if len(s) == 0 {
		return nil, errors.Wrap(ErrShape, "scalar logits")
	}
	data, err := float32s(logits)
	if err != nil {
		return nil, err
	}

	k := s[len(s)-1]
	out := make([]float32, len(data))
	for off := 0; off+k <= len(data); off += k {
		SoftmaxRow(data[off:off+k], out[off:off+k])
	}
	return tensor.New(tensor.WithShape(s.Clone()...), tensor.WithBacking(out)), nil
}

// SoftmaxRow writes softmax(in) into out. Both slices must have equal length.
func SoftmaxRow(in, out []float32) {
	m := in[0]
	for _, v := range in[1:] {
		if v > m {
			m = v
		}
	}
	var sum float32
	for i, v := range in {
		out[i] = math32.Exp(v - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}

// LogSumExp returns log(sum(exp(row))) computed without overflow.
func LogSumExp(row []float32) float32 {
	m := row[0]
	for _, v := range row[1:] {
		if v > m {
			m = v
		}
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - m)
	}
	return m + math32.Log(sum)
}

// float32s returns the row-major float32 data of t, materializing views.
func float32s(t *tensor.Dense) ([]float32, error) {
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrShape, "dtype %v, want float32", t.Dtype())
	}
	if t.IsView() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.New("heads: cannot materialize view")
		}
		return m.Float32s(), nil
	}
	return t.Float32s(), nil
}
