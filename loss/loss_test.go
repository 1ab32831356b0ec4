package loss

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/nvr-ai/go-ssd/heads"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func dense(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func labels(data []int32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// randomBatch builds a batch with moderate logits, small localization errors
// and one positive every fourth anchor.
func randomBatch(seed uint64, batch, anchors, classes int) (Predictions, Targets) {
	r := rand.New(rand.NewSource(int64(seed)))
	logits := make([]float32, batch*anchors*classes)
	for i := range logits {
		logits[i] = float32(r.NormFloat64() * 2)
	}
	locs := make([]float32, batch*anchors*4)
	glocs := make([]float32, batch*anchors*4)
	for i := range locs {
		locs[i] = float32(r.NormFloat64())
		glocs[i] = float32(r.NormFloat64())
	}
	cls := make([]int32, batch*anchors)
	scores := make([]float32, batch*anchors)
	for i := range cls {
		if i%4 == 0 {
			cls[i] = int32(1 + r.Intn(classes-1))
			scores[i] = 0.5 + 0.5*r.Float32()
		} else {
			scores[i] = 0.5 * r.Float32()
		}
	}
	p := Predictions{
		Logits:        dense(logits, batch, anchors, classes),
		Localizations: dense(locs, batch, anchors, 4),
	}
	t := Targets{
		Classes:       labels(cls, batch, anchors),
		Localizations: dense(glocs, batch, anchors, 4),
		Scores:        dense(scores, batch, anchors),
	}
	return p, t
}

func TestCompute_NoPositives(t *testing.T) {
	p, tg := randomBatch(1, 2, 8, 3)
	for i := range tg.Classes.Int32s() {
		tg.Classes.Int32s()[i] = 0
	}

	cls, loc, err := ComputeLosses(p, tg, 3, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), cls)
	assert.Equal(t, float32(0), loc)
}

func TestCompute_SinglePositive(t *testing.T) {
	// anchor 0 is class 3 with a confident logit and an exact box, the three
	// negatives are confident background
	p := Predictions{
		Logits: dense([]float32{
			0, 0, 0, 20,
			10, 0, 0, 0,
			10, 0, 0, 0,
			10, 0, 0, 0,
		}, 1, 4, 4),
		Localizations: dense([]float32{
			0.1, -0.2, 0.3, 0.4,
			5, 5, 5, 5,
			5, 5, 5, 5,
			5, 5, 5, 5,
		}, 1, 4, 4),
	}
	tg := Targets{
		Classes: labels([]int32{3, 0, 0, 0}, 1, 4),
		Localizations: dense([]float32{
			0.1, -0.2, 0.3, 0.4,
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0, 0, 0,
		}, 1, 4, 4),
	}

	cls, loc, err := ComputeLosses(p, tg, 3, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, cls, 1e-3)
	assert.Equal(t, float32(0), loc)
}

func TestCompute_LocalizationOnlyOnPositives(t *testing.T) {
	p := Predictions{
		Logits:        dense(make([]float32, 2*3), 1, 2, 3),
		Localizations: dense([]float32{0.5, 0, 0, 0, 100, 100, 100, 100}, 1, 2, 4),
	}
	tg := Targets{
		Classes:       labels([]int32{1, 0}, 1, 2),
		Localizations: dense(make([]float32, 8), 1, 2, 4),
	}

	_, loc, err := ComputeLosses(p, tg, 3, 2, 0)
	require.NoError(t, err)
	// alpha * smoothL1(0.5) / N
	assert.InDelta(t, 2*0.125, loc, 1e-6)
}

func TestCompute_NormalizedByBatchPositives(t *testing.T) {
	p := Predictions{
		Logits:        dense(make([]float32, 2*2*2), 2, 2, 2),
		Localizations: dense([]float32{2, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}, 2, 2, 4),
	}
	tg := Targets{
		Classes:       labels([]int32{1, 0, 1, 0}, 2, 2),
		Localizations: dense(make([]float32, 16), 2, 2, 4),
	}

	cls, loc, err := ComputeLosses(p, tg, 0, 1, 0)
	require.NoError(t, err)
	// (1.5 + 3.5) / 2
	assert.InDelta(t, 2.5, loc, 1e-6)
	// two positives with uniform logits, no negatives mined
	assert.InDelta(t, math.Ln2, cls, 1e-6)
}

func TestMineHardNegatives(t *testing.T) {
	tests := []struct {
		name       string
		classes    []int32
		background []float32
		ratio      float32
		want       []float32
	}{
		{
			name:       "keeps ratio times positives hardest negatives",
			classes:    []int32{2, 0, 0, 0, 0, 0, 0, 0, 0},
			background: []float32{0, 0.9, 0.1, 0.8, 0.2, 0.7, 0.3, 0.6, 0.4},
			ratio:      3,
			want:       []float32{1, 0, 1, 0, 1, 0, 1, 0, 0},
		},
		{
			name:       "bounded by available negatives",
			classes:    []int32{1, 1, 0, 0},
			background: []float32{0, 0, 0.5, 0.9},
			ratio:      3,
			want:       []float32{1, 1, 1, 1},
		},
		{
			name:       "ties at the cutoff are all kept",
			classes:    []int32{1, 0, 0, 0, 0},
			background: []float32{0, 0.5, 0.5, 0.5, 0.5},
			ratio:      1,
			want:       []float32{1, 1, 1, 1, 1},
		},
		{
			name:       "no positives selects nothing",
			classes:    []int32{0, 0, 0},
			background: []float32{0.1, 0.2, 0.3},
			ratio:      3,
			want:       []float32{0, 0, 0},
		},
		{
			name:       "zero ratio keeps positives only",
			classes:    []int32{0, 4, 0},
			background: []float32{0.1, 0.2, 0.3},
			ratio:      0,
			want:       []float32{0, 1, 0},
		},
		{
			name:       "fractional product is floored",
			classes:    []int32{1, 0, 0, 0},
			background: []float32{0, 0.3, 0.1, 0.2},
			ratio:      1.9,
			want:       []float32{1, 0, 1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MineHardNegatives(tt.classes, tt.background, tt.ratio))
		})
	}
}

func TestCompute_MiningBound(t *testing.T) {
	p, tg := randomBatch(7, 3, 64, 5)
	e, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 1})
	require.NoError(t, err)

	res, err := e.Compute(p, tg)
	require.NoError(t, err)

	classes := tg.Classes.Int32s()
	weights := res.Weights.Float32s()
	for b, counts := range res.Stats.PerImage {
		pos, neg := 0, 0
		for i := b * 64; i < (b+1)*64; i++ {
			if classes[i] > 0 {
				pos++
				assert.Equal(t, float32(1), weights[i])
			} else if weights[i] > 0 {
				neg++
			}
		}
		assert.Equal(t, [2]int{pos, neg}, counts)
		// continuous random confidences have no ties
		assert.Equal(t, min(64-pos, 3*pos), neg, "image %d", b)
	}
}

func TestCompute_ImagesAreIndependent(t *testing.T) {
	p, tg := randomBatch(11, 4, 32, 6)

	seq, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 1})
	require.NoError(t, err)
	par, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 4})
	require.NoError(t, err)

	a, err := seq.Compute(p, tg)
	require.NoError(t, err)
	b, err := par.Compute(p, tg)
	require.NoError(t, err)
	assert.Equal(t, a.Weights.Float32s(), b.Weights.Float32s())
	assert.InDelta(t, a.Classification, b.Classification, 1e-5)
	assert.InDelta(t, a.Localization, b.Localization, 1e-5)
	assert.Equal(t, a.Stats, b.Stats)

	// the weights of image 0 do not depend on the rest of the batch
	single := Predictions{
		Logits:        dense(append([]float32(nil), p.Logits.Float32s()[:32*6]...), 1, 32, 6),
		Localizations: dense(append([]float32(nil), p.Localizations.Float32s()[:32*4]...), 1, 32, 4),
	}
	singleT := Targets{
		Classes:       labels(append([]int32(nil), tg.Classes.Int32s()[:32]...), 1, 32),
		Localizations: dense(append([]float32(nil), tg.Localizations.Float32s()[:32*4]...), 1, 32, 4),
	}
	c, err := seq.Compute(single, singleT)
	require.NoError(t, err)
	assert.Equal(t, a.Weights.Float32s()[:32], c.Weights.Float32s())
}

func TestCompute_ConfidencesDriveMining(t *testing.T) {
	// the logits alone would rank anchor 1 as the hardest negative
	p := Predictions{
		Logits:        dense([]float32{0, 5, -5, 0, 5, 0}, 1, 3, 2),
		Confidences:   dense([]float32{0.5, 0.5, 0.9, 0.1, 0.1, 0.9}, 1, 3, 2),
		Localizations: dense(make([]float32, 12), 1, 3, 4),
	}
	tg := Targets{
		Classes:       labels([]int32{1, 0, 0}, 1, 3),
		Localizations: dense(make([]float32, 12), 1, 3, 4),
	}

	e, err := NewEngine(Config{NegativeRatio: 1, Alpha: 1, Workers: 1})
	require.NoError(t, err)
	res, err := e.Compute(p, tg)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 1}, res.Weights.Float32s())
}

func TestSmoothL1(t *testing.T) {
	tests := []struct {
		e    float32
		want float32
	}{
		{0, 0},
		{0.5, 0.125},
		{-0.5, 0.125},
		{1, 0.5},
		{-1, 0.5},
		{3, 2.5},
		{-2, 1.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, SmoothL1(tt.e), 1e-6, "SmoothL1(%v)", tt.e)
	}

	// continuous at the branch point
	assert.InDelta(t, SmoothL1(1-1e-4), SmoothL1(1+1e-4), 1e-3)
	assert.Equal(t, float32(1), SmoothL1Grad(1))
	assert.Equal(t, float32(-1), SmoothL1Grad(-7))
	assert.Equal(t, float32(0.25), SmoothL1Grad(0.25))
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	assert.InDelta(t, math.Ln2, SoftmaxCrossEntropy([]float32{0, 0}, 0, 0), 1e-6)
	// smoothing does not change the loss of a uniform prediction
	assert.InDelta(t, math.Ln2, SoftmaxCrossEntropy([]float32{0, 0}, 1, 0.2), 1e-6)
	// it penalizes a confident correct one
	sharp := []float32{-8, 8, -8}
	assert.Greater(t, SoftmaxCrossEntropy(sharp, 1, 0.1), SoftmaxCrossEntropy(sharp, 1, 0))
	// large logits do not overflow
	assert.InDelta(t, 2000, SoftmaxCrossEntropy([]float32{1000, -1000}, 1, 0), 1e-2)
}

func TestCompute_Errors(t *testing.T) {
	p, tg := randomBatch(3, 1, 4, 3)

	tests := []struct {
		name string
		p    Predictions
		t    Targets
	}{
		{"missing logits", Predictions{Localizations: p.Localizations}, tg},
		{"anchor count", Predictions{Logits: p.Logits, Localizations: dense(make([]float32, 20), 1, 5, 4)}, tg},
		{"class rank", Predictions{Logits: dense(make([]float32, 4), 1, 4), Localizations: p.Localizations}, tg},
		{"target classes", p, Targets{Classes: labels(make([]int32, 8), 2, 4), Localizations: tg.Localizations}},
		{"scores", p, Targets{Classes: tg.Classes, Localizations: tg.Localizations, Scores: dense(make([]float32, 3), 1, 3)}},
		{"label outside classes", p, Targets{Classes: labels([]int32{0, 3, 0, 0}, 1, 4), Localizations: tg.Localizations}},
		{"negative label", p, Targets{Classes: labels([]int32{0, -1, 0, 0}, 1, 4), Localizations: tg.Localizations}},
	}

	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Compute(tt.p, tt.t)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrShapeMismatch), err.Error())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, cfg := range []Config{
		{NegativeRatio: -1, Alpha: 1},
		{NegativeRatio: 3, Alpha: -0.5},
		{NegativeRatio: 3, Alpha: 1, LabelSmoothing: 1},
		{NegativeRatio: 3, Alpha: 1, Workers: -1},
	} {
		_, err := NewEngine(cfg)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "%+v", cfg)
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewEngine_ResolvesWorkers(t *testing.T) {
	assert.Equal(t, 0, DefaultConfig().Workers)

	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), e.Config().Workers)

	e, err = NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Config().Workers)
}

func TestCompute_NonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name   string
		mutate func(p *Predictions)
	}{
		{"nan confidence", func(p *Predictions) {
			c := make([]float32, 5*2)
			for i := range c {
				c[i] = 0.5
			}
			c[4] = nan
			p.Confidences = dense(c, 1, 5, 2)
		}},
		{"inf logit", func(p *Predictions) { p.Logits.Float32s()[3] = inf }},
		{"nan logit", func(p *Predictions) { p.Logits.Float32s()[6] = nan }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Predictions{
				Logits:        dense(make([]float32, 5*2), 1, 5, 2),
				Localizations: dense(make([]float32, 5*4), 1, 5, 4),
			}
			tg := Targets{
				Classes:       labels([]int32{1, 0, 0, 0, 0}, 1, 5),
				Localizations: dense(make([]float32, 5*4), 1, 5, 4),
			}
			tt.mutate(&p)

			e, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 1})
			require.NoError(t, err)
			_, err = e.Compute(p, tg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonFinite), err.Error())
		})
	}
}

type metrics struct {
	mu     sync.Mutex
	values map[string]float64
}

func (m *metrics) RecordMetric(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

func TestCompute_Observer(t *testing.T) {
	p := Predictions{
		Logits:        dense(make([]float32, 4*2), 1, 4, 2),
		Localizations: dense(make([]float32, 16), 1, 4, 4),
	}
	tg := Targets{
		Classes:       labels([]int32{1, 0, 0, 0}, 1, 4),
		Localizations: dense(make([]float32, 16), 1, 4, 4),
		Scores:        dense([]float32{0.9, 0.2, 0.4, 0.3}, 1, 4),
	}

	m := &metrics{values: map[string]float64{}}
	e, err := NewEngine(Config{NegativeRatio: 2, Alpha: 1, Workers: 1}, WithObserver(m))
	require.NoError(t, err)
	_, err = e.Compute(p, tg)
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.values[MetricPositives])
	// equal confidences tie, so all three negatives are kept
	assert.Equal(t, 3.0, m.values[MetricNegativesSelected])
	assert.Equal(t, 3.0, m.values[MetricNegativePositiveRatio])
	assert.Equal(t, 1.0, m.values[MetricPercentInstances])
	assert.Equal(t, 4.0, m.values[MetricNumberOfInstances])
	assert.InDelta(t, 0.3, m.values[MetricNegativeIoU], 1e-6)
	assert.InDelta(t, 4*math.Ln2, m.values[MetricClassification], 1e-5)
	assert.Equal(t, 0.0, m.values[MetricLocalization])
}

func TestGradients_MatchCompute(t *testing.T) {
	p, tg := randomBatch(5, 2, 16, 4)
	e, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1.5, LabelSmoothing: 0.1, Workers: 2})
	require.NoError(t, err)

	g, err := e.Gradients(p, tg)
	require.NoError(t, err)
	assert.InDelta(t, g.Mining.Classification, g.Classification, 1e-4)
	assert.InDelta(t, g.Mining.Localization, g.Localization, 1e-4)
	assert.Equal(t, []int{2, 16, 4}, []int(g.Logits.Shape()))
	assert.Equal(t, []int{2, 16, 4}, []int(g.Localizations.Shape()))

	n := float32(g.Mining.Stats.Positives)
	classes := tg.Classes.Int32s()
	weights := g.Mining.Weights.Float32s()
	dLogits := g.Logits.Float32s()
	dLocs := g.Localizations.Float32s()
	logits := p.Logits.Float32s()
	locs := p.Localizations.Float32s()
	glocs := tg.Localizations.Float32s()
	probs := make([]float32, 4)
	target := make([]float32, 4)
	for i, c := range classes {
		if weights[i] == 0 {
			assert.Equal(t, []float32{0, 0, 0, 0}, dLogits[i*4:(i+1)*4], "anchor %d", i)
		} else {
			heads.SoftmaxRow(logits[i*4:(i+1)*4], probs)
			smoothedTarget(int(c), 0.1, target)
			for k := range probs {
				want := weights[i] / n * (probs[k] - target[k])
				assert.InDelta(t, want, dLogits[i*4+k], 1e-5, "anchor %d class %d", i, k)
			}
		}
		for k := 0; k < 4; k++ {
			if c == 0 {
				assert.Equal(t, float32(0), dLocs[i*4+k], "anchor %d", i)
				continue
			}
			want := 1.5 / n * SmoothL1Grad(locs[i*4+k]-glocs[i*4+k])
			assert.InDelta(t, want, dLocs[i*4+k], 1e-5, "anchor %d coord %d", i, k)
		}
	}
}

func TestGradients_NoPositives(t *testing.T) {
	p, tg := randomBatch(9, 1, 8, 3)
	for i := range tg.Classes.Int32s() {
		tg.Classes.Int32s()[i] = 0
	}
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)

	g, err := e.Gradients(p, tg)
	require.NoError(t, err)
	assert.Equal(t, float32(0), g.Classification)
	assert.Equal(t, make([]float32, 8*3), g.Logits.Float32s())
	assert.Equal(t, make([]float32, 8*4), g.Localizations.Float32s())
}

func TestGradients_LargeLogitSpread(t *testing.T) {
	// a confident positive, then a confident negative whose top logit is in
	// column 0 of the second row
	p := Predictions{
		Logits:        dense([]float32{0, 0, 0, 120, 120, 0, 0, 0}, 1, 2, 4),
		Localizations: dense(make([]float32, 2*4), 1, 2, 4),
	}
	tg := Targets{
		Classes:       labels([]int32{3, 0}, 1, 2),
		Localizations: dense(make([]float32, 2*4), 1, 2, 4),
	}
	e, err := NewEngine(Config{NegativeRatio: 3, Alpha: 1, Workers: 1})
	require.NoError(t, err)

	g, err := e.Gradients(p, tg)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, g.Mining.Weights.Float32s())
	assert.InDelta(t, 0, g.Mining.Classification, 1e-6)
	assert.False(t, math.IsNaN(float64(g.Classification)))
	assert.InDelta(t, 0, g.Classification, 1e-6)
	for i, d := range g.Logits.Float32s() {
		assert.InDelta(t, 0, d, 1e-6, "logit %d", i)
	}
}

func BenchmarkCompute(b *testing.B) {
	p, tg := randomBatch(13, 8, 4096, 21)
	e, err := NewEngine(DefaultConfig())
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Compute(p, tg); err != nil {
			b.Fatal(err)
		}
	}
}
