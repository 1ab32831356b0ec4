package loss

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ssd/heads"
)

// SmoothL1 is the absolute smooth L1 penalty: 0.5*e^2 when |e| < 1, |e|-0.5
// otherwise. It is written as 0.5*((|e|-1)*min(|e|,1) + |e|), which is equal
// on both branches and continuous at |e| = 1.
func SmoothL1(e float32) float32 {
	a := math32.Abs(e)
	m := math32.Min(a, 1)
	return 0.5 * ((a-1)*m + a)
}

// SmoothL1Grad is the derivative of SmoothL1: e inside the unit interval,
// sign(e) outside.
func SmoothL1Grad(e float32) float32 {
	if math32.Abs(e) < 1 {
		return e
	}
	if e < 0 {
		return -1
	}
	return 1
}

// SoftmaxCrossEntropy returns the cross-entropy between softmax(logits) and the
// one-hot encoding of label, softened by smoothing: the target puts
// 1-smoothing+smoothing/k on label and smoothing/k elsewhere.
func SoftmaxCrossEntropy(logits []float32, label int, smoothing float32) float32 {
	lse := heads.LogSumExp(logits)
	if smoothing == 0 {
		return lse - logits[label]
	}

	k := float32(len(logits))
	off := smoothing / k
	on := 1 - smoothing + off
	var dot float32
	for c, v := range logits {
		if c == label {
			dot += on * v
		} else {
			dot += off * v
		}
	}
	// the smoothed target sums to one
	return lse - dot
}

// smoothedTarget writes the (optionally smoothed) one-hot target into out.
func smoothedTarget(label int, smoothing float32, out []float32) {
	off := smoothing / float32(len(out))
	for c := range out {
		out[c] = off
	}
	out[label] += 1 - smoothing
}
