package loss

import (
	"slices"

	"github.com/chewxy/math32"
)

// MineHardNegatives returns the classification weight of every anchor of one
// image: 1 for positives (class > 0), 1 for the selected hard negatives, 0 for
// every other negative.
//
// Each negative is ranked by its background confidence, positives are pinned
// to 1.0 so they rank last. With n_pos positives the engine keeps
// floor(min(negatives, n_pos*ratio)) negatives with the smallest background
// confidence. The cut is inclusive (value <= k-th smallest), so exact ties at
// the boundary can admit a few extra negatives. An image without positives
// selects nothing. background must be finite: a NaN ranks below every value.
//
// Arguments:
//   - classes: ground-truth class per anchor.
//   - background: predicted background-class confidence per anchor.
//   - ratio: negatives kept per positive.
//
// Returns:
//   - The per-anchor weights.
func MineHardNegatives(classes []int32, background []float32, ratio float32) []float32 {
	weights := make([]float32, len(classes))
	mineImage(classes, background, ratio, weights)
	return weights
}

// mineImage writes the weights of one image into weights and returns the
// number of positives and of selected negatives.
func mineImage(classes []int32, background []float32, ratio float32, weights []float32) (int, int) {
	nvalues := make([]float32, len(classes))
	nPos, available := 0, 0
	for i, c := range classes {
		if c > 0 {
			nPos++
			nvalues[i] = 1
			weights[i] = 1
			continue
		}
		available++
		nvalues[i] = background[i]
		weights[i] = 0
	}

	if nPos == 0 {
		return 0, 0
	}

	k := int(math32.Min(float32(available), float32(nPos)*ratio))
	if k <= 0 {
		return nPos, 0
	}

	cutoff := kthSmallest(nvalues, k)
	nNeg := 0
	for i, c := range classes {
		if c <= 0 && nvalues[i] <= cutoff {
			weights[i] = 1
			nNeg++
		}
	}
	return nPos, nNeg
}

// kthSmallest returns the k-th smallest value (1-based) of values.
func kthSmallest(values []float32, k int) float32 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted[k-1]
}
