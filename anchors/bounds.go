package anchors

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// SizeBoundsToValues computes absolute reference sizes for every level from
// relative [min, max] bounds, following the original Caffe SSD recipe. The
// first level always gets (0.04, 0.10) of the image size; the remaining levels
// step linearly between the bounds in whole percents.
//
// Arguments:
//   - bounds: relative (min, max) anchor scale, e.g. (0.10, 0.90).
//   - numLayers: number of feature layers, at least 3.
//   - imageShape: (height, width), must be square.
//
// Returns:
//   - A list of (size, next size) pairs in pixels. It may hold more entries
//     than numLayers when the percent step does not divide the range evenly;
//     callers take the first numLayers.
func SizeBoundsToValues(bounds [2]float32, numLayers int, imageShape [2]int) ([][]float32, error) {
	if imageShape[0] != imageShape[1] {
		return nil, errors.Wrapf(ErrNonSquareImage, "got %dx%d", imageShape[0], imageShape[1])
	}
	if imageShape[0] <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "image shape %v", imageShape)
	}
	if numLayers < 3 {
		return nil, errors.Wrapf(ErrInvalidLevel, "need at least 3 layers, got %d", numLayers)
	}
	if bounds[0] <= 0 || bounds[0] >= bounds[1] {
		return nil, errors.Wrapf(ErrInvalidLevel, "size bounds %v", bounds)
	}

	imgSize := float32(imageShape[0])
	minRatio := int(bounds[0] * 100)
	maxRatio := int(bounds[1] * 100)
	step := int(math32.Floor(float32(maxRatio-minRatio) / float32(numLayers-2)))
	if step <= 0 {
		return nil, errors.Wrapf(ErrInvalidLevel, "size bounds %v too narrow for %d layers", bounds, numLayers)
	}

	sizes := [][]float32{{imgSize * 0.04, imgSize * 0.1}}
	for ratio := minRatio; ratio <= maxRatio; ratio += step {
		sizes = append(sizes, []float32{
			imgSize * float32(ratio) / 100,
			imgSize * float32(ratio+step) / 100,
		})
	}
	return sizes, nil
}
