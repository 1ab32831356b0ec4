package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIoU_Correctness validates the IoU implementation against known test cases
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		b1       Box
		b2       Box
		expected float32
	}{
		{
			name:     "Identical boxes",
			b1:       Box{0, 0, 0.5, 0.5},
			b2:       Box{0, 0, 0.5, 0.5},
			expected: 1.0,
		},
		{
			name:     "No overlap",
			b1:       Box{0, 0, 0.2, 0.2},
			b2:       Box{0.5, 0.5, 0.7, 0.7},
			expected: 0.0,
		},
		{
			name:     "Touching edges",
			b1:       Box{0, 0, 0.5, 0.5},
			b2:       Box{0, 0.5, 0.5, 1.0},
			expected: 0.0,
		},
		{
			name:     "Quarter overlap",
			b1:       Box{0, 0, 0.5, 0.5},
			b2:       Box{0.25, 0.25, 0.75, 0.75},
			expected: 1.0 / 7.0, // intersection=0.0625, union=0.25+0.25-0.0625
		},
		{
			name:     "One inside other",
			b1:       Box{0, 0, 1, 1},
			b2:       Box{0.25, 0.25, 0.75, 0.75},
			expected: 0.25,
		},
		{
			name:     "Degenerate boxes",
			b1:       Box{0.5, 0.5, 0.5, 0.5},
			b2:       Box{0.5, 0.5, 0.5, 0.5},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.b1.IoU(tt.b2)
			assert.InDelta(t, tt.expected, result, 1e-5)

			// IoU(A, B) should equal IoU(B, A)
			assert.InDelta(t, result, tt.b2.IoU(tt.b1), 1e-6)
		})
	}
}

func TestCenterCornersRoundTrip(t *testing.T) {
	c := CenterBox{CX: 0.25, CY: 0.75, W: 0.5, H: 0.25}
	b := c.Corners()

	assert.Equal(t, Box{YMin: 0.625, XMin: 0, YMax: 0.875, XMax: 0.5}, b)
	assert.Equal(t, c, b.Center())
	assert.InDelta(t, 2.0, c.AspectRatio(), 1e-6)
}

func TestClip(t *testing.T) {
	b := Box{YMin: -0.1, XMin: 0.2, YMax: 1.3, XMax: 0.9}.Clip()
	assert.Equal(t, Box{YMin: 0, XMin: 0.2, YMax: 1, XMax: 0.9}, b)
	assert.InDelta(t, 0.7, b.Width(), 1e-6)
	assert.InDelta(t, 1.0, b.Height(), 1e-6)
}
