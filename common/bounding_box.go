// Package common - relative box geometry shared by anchors, encoding and loss.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is an axis-aligned box in relative image coordinates (0..1), stored in
// corner form. Field order follows the [ymin, xmin, ymax, xmax] layout used by
// the detector's ground truth.
type Box struct {
	YMin, XMin, YMax, XMax float32
}

// CenterBox is a box in center form: center coordinates plus width and height,
// all relative to the image.
type CenterBox struct {
	CX, CY, W, H float32
}

func (b Box) String() string {
	return fmt.Sprintf("Box (%f, %f), (%f, %f)", b.YMin, b.XMin, b.YMax, b.XMax)
}

func (c CenterBox) String() string {
	return fmt.Sprintf("CenterBox center=(%f, %f) size=(%f, %f)", c.CX, c.CY, c.W, c.H)
}

// Width returns the box width, never negative.
func (b Box) Width() float32 {
	return math32.Max(b.XMax-b.XMin, 0)
}

// Height returns the box height, never negative.
func (b Box) Height() float32 {
	return math32.Max(b.YMax-b.YMin, 0)
}

// Area returns the area of the box.
func (b Box) Area() float32 {
	return (b.XMax - b.XMin) * (b.YMax - b.YMin)
}

// Intersection calculates the intersection area between two boxes.
//
// Arguments:
//   - other: The other box to calculate intersection with.
//
// Returns:
//   - The overlapping area, 0 when the boxes are disjoint or only touch.
//
// @example
// a := Box{YMin: 0, XMin: 0, YMax: 0.5, XMax: 0.5}
// b := Box{YMin: 0.25, XMin: 0.25, YMax: 0.75, XMax: 0.75}
// area := a.Intersection(b) // 0.0625
func (b Box) Intersection(other Box) float32 {
	ymin := math32.Max(b.YMin, other.YMin)
	xmin := math32.Max(b.XMin, other.XMin)
	ymax := math32.Min(b.YMax, other.YMax)
	xmax := math32.Min(b.XMax, other.XMax)

	h := math32.Max(ymax-ymin, 0)
	w := math32.Max(xmax-xmin, 0)
	return h * w
}

// Union calculates the union area between two boxes using inclusion-exclusion.
func (b Box) Union(other Box) float32 {
	return b.Area() + other.Area() - b.Intersection(other)
}

// IoU calculates the Intersection over Union (jaccard overlap) of two boxes.
//
// Returns 0 when the union is empty so degenerate boxes never produce NaN.
func (b Box) IoU(other Box) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip clamps every coordinate of the box into [0, 1].
func (b Box) Clip() Box {
	return Box{
		YMin: clamp01(b.YMin),
		XMin: clamp01(b.XMin),
		YMax: clamp01(b.YMax),
		XMax: clamp01(b.XMax),
	}
}

// Center converts the box into center form.
func (b Box) Center() CenterBox {
	return CenterBox{
		CX: (b.XMin + b.XMax) / 2,
		CY: (b.YMin + b.YMax) / 2,
		W:  b.XMax - b.XMin,
		H:  b.YMax - b.YMin,
	}
}

// Corners converts the center box into corner form.
func (c CenterBox) Corners() Box {
	return Box{
		YMin: c.CY - c.H/2,
		XMin: c.CX - c.W/2,
		YMax: c.CY + c.H/2,
		XMax: c.CX + c.W/2,
	}
}

// AspectRatio returns W/H, or 0 for a box with no height.
func (c CenterBox) AspectRatio() float32 {
	if c.H == 0 {
		return 0
	}
	return c.W / c.H
}

func clamp01(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 1)
}
