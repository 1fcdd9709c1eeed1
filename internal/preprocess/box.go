// Package preprocess turns decoded images and detector boxes into the
// normalised face crops the network consumes.
package preprocess

import (
	"image"

	"github.com/andresmejia3/mobileface/internal/types"
)

const (
	// MinFaceSize is the smallest accepted box side after clamping.
	MinFaceSize = 30
	// DefaultMargin is the fraction of the box size added on each side when
	// cutting training crops.
	DefaultMargin = 0.2
)

// ClampBox pulls a detector box inside an image of the given width and
// height. The box keeps at least one pixel in each direction; ok is false
// when the clamped box is smaller than MinFaceSize on either side.
func ClampBox(b types.BoundingBox, width, height int) (types.BoundingBox, bool) {
	if width <= 0 || height <= 0 {
		return types.BoundingBox{}, false
	}
	b.X = max(0, min(b.X, width-1))
	b.Y = max(0, min(b.Y, height-1))
	b.Width = max(1, min(b.Width, width-b.X))
	b.Height = max(1, min(b.Height, height-b.Y))
	return b, b.Width >= MinFaceSize && b.Height >= MinFaceSize
}

// ClampBoxes clamps every box and drops the ones that end up too small.
func ClampBoxes(boxes []types.BoundingBox, width, height int) []types.BoundingBox {
	out := make([]types.BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		if c, ok := ClampBox(b, width, height); ok {
			out = append(out, c)
		}
	}
	return out
}

// ExpandBox grows b by margin times its size on every side, truncated to the
// image. The result may be empty when b lies outside the image.
func ExpandBox(b types.BoundingBox, margin float64, width, height int) types.BoundingBox {
	dx := int(float64(b.Width) * margin)
	dy := int(float64(b.Height) * margin)
	x1 := max(0, b.X-dx)
	y1 := max(0, b.Y-dy)
	x2 := min(width, b.X+b.Width+dx)
	y2 := min(height, b.Y+b.Height+dy)
	return types.BoundingBox{X: x1, Y: y1, Width: max(0, x2-x1), Height: max(0, y2-y1)}
}

// boxIn translates b into the coordinate space of bounds.
func boxIn(b types.BoundingBox, bounds image.Rectangle) image.Rectangle {
	return b.Rect().Add(bounds.Min).Intersect(bounds)
}
