package types

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/blas/blas64"
)

const (
	// CropSize is the side length of the square face crop fed to the network.
	CropSize = 112
	// CropChannels is the number of colour channels in a FaceCrop (RGB).
	CropChannels = 3
	// DefaultEmbeddingSize is the default embedding dimensionality D.
	DefaultEmbeddingSize = 128
)

// FaceCrop is a square RGB face image normalised to [-1, 1] (mean 0.5, std 0.5),
// stored channel-major: Pix[c*Size*Size + y*Size + x].
type FaceCrop struct {
	Size int
	Pix  []float64
}

// NewFaceCrop allocates a zeroed crop of the given side length.
func NewFaceCrop(size int) FaceCrop {
	return FaceCrop{Size: size, Pix: make([]float64, CropChannels*size*size)}
}

// Validate checks the crop against the side length expected by a network.
func (c FaceCrop) Validate(size int) error {
	if c.Size != size {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrCropSize, c.Size, c.Size, size, size)
	}
	if len(c.Pix) != CropChannels*size*size {
		return fmt.Errorf("%w: %d values for a %dx%dx%d crop", ErrCropSize, len(c.Pix), CropChannels, size, size)
	}
	return nil
}

// Embedding is a unit-norm face descriptor. Treat it as immutable once produced.
type Embedding []float64

func (e Embedding) vec() blas64.Vector {
	return blas64.Vector{N: len(e), Data: e, Inc: 1}
}

// Norm returns the L2 norm.
func (e Embedding) Norm() float64 {
	if len(e) == 0 {
		return 0
	}
	return blas64.Nrm2(e.vec())
}

// Dot returns the dot product, which is the cosine similarity for unit vectors.
// It panics when the lengths differ; callers compare dimensions first.
func (e Embedding) Dot(o Embedding) float64 {
	if len(e) == 0 && len(o) == 0 {
		return 0
	}
	return blas64.Dot(e.vec(), o.vec())
}

// Clone returns a copy that does not share storage with e.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// Normalize returns a unit-length copy of v. A zero vector stays zero.
func Normalize(v []float64) Embedding {
	out := Embedding(v).Clone()
	if norm := out.Norm(); norm != 0 {
		blas64.Scal(1/norm, out.vec())
	}
	return out
}

// BoundingBox is a face location in pixel coordinates relative to the image origin.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// EnrollmentSet is the ordered sequence of crops registered for one identity.
type EnrollmentSet struct {
	Name  string
	Paths []string
	Crops []FaceCrop
}
