// Package nn holds the small set of differentiable building blocks the face
// embedding network is made of. Every layer caches what its backward pass
// needs only when called in training mode; an evaluation-mode forward pass
// never writes to the layer, so a frozen network can be shared by readers.
package nn

import "fmt"

// Tensor is a dense NCHW float64 array.
type Tensor struct {
	N, C, H, W int
	Data       []float64
}

func NewTensor(n, c, h, w int) *Tensor {
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float64, n*c*h*w)}
}

// SampleSize is the number of values per batch element.
func (t *Tensor) SampleSize() int {
	return t.C * t.H * t.W
}

// Sample returns the slice backing batch element n.
func (t *Tensor) Sample(n int) []float64 {
	size := t.SampleSize()
	return t.Data[n*size : (n+1)*size]
}

// Plane returns the H*W slice for element n, channel c.
func (t *Tensor) Plane(n, c int) []float64 {
	size := t.H * t.W
	off := (n*t.C + c) * size
	return t.Data[off : off+size]
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{N: t.N, C: t.C, H: t.H, W: t.W, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return t.N == o.N && t.C == o.C && t.H == o.H && t.W == o.W
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d,%d,%d,%d]", t.N, t.C, t.H, t.W)
}
