package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// NormEps guards the division when normalising a (near) zero vector.
const NormEps = 1e-12

// L2Norm rescales every sample to unit Euclidean length: y = x / max(|x|, eps).
type L2Norm struct {
	output *Tensor
	norms  []float64
}

func (l *L2Norm) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, x.C, x.H, x.W)
	norms := make([]float64, x.N)
	for n := 0; n < x.N; n++ {
		norms[n] = NormalizeInto(y.Sample(n), x.Sample(n))
	}
	if training {
		l.output = y
		l.norms = norms
	}
	return y
}

func (l *L2Norm) Backward(dy *Tensor) *Tensor {
	y := l.output
	if y == nil {
		panic("nn: L2Norm.Backward without a training forward pass")
	}
	l.output = nil

	dx := NewTensor(dy.N, dy.C, dy.H, dy.W)
	for n := 0; n < dy.N; n++ {
		NormalizeBackward(dx.Sample(n), dy.Sample(n), y.Sample(n), l.norms[n])
	}
	return dx
}

func (l *L2Norm) Params() []*Param  { return nil }
func (l *L2Norm) Buffers() []*Param { return nil }

// NormalizeInto writes src/max(|src|, eps) into dst and returns |src|.
func NormalizeInto(dst, src []float64) float64 {
	norm := floats.Norm(src, 2)
	floats.ScaleTo(dst, 1/math.Max(norm, NormEps), src)
	return norm
}

// NormalizeBackward accumulates into dx the gradient of y = x/max(|x|, eps)
// given the upstream gradient dy, the forward output y and |x|.
func NormalizeBackward(dx, dy, y []float64, norm float64) {
	if norm <= NormEps {
		floats.AddScaled(dx, 1/NormEps, dy)
		return
	}
	dot := floats.Dot(dy, y)
	floats.AddScaled(dx, 1/norm, dy)
	floats.AddScaled(dx, -dot/norm, y)
}
