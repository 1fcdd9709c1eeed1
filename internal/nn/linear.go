package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer over flattened samples.
// The output is shaped [N, Out, 1, 1].
type Linear struct {
	In, Out int
	Weight  *Param // [Out, In]
	Bias    *Param // [Out]

	input *Tensor
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", out, in),
		Bias:   NewParam(name+".bias", out),
	}
	KaimingUniform(rng, l.Weight.Value, in)
	KaimingUniform(rng, l.Bias.Value, in)
	return l
}

func (l *Linear) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, l.Out, 1, 1)
	w := mat.NewDense(l.Out, l.In, l.Weight.Value)
	mat.NewDense(x.N, l.Out, y.Data).Mul(mat.NewDense(x.N, l.In, x.Data), w.T())
	for n := 0; n < x.N; n++ {
		floats.Add(y.Sample(n), l.Bias.Value)
	}
	if training {
		l.input = x
	}
	return y
}

func (l *Linear) Backward(dy *Tensor) *Tensor {
	x := l.input
	if x == nil {
		panic("nn: Linear.Backward without a training forward pass")
	}
	l.input = nil

	g := mat.NewDense(x.N, l.Out, dy.Data)
	in := mat.NewDense(x.N, l.In, x.Data)

	var step mat.Dense
	step.Mul(g.T(), in)
	grad := mat.NewDense(l.Out, l.In, l.Weight.Grad)
	grad.Add(grad, &step)
	for n := 0; n < x.N; n++ {
		floats.Add(l.Bias.Grad, dy.Sample(n))
	}

	dx := NewTensor(x.N, x.C, x.H, x.W)
	mat.NewDense(x.N, l.In, dx.Data).Mul(g, mat.NewDense(l.Out, l.In, l.Weight.Value))
	return dx
}

func (l *Linear) Params() []*Param  { return []*Param{l.Weight, l.Bias} }
func (l *Linear) Buffers() []*Param { return nil }
