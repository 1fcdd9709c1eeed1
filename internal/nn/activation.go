package nn

// PReLU is a leaky ReLU with a learned slope per channel.
type PReLU struct {
	Weight *Param // [C]

	input *Tensor
}

func NewPReLU(name string, channels int) *PReLU {
	return &PReLU{Weight: NewParam(name+".weight", channels).Fill(0.25)}
}

func (p *PReLU) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, x.C, x.H, x.W)
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			a := p.Weight.Value[c]
			in, out := x.Plane(n, c), y.Plane(n, c)
			for i, v := range in {
				if v > 0 {
					out[i] = v
				} else {
					out[i] = a * v
				}
			}
		}
	}
	if training {
		p.input = x
	}
	return y
}

func (p *PReLU) Backward(dy *Tensor) *Tensor {
	x := p.input
	if x == nil {
		panic("nn: PReLU.Backward without a training forward pass")
	}
	p.input = nil

	dx := NewTensor(x.N, x.C, x.H, x.W)
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			a := p.Weight.Value[c]
			in, g, out := x.Plane(n, c), dy.Plane(n, c), dx.Plane(n, c)
			var ga float64
			for i, v := range in {
				if v > 0 {
					out[i] = g[i]
				} else {
					out[i] = a * g[i]
					ga += g[i] * v
				}
			}
			p.Weight.Grad[c] += ga
		}
	}
	return dx
}

func (p *PReLU) Params() []*Param  { return []*Param{p.Weight} }
func (p *PReLU) Buffers() []*Param { return nil }
