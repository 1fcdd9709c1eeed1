package nn

import "math"

const (
	bnMomentum = 0.1
	bnEps      = 1e-5
)

// BatchNorm2D normalises each channel with batch statistics while training
// and with exponential running statistics at inference.
type BatchNorm2D struct {
	C           int
	Momentum    float64
	Eps         float64
	Weight      *Param
	Bias        *Param
	RunningMean *Param
	RunningVar  *Param

	xhat   *Tensor
	invStd []float64
}

func NewBatchNorm2D(name string, channels int) *BatchNorm2D {
	return &BatchNorm2D{
		C:           channels,
		Momentum:    bnMomentum,
		Eps:         bnEps,
		Weight:      NewParam(name+".weight", channels).Fill(1),
		Bias:        NewParam(name+".bias", channels),
		RunningMean: NewParam(name+".running_mean", channels),
		RunningVar:  NewParam(name+".running_var", channels).Fill(1),
	}
}

func (b *BatchNorm2D) Forward(x *Tensor, training bool) *Tensor {
	y := NewTensor(x.N, x.C, x.H, x.W)
	m := x.N * x.H * x.W

	if !training {
		for c := 0; c < b.C; c++ {
			invStd := 1 / math.Sqrt(b.RunningVar.Value[c]+b.Eps)
			scale := b.Weight.Value[c] * invStd
			shift := b.Bias.Value[c] - b.RunningMean.Value[c]*scale
			for n := 0; n < x.N; n++ {
				in, out := x.Plane(n, c), y.Plane(n, c)
				for i, v := range in {
					out[i] = v*scale + shift
				}
			}
		}
		return y
	}

	xhat := NewTensor(x.N, x.C, x.H, x.W)
	invStds := make([]float64, b.C)
	for c := 0; c < b.C; c++ {
		var sum float64
		for n := 0; n < x.N; n++ {
			for _, v := range x.Plane(n, c) {
				sum += v
			}
		}
		mean := sum / float64(m)
		var sq float64
		for n := 0; n < x.N; n++ {
			for _, v := range x.Plane(n, c) {
				d := v - mean
				sq += d * d
			}
		}
		variance := sq / float64(m)
		invStd := 1 / math.Sqrt(variance+b.Eps)
		invStds[c] = invStd

		gamma, beta := b.Weight.Value[c], b.Bias.Value[c]
		for n := 0; n < x.N; n++ {
			in, xh, out := x.Plane(n, c), xhat.Plane(n, c), y.Plane(n, c)
			for i, v := range in {
				xh[i] = (v - mean) * invStd
				out[i] = gamma*xh[i] + beta
			}
		}

		unbiased := variance
		if m > 1 {
			unbiased = variance * float64(m) / float64(m-1)
		}
		b.RunningMean.Value[c] = (1-b.Momentum)*b.RunningMean.Value[c] + b.Momentum*mean
		b.RunningVar.Value[c] = (1-b.Momentum)*b.RunningVar.Value[c] + b.Momentum*unbiased
	}

	b.xhat = xhat
	b.invStd = invStds
	return y
}

func (b *BatchNorm2D) Backward(dy *Tensor) *Tensor {
	xhat := b.xhat
	if xhat == nil {
		panic("nn: BatchNorm2D.Backward without a training forward pass")
	}
	b.xhat = nil

	dx := NewTensor(dy.N, dy.C, dy.H, dy.W)
	m := float64(dy.N * dy.H * dy.W)
	for c := 0; c < b.C; c++ {
		var sumDy, sumDyXhat float64
		for n := 0; n < dy.N; n++ {
			g, xh := dy.Plane(n, c), xhat.Plane(n, c)
			for i, d := range g {
				sumDy += d
				sumDyXhat += d * xh[i]
			}
		}
		b.Bias.Grad[c] += sumDy
		b.Weight.Grad[c] += sumDyXhat

		k := b.Weight.Value[c] * b.invStd[c] / m
		for n := 0; n < dy.N; n++ {
			g, xh, out := dy.Plane(n, c), xhat.Plane(n, c), dx.Plane(n, c)
			for i, d := range g {
				out[i] = k * (m*d - sumDy - xh[i]*sumDyXhat)
			}
		}
	}
	return dx
}

func (b *BatchNorm2D) Params() []*Param  { return []*Param{b.Weight, b.Bias} }
func (b *BatchNorm2D) Buffers() []*Param { return []*Param{b.RunningMean, b.RunningVar} }
