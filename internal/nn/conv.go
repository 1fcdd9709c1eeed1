package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Conv2D is a bias-free grouped 2-D convolution with square kernels.
// Groups == 1 is a dense convolution and runs as im2col followed by a
// matrix product; Groups == InC == OutC is depthwise.
type Conv2D struct {
	InC, OutC int
	Kernel    int
	Stride    int
	Pad       int
	Groups    int
	Weight    *Param // [OutC, InC/Groups, Kernel, Kernel]

	input *Tensor
}

func NewConv2D(name string, inC, outC, kernel, stride, pad, groups int, rng *rand.Rand) *Conv2D {
	if groups < 1 || inC%groups != 0 || outC%groups != 0 {
		panic(fmt.Sprintf("nn: %s: channels %d->%d not divisible by %d groups", name, inC, outC, groups))
	}
	c := &Conv2D{
		InC:    inC,
		OutC:   outC,
		Kernel: kernel,
		Stride: stride,
		Pad:    pad,
		Groups: groups,
		Weight: NewParam(name+".weight", outC, inC/groups, kernel, kernel),
	}
	KaimingUniform(rng, c.Weight.Value, inC/groups*kernel*kernel)
	return c
}

// OutSize returns the output extent for an input extent.
func (c *Conv2D) OutSize(in int) int {
	return (in+2*c.Pad-c.Kernel)/c.Stride + 1
}

func (c *Conv2D) Forward(x *Tensor, training bool) *Tensor {
	if x.C != c.InC {
		panic(fmt.Sprintf("nn: %s expects %d input channels, got %v", c.Weight.Name, c.InC, x))
	}
	y := NewTensor(x.N, c.OutC, c.OutSize(x.H), c.OutSize(x.W))
	if c.Groups == 1 {
		c.forwardDense(x, y)
	} else {
		c.forwardGrouped(x, y)
	}
	if training {
		c.input = x
	}
	return y
}

func (c *Conv2D) Backward(dy *Tensor) *Tensor {
	x := c.input
	if x == nil {
		panic("nn: Conv2D.Backward without a training forward pass")
	}
	c.input = nil

	dx := NewTensor(x.N, x.C, x.H, x.W)
	if c.Groups == 1 {
		c.backwardDense(x, dy, dx)
	} else {
		c.backwardGrouped(x, dy, dx)
	}
	return dx
}

func (c *Conv2D) Params() []*Param  { return []*Param{c.Weight} }
func (c *Conv2D) Buffers() []*Param { return nil }

// weights views the kernel as an [OutC, InC*k*k] matrix sharing its storage.
func (c *Conv2D) weights(data []float64) *mat.Dense {
	return mat.NewDense(c.OutC, c.InC*c.Kernel*c.Kernel, data)
}

func (c *Conv2D) pointwise() bool {
	return c.Kernel == 1 && c.Stride == 1 && c.Pad == 0
}

// columns lays out the receptive fields of sample n as an
// [InC*k*k, oh*ow] matrix. A 1x1 stride-1 kernel reads the sample in place.
func (c *Conv2D) columns(x *Tensor, n, oh, ow int) *mat.Dense {
	if c.pointwise() {
		return mat.NewDense(c.InC, x.H*x.W, x.Sample(n))
	}
	k := c.Kernel
	area := oh * ow
	cols := make([]float64, c.InC*k*k*area)
	for ic := 0; ic < c.InC; ic++ {
		in := x.Plane(n, ic)
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((ic*k+kh)*k+kw)*area:][:area]
				for i := 0; i < oh; i++ {
					ih := i*c.Stride - c.Pad + kh
					if ih < 0 || ih >= x.H {
						continue
					}
					for j := 0; j < ow; j++ {
						iw := j*c.Stride - c.Pad + kw
						if iw < 0 || iw >= x.W {
							continue
						}
						row[i*ow+j] = in[ih*x.W+iw]
					}
				}
			}
		}
	}
	return mat.NewDense(c.InC*k*k, area, cols)
}

// scatter adds the column gradient of sample n back onto dx (col2im).
func (c *Conv2D) scatter(dx *Tensor, n int, dcols *mat.Dense, oh, ow int) {
	raw := dcols.RawMatrix()
	k := c.Kernel
	for ic := 0; ic < c.InC; ic++ {
		din := dx.Plane(n, ic)
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				r := (ic*k+kh)*k + kw
				row := raw.Data[r*raw.Stride:][:oh*ow]
				for i := 0; i < oh; i++ {
					ih := i*c.Stride - c.Pad + kh
					if ih < 0 || ih >= dx.H {
						continue
					}
					for j := 0; j < ow; j++ {
						iw := j*c.Stride - c.Pad + kw
						if iw < 0 || iw >= dx.W {
							continue
						}
						din[ih*dx.W+iw] += row[i*ow+j]
					}
				}
			}
		}
	}
}

func (c *Conv2D) forwardDense(x, y *Tensor) {
	w := c.weights(c.Weight.Value)
	for n := 0; n < x.N; n++ {
		out := mat.NewDense(c.OutC, y.H*y.W, y.Sample(n))
		out.Mul(w, c.columns(x, n, y.H, y.W))
	}
}

func (c *Conv2D) backwardDense(x, dy, dx *Tensor) {
	w := c.weights(c.Weight.Value)
	grad := c.weights(c.Weight.Grad)
	var step, dcols mat.Dense
	for n := 0; n < x.N; n++ {
		dout := mat.NewDense(c.OutC, dy.H*dy.W, dy.Sample(n))

		step.Mul(dout, c.columns(x, n, dy.H, dy.W).T())
		grad.Add(grad, &step)

		dcols.Mul(w.T(), dout)
		c.scatter(dx, n, &dcols, dy.H, dy.W)
	}
}

// forwardGrouped handles depthwise and other grouped convolutions, where
// each output channel only sees InC/Groups inputs.
func (c *Conv2D) forwardGrouped(x, y *Tensor) {
	inPer, outPer := c.InC/c.Groups, c.OutC/c.Groups
	k := c.Kernel
	oh, ow := y.H, y.W

	for n := 0; n < x.N; n++ {
		for oc := 0; oc < c.OutC; oc++ {
			out := y.Plane(n, oc)
			g := oc / outPer
			for icg := 0; icg < inPer; icg++ {
				in := x.Plane(n, g*inPer+icg)
				wBase := (oc*inPer + icg) * k * k
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						w := c.Weight.Value[wBase+kh*k+kw]
						for i := 0; i < oh; i++ {
							ih := i*c.Stride - c.Pad + kh
							if ih < 0 || ih >= x.H {
								continue
							}
							row := in[ih*x.W : (ih+1)*x.W]
							orow := out[i*ow : (i+1)*ow]
							for j := range orow {
								iw := j*c.Stride - c.Pad + kw
								if iw < 0 || iw >= x.W {
									continue
								}
								orow[j] += w * row[iw]
							}
						}
					}
				}
			}
		}
	}
}

func (c *Conv2D) backwardGrouped(x, dy, dx *Tensor) {
	inPer, outPer := c.InC/c.Groups, c.OutC/c.Groups
	k := c.Kernel
	oh, ow := dy.H, dy.W

	for n := 0; n < x.N; n++ {
		for oc := 0; oc < c.OutC; oc++ {
			dout := dy.Plane(n, oc)
			g := oc / outPer
			for icg := 0; icg < inPer; icg++ {
				ic := g*inPer + icg
				in := x.Plane(n, ic)
				din := dx.Plane(n, ic)
				wBase := (oc*inPer + icg) * k * k
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						w := c.Weight.Value[wBase+kh*k+kw]
						var gw float64
						for i := 0; i < oh; i++ {
							ih := i*c.Stride - c.Pad + kh
							if ih < 0 || ih >= x.H {
								continue
							}
							row := in[ih*x.W : (ih+1)*x.W]
							drow := din[ih*x.W : (ih+1)*x.W]
							grow := dout[i*ow : (i+1)*ow]
							for j, d := range grow {
								iw := j*c.Stride - c.Pad + kw
								if iw < 0 || iw >= x.W {
									continue
								}
								gw += d * row[iw]
								drow[iw] += w * d
							}
						}
						c.Weight.Grad[wBase+kh*k+kw] += gw
					}
				}
			}
		}
	}
}
