package model

import (
	"math/rand/v2"

	"github.com/andresmejia3/mobileface/internal/nn"
)

// ConvBlock is convolution, batch normalisation and PReLU in sequence.
type ConvBlock struct {
	Conv  *nn.Conv2D
	BN    *nn.BatchNorm2D
	PReLU *nn.PReLU
}

func NewConvBlock(name string, inC, outC, kernel, stride, pad, groups int, rng *rand.Rand) *ConvBlock {
	return &ConvBlock{
		Conv:  nn.NewConv2D(name+".conv", inC, outC, kernel, stride, pad, groups, rng),
		BN:    nn.NewBatchNorm2D(name+".bn", outC),
		PReLU: nn.NewPReLU(name+".prelu", outC),
	}
}

func (b *ConvBlock) Forward(x *nn.Tensor, training bool) *nn.Tensor {
	x = b.Conv.Forward(x, training)
	x = b.BN.Forward(x, training)
	return b.PReLU.Forward(x, training)
}

func (b *ConvBlock) Backward(dy *nn.Tensor) *nn.Tensor {
	dy = b.PReLU.Backward(dy)
	dy = b.BN.Backward(dy)
	return b.Conv.Backward(dy)
}

func (b *ConvBlock) Params() []*nn.Param {
	out := b.Conv.Params()
	out = append(out, b.BN.Params()...)
	return append(out, b.PReLU.Params()...)
}

func (b *ConvBlock) Buffers() []*nn.Param {
	return b.BN.Buffers()
}

// OutSize is the spatial extent produced for an input extent.
func (b *ConvBlock) OutSize(in int) int {
	return b.Conv.OutSize(in)
}

// DepthwiseSeparable factors a 3x3 convolution into a per-channel 3x3 pass
// followed by a 1x1 channel-mixing pass.
type DepthwiseSeparable struct {
	Depthwise *ConvBlock
	Pointwise *ConvBlock
}

func NewDepthwiseSeparable(name string, inC, outC, stride int, rng *rand.Rand) *DepthwiseSeparable {
	return &DepthwiseSeparable{
		Depthwise: NewConvBlock(name+".depthwise", inC, inC, 3, stride, 1, inC, rng),
		Pointwise: NewConvBlock(name+".pointwise", inC, outC, 1, 1, 0, 1, rng),
	}
}

func (d *DepthwiseSeparable) Forward(x *nn.Tensor, training bool) *nn.Tensor {
	return d.Pointwise.Forward(d.Depthwise.Forward(x, training), training)
}

func (d *DepthwiseSeparable) Backward(dy *nn.Tensor) *nn.Tensor {
	return d.Depthwise.Backward(d.Pointwise.Backward(dy))
}

func (d *DepthwiseSeparable) Params() []*nn.Param {
	return append(d.Depthwise.Params(), d.Pointwise.Params()...)
}

func (d *DepthwiseSeparable) Buffers() []*nn.Param {
	return append(d.Depthwise.Buffers(), d.Pointwise.Buffers()...)
}

func (d *DepthwiseSeparable) OutSize(in int) int {
	return d.Pointwise.OutSize(d.Depthwise.OutSize(in))
}
