package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Param is a named learnable (or buffered) array with its gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func NewParam(name string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

func (p *Param) Len() int {
	return len(p.Value)
}

func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

func (p *Param) Fill(v float64) *Param {
	for i := range p.Value {
		p.Value[i] = v
	}
	return p
}

// Layer is one differentiable stage: it maps a feature map to a feature map.
type Layer interface {
	Forward(x *Tensor, training bool) *Tensor
	Backward(dy *Tensor) *Tensor
	Params() []*Param
	Buffers() []*Param
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the total number of scalar values across params.
func CountParams(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.Len()
	}
	return total
}

// StateDict maps parameter and buffer names to their values.
type StateDict map[string][]float64

// Collect copies the values of params into a new StateDict.
func Collect(params ...[]*Param) StateDict {
	sd := make(StateDict)
	for _, group := range params {
		for _, p := range group {
			v := make([]float64, len(p.Value))
			copy(v, p.Value)
			sd[p.Name] = v
		}
	}
	return sd
}

// Restore copies values from sd into params. Every param must be present with
// a matching length.
func Restore(sd StateDict, params []*Param) error {
	for _, p := range params {
		v, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("state dict: missing %q", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("state dict: %q has %d values, want %d (shape %v)", p.Name, len(v), len(p.Value), p.Shape)
		}
		copy(p.Value, v)
	}
	return nil
}

// KaimingUniform fills data from U(-1/sqrt(fanIn), 1/sqrt(fanIn)), which is
// the default initialisation of bias-free convolutions and linear layers.
func KaimingUniform(rng *rand.Rand, data []float64, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	uniform(rng, data, bound)
}

// XavierUniform fills data from U(-b, b) with b = sqrt(6/(fanIn+fanOut)).
func XavierUniform(rng *rand.Rand, data []float64, fanIn, fanOut int) {
	bound := math.Sqrt(6 / float64(fanIn+fanOut))
	uniform(rng, data, bound)
}

func uniform(rng *rand.Rand, data []float64, bound float64) {
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
}
