// Package loss implements the additive cosine margin loss used to train the
// embedding network.
package loss

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/andresmejia3/mobileface/internal/nn"
)

const (
	DefaultScale  = 30.0
	DefaultMargin = 0.35
)

// MarginLoss owns one learned direction per class. For a batch of
// embeddings it computes cosine similarities to every direction, subtracts
// Margin at the true class, scales by Scale and applies cross-entropy.
type MarginLoss struct {
	Classes int
	Dim     int
	Scale   float64
	Margin  float64
	Weight  *nn.Param // [Classes, Dim]

	cache *forwardCache
}

type forwardCache struct {
	labels  []int
	emb     *mat.Dense // normalised embeddings, [N, Dim]
	embNorm []float64
	dir     *mat.Dense // normalised class directions, [Classes, Dim]
	dirNorm []float64
	probs   *mat.Dense // [N, Classes]
}

// Output is the result of one loss evaluation.
type Output struct {
	Loss float64
	// Logits are the scaled, margin-adjusted values, [N][C].
	Logits [][]float64
	// Cosine holds the raw similarities before the margin, [N][C].
	Cosine [][]float64
	// Predicted is the arg-max class of each row of Logits.
	Predicted []int
	Correct   int
}

// New creates the loss with Xavier-initialised class directions.
func New(classes, dim int, scale, margin float64, rng *rand.Rand) (*MarginLoss, error) {
	if classes < 1 {
		return nil, fmt.Errorf("margin loss needs at least one class, got %d", classes)
	}
	if dim < 1 {
		return nil, fmt.Errorf("margin loss needs a positive dimension, got %d", dim)
	}
	if margin < 0 {
		return nil, fmt.Errorf("margin must not be negative, got %v", margin)
	}
	w := nn.NewParam("classifier.weight", classes, dim)
	nn.XavierUniform(rng, w.Value, dim, classes)
	return &MarginLoss{Classes: classes, Dim: dim, Scale: scale, Margin: margin, Weight: w}, nil
}

// Forward evaluates the loss. emb is [N, Dim, 1, 1] (or any shape with Dim
// values per sample). When training is true the intermediate values are kept
// for Backward.
func (l *MarginLoss) Forward(emb *nn.Tensor, labels []int, training bool) (Output, error) {
	if emb.SampleSize() != l.Dim {
		return Output{}, fmt.Errorf("margin loss: embedding has %d values, want %d", emb.SampleSize(), l.Dim)
	}
	if len(labels) != emb.N {
		return Output{}, fmt.Errorf("margin loss: %d labels for %d embeddings", len(labels), emb.N)
	}
	if emb.N == 0 {
		return Output{}, fmt.Errorf("margin loss: empty batch")
	}
	for i, y := range labels {
		if y < 0 || y >= l.Classes {
			return Output{}, fmt.Errorf("margin loss: label %d of sample %d outside [0, %d)", y, i, l.Classes)
		}
	}

	c := &forwardCache{
		labels:  labels,
		emb:     mat.NewDense(emb.N, l.Dim, nil),
		embNorm: make([]float64, emb.N),
		dir:     mat.NewDense(l.Classes, l.Dim, nil),
		dirNorm: make([]float64, l.Classes),
		probs:   mat.NewDense(emb.N, l.Classes, nil),
	}
	for k := 0; k < l.Classes; k++ {
		c.dirNorm[k] = nn.NormalizeInto(c.dir.RawRowView(k), l.Weight.Value[k*l.Dim:(k+1)*l.Dim])
	}
	for i := 0; i < emb.N; i++ {
		c.embNorm[i] = nn.NormalizeInto(c.emb.RawRowView(i), emb.Sample(i))
	}

	var cosine mat.Dense
	cosine.Mul(c.emb, c.dir.T())

	out := Output{
		Logits:    make([][]float64, emb.N),
		Cosine:    make([][]float64, emb.N),
		Predicted: make([]int, emb.N),
	}
	var total float64
	for i := 0; i < emb.N; i++ {
		cos := mat.Row(nil, i, &cosine)
		logits := make([]float64, l.Classes)
		floats.ScaleTo(logits, l.Scale, cos)
		logits[labels[i]] -= l.Scale * l.Margin

		lse := softmaxInto(c.probs.RawRowView(i), logits)
		total += lse - logits[labels[i]]

		out.Cosine[i] = cos
		out.Logits[i] = logits
		out.Predicted[i] = floats.MaxIdx(logits)
		if out.Predicted[i] == labels[i] {
			out.Correct++
		}
	}
	out.Loss = total / float64(emb.N)

	if training {
		l.cache = c
	}
	return out, nil
}

// Backward returns the gradient of the mean loss with respect to the
// embeddings and accumulates the gradient of the class directions.
func (l *MarginLoss) Backward() *nn.Tensor {
	c := l.cache
	if c == nil {
		panic("loss: MarginLoss.Backward without a training forward pass")
	}
	l.cache = nil

	n := len(c.labels)
	// d loss / d cosine = Scale * (p - onehot) / N
	dCos := mat.DenseCopyOf(c.probs)
	for i, y := range c.labels {
		dCos.Set(i, y, dCos.At(i, y)-1)
	}
	dCos.Scale(l.Scale/float64(n), dCos)

	var dEmbN, dDir mat.Dense
	dEmbN.Mul(dCos, c.dir)
	dDir.Mul(dCos.T(), c.emb)

	dEmb := nn.NewTensor(n, l.Dim, 1, 1)
	for i := 0; i < n; i++ {
		nn.NormalizeBackward(dEmb.Sample(i), dEmbN.RawRowView(i), c.emb.RawRowView(i), c.embNorm[i])
	}
	for k := 0; k < l.Classes; k++ {
		nn.NormalizeBackward(l.Weight.Grad[k*l.Dim:(k+1)*l.Dim], dDir.RawRowView(k), c.dir.RawRowView(k), c.dirNorm[k])
	}
	return dEmb
}

func (l *MarginLoss) Params() []*nn.Param {
	return []*nn.Param{l.Weight}
}

func (l *MarginLoss) StateDict() nn.StateDict {
	return nn.Collect(l.Params())
}

func (l *MarginLoss) LoadStateDict(sd nn.StateDict) error {
	if err := nn.Restore(sd, l.Params()); err != nil {
		return fmt.Errorf("load margin loss: %w", err)
	}
	return nil
}

// softmaxInto writes the probabilities of z into p and returns the
// log-sum-exp of z.
func softmaxInto(p, z []float64) float64 {
	lse := floats.LogSumExp(z)
	for i, v := range z {
		p[i] = math.Exp(v - lse)
	}
	return lse
}
