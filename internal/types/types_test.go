package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	e := Normalize([]float64{3, 0, 4})
	assert.InDeltaSlice(t, []float64{0.6, 0, 0.8}, []float64(e), 1e-12)
	assert.InDelta(t, 1.0, e.Norm(), 1e-12)

	assert.Equal(t, Embedding{0, 0}, Normalize([]float64{0, 0}))
	assert.Empty(t, Normalize(nil))
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	v := []float64{2, 0}
	Normalize(v)
	assert.Equal(t, []float64{2, 0}, v)
}

func TestDot(t *testing.T) {
	a := Normalize([]float64{1, 1})
	assert.InDelta(t, 1.0, a.Dot(a), 1e-12)
	assert.InDelta(t, 0.0, a.Dot(Normalize([]float64{1, -1})), 1e-12)
	assert.InDelta(t, -1.0, a.Dot(Normalize([]float64{-1, -1})), 1e-12)
	assert.Zero(t, Embedding{}.Dot(Embedding{}))
}

func TestDotPanicsOnDimensionMismatch(t *testing.T) {
	assert.Panics(t, func() { Embedding{1, 0}.Dot(Embedding{1, 0, 0}) })
}
