package dataset

import (
	"math/rand/v2"

	"github.com/andresmejia3/mobileface/internal/types"
)

// Batch is one mini-batch. Crops share storage with the dataset.
type Batch struct {
	Crops  []types.FaceCrop
	Labels []int
}

// Loader cuts samples into batches, reshuffling every epoch when Shuffle is set.
type Loader struct {
	Samples   []Sample
	BatchSize int
	Shuffle   bool
	Seed      uint64
}

// Len is the number of batches per epoch, the last one possibly short.
func (l *Loader) Len() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (len(l.Samples) + l.BatchSize - 1) / l.BatchSize
}

// Size is the number of samples.
func (l *Loader) Size() int {
	return len(l.Samples)
}

// Batches returns the batches of one epoch. The order is a pure function of
// Seed and epoch.
func (l *Loader) Batches(epoch int) []Batch {
	if l.BatchSize <= 0 {
		return nil
	}
	n := len(l.Samples)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewPCG(l.Seed, uint64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make([]Batch, 0, l.Len())
	for start := 0; start < n; start += l.BatchSize {
		end := min(start+l.BatchSize, n)
		b := Batch{
			Crops:  make([]types.FaceCrop, 0, end-start),
			Labels: make([]int, 0, end-start),
		}
		for _, idx := range order[start:end] {
			b.Crops = append(b.Crops, l.Samples[idx].Crop)
			b.Labels = append(b.Labels, l.Samples[idx].Label)
		}
		out = append(out, b)
	}
	return out
}
