package train

import (
	"fmt"

	"github.com/andresmejia3/mobileface/internal/loss"
	"github.com/andresmejia3/mobileface/internal/types"
)

// Options holds the hyper-parameters of a training run. The yaml tags match
// the keys accepted by `train --config`.
type Options struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	LearningRate    float64 `yaml:"learning_rate"`
	WeightDecay     float64 `yaml:"weight_decay"`
	MaxGradNorm     float64 `yaml:"max_grad_norm"`
	Margin          float64 `yaml:"margin"`
	Scale           float64 `yaml:"scale"`
	TMax            int     `yaml:"t_max"`
	EtaMin          float64 `yaml:"eta_min"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
	LogEvery        int     `yaml:"log_every"`
	ValSplit        float64 `yaml:"val_split"`
	Seed            uint64  `yaml:"seed"`
	EmbeddingSize   int     `yaml:"embedding_size"`
	InputSize       int     `yaml:"input_size"`
	Workers         int     `yaml:"workers"`
}

func DefaultOptions() Options {
	return Options{
		Epochs:          30,
		BatchSize:       32,
		LearningRate:    1e-3,
		WeightDecay:     5e-4,
		MaxGradNorm:     1.0,
		Margin:          loss.DefaultMargin,
		Scale:           loss.DefaultScale,
		TMax:            30,
		EtaMin:          1e-6,
		CheckpointEvery: 10,
		LogEvery:        10,
		ValSplit:        0.2,
		Seed:            42,
		EmbeddingSize:   types.DefaultEmbeddingSize,
		InputSize:       types.CropSize,
		Workers:         4,
	}
}

func (o Options) Validate() error {
	switch {
	case o.Epochs < 1:
		return fmt.Errorf("epochs must be at least 1, got %d", o.Epochs)
	case o.BatchSize < 2:
		return fmt.Errorf("batch size must be at least 2 for batch normalisation, got %d", o.BatchSize)
	case o.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", o.LearningRate)
	case o.WeightDecay < 0:
		return fmt.Errorf("weight decay cannot be negative, got %v", o.WeightDecay)
	case o.MaxGradNorm <= 0:
		return fmt.Errorf("max grad norm must be positive, got %v", o.MaxGradNorm)
	case o.Margin < 0:
		return fmt.Errorf("margin cannot be negative, got %v", o.Margin)
	case o.Scale <= 0:
		return fmt.Errorf("scale must be positive, got %v", o.Scale)
	case o.TMax < 1:
		return fmt.Errorf("t_max must be at least 1, got %d", o.TMax)
	case o.EtaMin < 0 || o.EtaMin > o.LearningRate:
		return fmt.Errorf("eta_min must be within [0, learning rate], got %v", o.EtaMin)
	case o.CheckpointEvery < 0:
		return fmt.Errorf("checkpoint interval cannot be negative, got %d", o.CheckpointEvery)
	case o.ValSplit < 0 || o.ValSplit >= 1:
		return fmt.Errorf("validation split must be within [0, 1), got %v", o.ValSplit)
	case o.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", o.Workers)
	}
	return nil
}
