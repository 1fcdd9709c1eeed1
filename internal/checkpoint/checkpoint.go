// Package checkpoint defines the training snapshot and the stores it is
// written to.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/andresmejia3/mobileface/internal/nn"
)

// Well-known checkpoint names written by a training run.
const (
	Best   = "best_model"
	Final  = "final_model"
	Mobile = "mobile_model"
)

var ErrNotFound = errors.New("checkpoint not found")

// PeriodicName is the name of the checkpoint written every few epochs.
func PeriodicName(epoch int) string {
	return fmt.Sprintf("checkpoint_epoch_%d", epoch)
}

// Moments are the AdamW running averages for one parameter.
type Moments struct {
	M []float64
	V []float64
}

// GroupState is one optimizer parameter group.
type GroupState struct {
	Name        string
	LR          float64
	WeightDecay float64
	Moments     map[string]*Moments
}

// OptimizerState is the full AdamW state.
type OptimizerState struct {
	Step   int
	Beta1  float64
	Beta2  float64
	Eps    float64
	Groups []GroupState
}

// Clone deep-copies the state so a snapshot does not alias live buffers.
func (s *OptimizerState) Clone() *OptimizerState {
	if s == nil {
		return nil
	}
	out := *s
	out.Groups = make([]GroupState, len(s.Groups))
	for i, g := range s.Groups {
		cg := g
		cg.Moments = make(map[string]*Moments, len(g.Moments))
		for name, m := range g.Moments {
			cg.Moments[name] = &Moments{
				M: append([]float64(nil), m.M...),
				V: append([]float64(nil), m.V...),
			}
		}
		out.Groups[i] = cg
	}
	return &out
}

// SchedulerState is the cosine annealing schedule position.
type SchedulerState struct {
	BaseLR    float64
	EtaMin    float64
	TMax      int
	LastEpoch int
}

// EpochRecord is one completed epoch. Accuracies are percentages.
type EpochRecord struct {
	Epoch         int     `json:"epoch" yaml:"epoch"`
	TrainLoss     float64 `json:"train_loss" yaml:"train_loss"`
	ValLoss       float64 `json:"val_loss" yaml:"val_loss"`
	TrainAccuracy float64 `json:"train_acc" yaml:"train_acc"`
	ValAccuracy   float64 `json:"val_acc" yaml:"val_acc"`
	LearningRate  float64 `json:"learning_rate" yaml:"learning_rate"`
}

// History is append-only, one record per completed epoch.
type History []EpochRecord

// Preprocessing describes how crops must be prepared for the exported model.
type Preprocessing struct {
	Resize        [2]int     `json:"resize" yaml:"resize"`
	NormalizeMean [3]float64 `json:"normalize_mean" yaml:"normalize_mean"`
	NormalizeStd  [3]float64 `json:"normalize_std" yaml:"normalize_std"`
}

// ModelInfo is the deployment metadata attached to an inference export.
type ModelInfo struct {
	ModelName       string        `json:"model_name" yaml:"model_name"`
	NumClasses      int           `json:"num_classes" yaml:"num_classes"`
	ClassNames      []string      `json:"class_names" yaml:"class_names"`
	EmbeddingSize   int           `json:"embedding_size" yaml:"embedding_size"`
	InputSize       [3]int        `json:"input_size" yaml:"input_size"`
	Preprocessing   Preprocessing `json:"preprocessing" yaml:"preprocessing"`
	BestValAccuracy float64       `json:"best_val_accuracy" yaml:"best_val_accuracy"`
	ModelSizeMB     float64       `json:"model_size_mb" yaml:"model_size_mb"`
	ParameterCount  int           `json:"parameter_count" yaml:"parameter_count"`
}

// Checkpoint is a named training snapshot. Criterion, Optimizer and
// Scheduler are nil in an inference export.
type Checkpoint struct {
	RunID         string
	Epoch         int
	ValAccuracy   float64
	NumClasses    int
	ClassNames    []string
	EmbeddingSize int
	InputSize     int

	Model     nn.StateDict
	Criterion nn.StateDict
	Optimizer *OptimizerState
	Scheduler *SchedulerState
	History   History

	// BestValAccuracy is the best validation accuracy seen when this
	// snapshot was taken, restored on resume.
	BestValAccuracy float64

	Info      *ModelInfo
	CreatedAt time.Time
}

// InferenceOnly returns a copy stripped of loss, optimizer and scheduler state.
func (c *Checkpoint) InferenceOnly() *Checkpoint {
	out := *c
	out.Model = maps.Clone(c.Model)
	out.ClassNames = append([]string(nil), c.ClassNames...)
	out.History = append(History(nil), c.History...)
	out.Criterion = nil
	out.Optimizer = nil
	out.Scheduler = nil
	return &out
}

// Trainable reports whether the snapshot carries enough state to resume.
func (c *Checkpoint) Trainable() bool {
	return c.Criterion != nil && c.Optimizer != nil && c.Scheduler != nil
}

// Summary is the listing view of a stored checkpoint.
type Summary struct {
	Name        string
	RunID       string
	Epoch       int
	ValAccuracy float64
	Size        int64
	CreatedAt   time.Time
}

func (c *Checkpoint) Summary(name string, size int64) Summary {
	return Summary{
		Name:        name,
		RunID:       c.RunID,
		Epoch:       c.Epoch,
		ValAccuracy: c.ValAccuracy,
		Size:        size,
		CreatedAt:   c.CreatedAt,
	}
}

// Encode writes c in the store's binary format.
func Encode(w io.Writer, c *Checkpoint) error {
	if err := gob.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Decode reads a checkpoint written by Encode.
func Decode(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := gob.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &c, nil
}

// Marshal is Encode into a byte slice.
func Marshal(c *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Checkpoint, error) {
	return Decode(bytes.NewReader(data))
}
