// Package train runs the optimisation loop that fits the embedding network
// and the margin loss, and decides which snapshots to keep.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/dataset"
	"github.com/andresmejia3/mobileface/internal/loss"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/nn"
	"github.com/andresmejia3/mobileface/internal/types"
)

// BatchSource yields the batches of one epoch.
type BatchSource interface {
	Batches(epoch int) []dataset.Batch
	Len() int
	Size() int
}

// State is everything that changes from one epoch to the next besides the
// weights. Each epoch step takes a State and returns the next one.
type State struct {
	// Epoch is the zero-based index of the next epoch to run.
	Epoch     int
	Optimizer *checkpoint.OptimizerState
	Scheduler checkpoint.SchedulerState
}

// Stats are the aggregate results of one pass over a source. Accuracy is a
// percentage.
type Stats struct {
	Loss     float64
	Accuracy float64
	Samples  int
	Batches  int
}

// Result summarises a finished run.
type Result struct {
	RunID           string
	BestValAccuracy float64
	History         checkpoint.History
	Duration        time.Duration
}

// noBest marks that no epoch has been validated yet, so the first one is
// always an improvement.
const noBest = -1.0

type Trainer struct {
	opts       Options
	net        *model.Network
	criterion  *loss.MarginLoss
	optimizer  *AdamW
	store      checkpoint.Store
	logger     *slog.Logger
	progress   io.Writer
	classNames []string

	runID   string
	state   State
	history checkpoint.History
	bestAcc float64
	now     func() time.Time
}

// Option customises a Trainer.
type Option func(*Trainer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithProgress draws a progress bar per epoch on w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// New prepares a run for net over the given classes. Snapshots go to store.
func New(net *model.Network, classNames []string, opts Options, store checkpoint.Store, options ...Option) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, types.ConfigurationError("new trainer", "", err)
	}
	if len(classNames) == 0 {
		return nil, types.ConfigurationError("new trainer", "", types.ErrNoIdentities)
	}
	if store == nil {
		return nil, types.ConfigurationError("new trainer", "", errors.New("no checkpoint store"))
	}

	rng := rand.New(rand.NewPCG(opts.Seed, uint64(len(classNames))))
	crit, err := loss.New(len(classNames), net.Config().EmbeddingSize, opts.Scale, opts.Margin, rng)
	if err != nil {
		return nil, types.ConfigurationError("new trainer", "", err)
	}

	t := &Trainer{
		opts:       opts,
		net:        net,
		criterion:  crit,
		store:      store,
		logger:     slog.New(slog.DiscardHandler),
		classNames: append([]string(nil), classNames...),
		runID:      uuid.NewString(),
		bestAcc:    noBest,
		now:        time.Now,
	}
	for _, o := range options {
		o(t)
	}

	// The classifier head never sees a gradient on the embedding path, so
	// it is not handed to the optimizer.
	t.optimizer = NewAdamW(
		Group{Name: "model", Params: net.Params(), WeightDecay: opts.WeightDecay},
		Group{Name: "criterion", Params: crit.Params(), WeightDecay: opts.WeightDecay},
	)
	t.state = State{
		Optimizer: t.optimizer.InitState(opts.LearningRate),
		Scheduler: NewScheduler(opts.LearningRate, opts.EtaMin, opts.TMax),
	}
	return t, nil
}

func (t *Trainer) RunID() string {
	return t.runID
}

func (t *Trainer) State() State {
	return t.state
}

func (t *Trainer) History() checkpoint.History {
	return append(checkpoint.History(nil), t.history...)
}

// Resume restores weights, optimizer, schedule, history and best accuracy
// from c and continues with the epoch after the one it was taken at.
func (t *Trainer) Resume(c *checkpoint.Checkpoint) error {
	if !c.Trainable() {
		return types.ConfigurationError("resume", "", errors.New("checkpoint has no optimizer state"))
	}
	if c.NumClasses != len(t.classNames) {
		return types.ConfigurationError("resume", "", fmt.Errorf("checkpoint has %d classes, dataset has %d", c.NumClasses, len(t.classNames)))
	}
	if len(c.ClassNames) != len(t.classNames) {
		return types.ConfigurationError("resume", "", fmt.Errorf("checkpoint names %d classes, dataset has %d", len(c.ClassNames), len(t.classNames)))
	}
	for i, name := range c.ClassNames {
		if t.classNames[i] != name {
			return types.ConfigurationError("resume", "", fmt.Errorf("class %d is %q in the checkpoint and %q in the dataset", i, name, t.classNames[i]))
		}
	}
	if err := t.net.LoadStateDict(c.Model); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := t.criterion.LoadStateDict(c.Criterion); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	opt := c.Optimizer.Clone()
	if err := t.optimizer.Check(opt); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	t.state = State{Epoch: c.Epoch + 1, Optimizer: opt, Scheduler: *c.Scheduler}
	SetLR(t.state.Optimizer, CosineLR(t.state.Scheduler))
	t.history = append(checkpoint.History(nil), c.History...)
	t.bestAcc = c.BestValAccuracy
	if c.RunID != "" {
		t.runID = c.RunID
	}
	t.logger.Info("resumed training", "run_id", t.runID, "next_epoch", t.state.Epoch+1, "best_val_acc", t.bestAcc)
	return nil
}

// Run trains until opts.Epochs epochs have completed, then writes the final
// checkpoint and the inference export. Cancelling ctx stops between batches;
// the periodic checkpoints are the only recovery point.
func (t *Trainer) Run(ctx context.Context, trainSrc, valSrc BatchSource) (Result, error) {
	start := t.now()
	t.logger.Info("starting training",
		"run_id", t.runID,
		"classes", len(t.classNames),
		"parameters", t.net.ParameterCount(),
		"train_samples", trainSrc.Size(),
		"val_samples", valSrc.Size(),
		"batch_size", t.opts.BatchSize,
		"epochs", t.opts.Epochs,
	)
	if trainSrc.Size() == 0 {
		return Result{}, types.ConfigurationError("train", "", errors.New("no training samples"))
	}
	if valSrc.Size() == 0 {
		t.logger.Warn("no validation samples, validation accuracy will be 0")
	}

	st := t.state
	lastVal := Stats{}
	ran := false
	for st.Epoch < t.opts.Epochs {
		epoch := st.Epoch
		next, trainStats, err := t.trainEpoch(ctx, st, trainSrc)
		if err != nil {
			return Result{}, err
		}
		valStats, err := t.validateEpoch(ctx, epoch, valSrc)
		if err != nil {
			return Result{}, err
		}

		next.Scheduler = StepScheduler(next.Scheduler)
		lr := CosineLR(next.Scheduler)
		SetLR(next.Optimizer, lr)

		t.history = append(t.history, checkpoint.EpochRecord{
			Epoch:         epoch + 1,
			TrainLoss:     trainStats.Loss,
			ValLoss:       valStats.Loss,
			TrainAccuracy: trainStats.Accuracy,
			ValAccuracy:   valStats.Accuracy,
			LearningRate:  lr,
		})
		t.logger.Info("epoch summary",
			"epoch", epoch+1,
			"lr", lr,
			"train_loss", trainStats.Loss,
			"val_loss", valStats.Loss,
			"train_acc", trainStats.Accuracy,
			"val_acc", valStats.Accuracy,
		)

		if valStats.Accuracy > t.bestAcc {
			t.bestAcc = valStats.Accuracy
			if err := t.save(ctx, checkpoint.Best, next, epoch, valStats.Accuracy); err != nil {
				return Result{}, err
			}
			t.logger.Info("new best model", "epoch", epoch+1, "val_acc", valStats.Accuracy)
		}
		if t.opts.CheckpointEvery > 0 && (epoch+1)%t.opts.CheckpointEvery == 0 {
			if err := t.save(ctx, checkpoint.PeriodicName(epoch+1), next, epoch, valStats.Accuracy); err != nil {
				return Result{}, err
			}
		}

		next.Epoch = epoch + 1
		st = next
		t.state = st
		lastVal = valStats
		ran = true
	}

	if ran {
		if err := t.save(ctx, checkpoint.Final, st, st.Epoch-1, lastVal.Accuracy); err != nil {
			return Result{}, err
		}
	}
	if err := t.Export(ctx); err != nil {
		return Result{}, err
	}

	res := Result{
		RunID:           t.runID,
		BestValAccuracy: t.bestAcc,
		History:         t.History(),
		Duration:        t.now().Sub(start),
	}
	t.logger.Info("training completed", "best_val_acc", res.BestValAccuracy, "duration", res.Duration.Round(time.Second))
	return res, nil
}

// trainEpoch runs one optimisation pass and returns the advanced state.
// Weights are updated in place; the returned optimizer state is a fresh
// copy so the input state stays a valid snapshot.
func (t *Trainer) trainEpoch(ctx context.Context, st State, src BatchSource) (State, Stats, error) {
	next := st
	next.Optimizer = st.Optimizer.Clone()

	batches := mergeShortTail(src.Batches(st.Epoch))
	bar := t.newBar(len(batches), fmt.Sprintf("🏋️  Epoch %d/%d", st.Epoch+1, t.opts.Epochs))
	epochStart := t.now()

	var stats Stats
	var running float64
	var correct int
	params := t.net.Params()
	critParams := t.criterion.Params()

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return st, Stats{}, err
		}
		if len(b.Labels) < 2 {
			// Batch statistics are undefined for a single sample.
			t.logger.Warn("skipping single-sample batch", "epoch", st.Epoch+1, "batch", i+1)
			continue
		}

		x, err := model.Stack(b.Crops, t.net.Config().InputSize)
		if err != nil {
			return st, Stats{}, fmt.Errorf("epoch %d batch %d: %w", st.Epoch+1, i+1, err)
		}

		nn.ZeroGrads(params)
		nn.ZeroGrads(critParams)

		emb := t.net.Forward(x, true)
		out, err := t.criterion.Forward(emb, b.Labels, true)
		if err != nil {
			return st, Stats{}, fmt.Errorf("epoch %d batch %d: %w", st.Epoch+1, i+1, err)
		}
		t.net.Backward(t.criterion.Backward())

		ClipGradNorm(params, t.opts.MaxGradNorm)
		ClipGradNorm(critParams, t.opts.MaxGradNorm)
		t.optimizer.Step(next.Optimizer)

		running += out.Loss
		correct += out.Correct
		stats.Samples += len(b.Labels)
		stats.Batches++

		if bar != nil {
			bar.Add(1)
		}
		if t.opts.LogEvery > 0 && ((i+1)%t.opts.LogEvery == 0 || i+1 == len(batches)) {
			t.logger.Info("batch",
				"epoch", st.Epoch+1,
				"batch", i+1,
				"batches", len(batches),
				"loss", out.Loss,
				"acc", 100*float64(out.Correct)/float64(len(b.Labels)),
				"elapsed", t.now().Sub(epochStart).Round(100*time.Millisecond),
			)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if stats.Batches == 0 {
		return st, Stats{}, types.ConfigurationError("train", "", fmt.Errorf("epoch %d performed no optimizer step: no batch had at least 2 samples", st.Epoch+1))
	}
	stats.Loss = running / float64(stats.Batches)
	stats.Accuracy = 100 * float64(correct) / float64(stats.Samples)
	return next, stats, nil
}

// mergeShortTail folds a trailing single-sample batch into the batch before
// it, so an unlucky dataset size does not drop a sample every epoch.
func mergeShortTail(batches []dataset.Batch) []dataset.Batch {
	n := len(batches)
	if n < 2 || len(batches[n-1].Labels) != 1 {
		return batches
	}
	prev, tail := batches[n-2], batches[n-1]
	merged := dataset.Batch{
		Crops:  append(append([]types.FaceCrop(nil), prev.Crops...), tail.Crops...),
		Labels: append(append([]int(nil), prev.Labels...), tail.Labels...),
	}
	return append(batches[:n-2:n-2], merged)
}

// validateEpoch evaluates with running batch-norm statistics and no
// gradient bookkeeping.
func (t *Trainer) validateEpoch(ctx context.Context, epoch int, src BatchSource) (Stats, error) {
	var stats Stats
	var running float64
	var correct int
	for i, b := range src.Batches(epoch) {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		if len(b.Labels) == 0 {
			continue
		}
		x, err := model.Stack(b.Crops, t.net.Config().InputSize)
		if err != nil {
			return Stats{}, fmt.Errorf("validate batch %d: %w", i+1, err)
		}
		out, err := t.criterion.Forward(t.net.Forward(x, false), b.Labels, false)
		if err != nil {
			return Stats{}, fmt.Errorf("validate batch %d: %w", i+1, err)
		}
		running += out.Loss
		correct += out.Correct
		stats.Samples += len(b.Labels)
		stats.Batches++
	}
	if stats.Batches > 0 {
		stats.Loss = running / float64(stats.Batches)
		stats.Accuracy = 100 * float64(correct) / float64(stats.Samples)
	}
	return stats, nil
}

func (t *Trainer) newBar(total int, desc string) *progressbar.ProgressBar {
	if t.progress == nil || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(t.progress),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (t *Trainer) snapshot(st State, epoch int, valAcc float64) *checkpoint.Checkpoint {
	sched := st.Scheduler
	cfg := t.net.Config()
	return &checkpoint.Checkpoint{
		RunID:           t.runID,
		Epoch:           epoch,
		ValAccuracy:     valAcc,
		NumClasses:      len(t.classNames),
		ClassNames:      append([]string(nil), t.classNames...),
		EmbeddingSize:   cfg.EmbeddingSize,
		InputSize:       cfg.InputSize,
		Model:           t.net.StateDict(),
		Criterion:       t.criterion.StateDict(),
		Optimizer:       st.Optimizer.Clone(),
		Scheduler:       &sched,
		History:         t.History(),
		BestValAccuracy: t.bestAcc,
		CreatedAt:       t.now().UTC(),
	}
}

func (t *Trainer) save(ctx context.Context, name string, st State, epoch int, valAcc float64) error {
	if err := t.store.Save(ctx, name, t.snapshot(st, epoch, valAcc)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	t.logger.Info("checkpoint saved", "name", name, "epoch", epoch+1, "val_acc", valAcc)
	return nil
}

// Export writes the inference-only model built from the best checkpoint,
// with the deployment metadata attached.
func (t *Trainer) Export(ctx context.Context) error {
	best, err := t.store.Load(ctx, checkpoint.Best)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	mobile := ExportInference(best, t.net.ParameterCount())
	if err := t.store.Save(ctx, checkpoint.Mobile, mobile); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	t.logger.Info("inference model saved", "name", checkpoint.Mobile, "size_mb", mobile.Info.ModelSizeMB)
	return nil
}

// ExportInference strips c down to what inference needs and attaches
// ModelInfo. The classifier head is dropped with the criterion.
func ExportInference(c *checkpoint.Checkpoint, paramCount int) *checkpoint.Checkpoint {
	out := c.InferenceOnly()
	out.Model = model.FilterClassifier(out.Model)
	out.Info = &checkpoint.ModelInfo{
		ModelName:     model.Name,
		NumClasses:    c.NumClasses,
		ClassNames:    append([]string(nil), c.ClassNames...),
		EmbeddingSize: c.EmbeddingSize,
		InputSize:     [3]int{c.InputSize, c.InputSize, types.CropChannels},
		Preprocessing: checkpoint.Preprocessing{
			Resize:        [2]int{c.InputSize, c.InputSize},
			NormalizeMean: [3]float64{0.5, 0.5, 0.5},
			NormalizeStd:  [3]float64{0.5, 0.5, 0.5},
		},
		BestValAccuracy: c.BestValAccuracy,
		ModelSizeMB:     model.SizeMB(paramCount),
		ParameterCount:  paramCount,
	}
	return out
}
