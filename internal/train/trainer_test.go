package train

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/dataset"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/nn"
	"github.com/andresmejia3/mobileface/internal/types"
)

// recordingStore keeps checkpoints in memory and counts writes per name.
type recordingStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes map[string]int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: map[string][]byte{}, writes: map[string]int{}}
}

func (s *recordingStore) Save(_ context.Context, name string, c *checkpoint.Checkpoint) error {
	b, err := checkpoint.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = b
	s.writes[name]++
	return nil
}

func (s *recordingStore) Load(_ context.Context, name string) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	b, ok := s.data[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, name)
	}
	return checkpoint.Unmarshal(b)
}

func (s *recordingStore) List(context.Context) ([]checkpoint.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkpoint.Summary
	for name := range s.data {
		out = append(out, checkpoint.Summary{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

const testInput = 16

var testClasses = []string{"alice", "bob"}

func testLoader(n int) *dataset.Loader {
	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]dataset.Sample, n)
	for i := range samples {
		crop := types.NewFaceCrop(testInput)
		for j := range crop.Pix {
			crop.Pix[j] = rng.Float64()*2 - 1
		}
		samples[i] = dataset.Sample{Label: i % 2, Crop: crop}
	}
	return &dataset.Loader{Samples: samples, BatchSize: n}
}

func testOptions(epochs int) Options {
	o := DefaultOptions()
	o.Epochs = epochs
	o.BatchSize = 4
	o.EmbeddingSize = 8
	o.InputSize = testInput
	o.LogEvery = 1
	return o
}

func newTestTrainer(t *testing.T, opts Options, store checkpoint.Store) *Trainer {
	t.Helper()
	net, err := model.New(model.Config{
		EmbeddingSize: opts.EmbeddingSize,
		InputSize:     opts.InputSize,
		NumClasses:    len(testClasses),
		Seed:          opts.Seed,
	})
	require.NoError(t, err)
	tr, err := New(net, testClasses, opts, store)
	require.NoError(t, err)
	return tr
}

func TestSingleEpochSingleBatch(t *testing.T) {
	store := newRecordingStore()
	tr := newTestTrainer(t, testOptions(1), store)
	loader := testLoader(4)
	require.Equal(t, 1, loader.Len())

	res, err := tr.Run(context.Background(), loader, loader)
	require.NoError(t, err)

	require.Len(t, res.History, 1)
	assert.Equal(t, 1, store.writes[checkpoint.Best])
	assert.Equal(t, 1, store.writes[checkpoint.Final])
	assert.Equal(t, 1, store.writes[checkpoint.Mobile])
	assert.Zero(t, store.writes[checkpoint.PeriodicName(10)])

	rec := res.History[0]
	assert.Equal(t, 1, rec.Epoch)
	assert.InDelta(t, CosineLR(checkpoint.SchedulerState{BaseLR: 1e-3, EtaMin: 1e-6, TMax: 30, LastEpoch: 1}), rec.LearningRate, 1e-18)
	assert.GreaterOrEqual(t, rec.ValAccuracy, 0.0)
	assert.Equal(t, rec.ValAccuracy, res.BestValAccuracy)
	assert.Equal(t, 1, tr.State().Epoch)
	assert.Equal(t, 1, tr.State().Optimizer.Step)
}

func TestCheckpointsAreComplete(t *testing.T) {
	store := newRecordingStore()
	tr := newTestTrainer(t, testOptions(1), store)
	loader := testLoader(4)
	_, err := tr.Run(context.Background(), loader, loader)
	require.NoError(t, err)

	best, err := store.Load(context.Background(), checkpoint.Best)
	require.NoError(t, err)
	assert.True(t, best.Trainable())
	assert.Equal(t, tr.RunID(), best.RunID)
	assert.Equal(t, 0, best.Epoch)
	assert.Equal(t, testClasses, best.ClassNames)
	assert.Equal(t, 2, best.NumClasses)
	assert.Equal(t, 8, best.EmbeddingSize)
	assert.Contains(t, best.Model, "classifier.weight")
	assert.Contains(t, best.Criterion, "classifier.weight")
	assert.Equal(t, 1, best.Scheduler.LastEpoch)
	assert.Len(t, best.History, 1)

	mobile, err := store.Load(context.Background(), checkpoint.Mobile)
	require.NoError(t, err)
	assert.False(t, mobile.Trainable())
	require.NotNil(t, mobile.Info)
	assert.Equal(t, model.Name, mobile.Info.ModelName)
	assert.Equal(t, [3]int{testInput, testInput, 3}, mobile.Info.InputSize)
	assert.Equal(t, model.FilterClassifier(best.Model), mobile.Model)
	assert.NotContains(t, mobile.Model, "classifier.weight")

	embedder, err := model.New(model.Config{EmbeddingSize: 8, InputSize: testInput})
	require.NoError(t, err)
	require.NoError(t, embedder.LoadStateDict(mobile.Model))
}

func TestPeriodicCheckpointsAndSchedule(t *testing.T) {
	store := newRecordingStore()
	opts := testOptions(3)
	opts.CheckpointEvery = 2
	tr := newTestTrainer(t, opts, store)
	loader := testLoader(4)

	res, err := tr.Run(context.Background(), loader, loader)
	require.NoError(t, err)
	require.Len(t, res.History, 3)

	assert.Equal(t, 1, store.writes[checkpoint.PeriodicName(2)])
	assert.Zero(t, store.writes[checkpoint.PeriodicName(3)])
	assert.GreaterOrEqual(t, store.writes[checkpoint.Best], 1)
	assert.LessOrEqual(t, store.writes[checkpoint.Best], 3)

	for i, rec := range res.History {
		assert.Equal(t, i+1, rec.Epoch)
		if i > 0 {
			assert.Less(t, rec.LearningRate, res.History[i-1].LearningRate)
		}
	}

	final, err := store.Load(context.Background(), checkpoint.Final)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Epoch)
	assert.Equal(t, res.History[2].ValAccuracy, final.ValAccuracy)
}

func TestResumeContinuesRun(t *testing.T) {
	store := newRecordingStore()
	loader := testLoader(4)
	first := newTestTrainer(t, testOptions(1), store)
	_, err := first.Run(context.Background(), loader, loader)
	require.NoError(t, err)

	final, err := store.Load(context.Background(), checkpoint.Final)
	require.NoError(t, err)

	second := newTestTrainer(t, testOptions(2), store)
	require.NoError(t, second.Resume(final))
	assert.Equal(t, 1, second.State().Epoch)
	assert.Equal(t, first.RunID(), second.RunID())

	res, err := second.Run(context.Background(), loader, loader)
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	assert.Equal(t, 2, res.History[1].Epoch)
	assert.Equal(t, 2, second.State().Optimizer.Step)
}

func TestResumeRejectsMismatchedCheckpoints(t *testing.T) {
	store := newRecordingStore()
	loader := testLoader(4)
	tr := newTestTrainer(t, testOptions(1), store)
	_, err := tr.Run(context.Background(), loader, loader)
	require.NoError(t, err)

	mobile, err := store.Load(context.Background(), checkpoint.Mobile)
	require.NoError(t, err)
	assert.True(t, types.IsConfiguration(newTestTrainer(t, testOptions(2), store).Resume(mobile)))

	final, err := store.Load(context.Background(), checkpoint.Final)
	require.NoError(t, err)
	final.ClassNames = []string{"alice", "carol"}
	assert.Error(t, newTestTrainer(t, testOptions(2), store).Resume(final))

	final.ClassNames = []string{"alice", "bob", "carol"}
	require.NotPanics(t, func() { err = newTestTrainer(t, testOptions(2), store).Resume(final) })
	assert.True(t, types.IsConfiguration(err))

	final.ClassNames = []string{"alice"}
	assert.True(t, types.IsConfiguration(newTestTrainer(t, testOptions(2), store).Resume(final)))
}

func TestRunRejectsEpochWithoutOptimizerStep(t *testing.T) {
	store := newRecordingStore()
	tr := newTestTrainer(t, testOptions(2), store)
	single := testLoader(1)

	res, err := tr.Run(context.Background(), single, single)
	assert.True(t, types.IsConfiguration(err))
	assert.Empty(t, res.History)
	assert.Zero(t, store.writes[checkpoint.Best])
	assert.Zero(t, store.writes[checkpoint.Final])
	assert.Zero(t, store.writes[checkpoint.Mobile])
	assert.Zero(t, tr.State().Optimizer.Step)
}

func TestRunTrainsOnTrailingSingleSample(t *testing.T) {
	tr := newTestTrainer(t, testOptions(1), newRecordingStore())
	loader := testLoader(5)
	loader.BatchSize = 2
	require.Equal(t, 3, loader.Len())

	_, err := tr.Run(context.Background(), loader, loader)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.State().Optimizer.Step, "the lone tail sample joins the batch before it")
}

func TestMergeShortTail(t *testing.T) {
	loader := testLoader(5)
	loader.BatchSize = 2
	batches := loader.Batches(0)

	merged := mergeShortTail(batches)
	require.Len(t, merged, 2)
	assert.Equal(t, []int{0, 1}, merged[0].Labels)
	assert.Equal(t, []int{0, 1, 0}, merged[1].Labels)
	assert.Len(t, merged[1].Crops, 3)
	require.Len(t, batches, 3, "the source batches are left alone")
	assert.Equal(t, []int{0, 1}, batches[1].Labels)

	even := testLoader(4)
	even.BatchSize = 2
	assert.Len(t, mergeShortTail(even.Batches(0)), 2)

	alone := testLoader(1)
	assert.Len(t, mergeShortTail(alone.Batches(0)), 1)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newRecordingStore()
	tr := newTestTrainer(t, testOptions(1), store)
	loader := testLoader(4)
	_, err := tr.Run(ctx, loader, loader)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.writes[checkpoint.Best])
}

func TestNewValidates(t *testing.T) {
	net, err := model.New(model.Config{EmbeddingSize: 8, InputSize: testInput})
	require.NoError(t, err)

	_, err = New(net, nil, testOptions(1), newRecordingStore())
	assert.True(t, types.IsConfiguration(err))

	bad := testOptions(1)
	bad.Epochs = 0
	_, err = New(net, testClasses, bad, newRecordingStore())
	assert.True(t, types.IsConfiguration(err))

	_, err = New(net, testClasses, testOptions(1), nil)
	assert.Error(t, err)
}

func TestRunWithoutTrainingSamples(t *testing.T) {
	tr := newTestTrainer(t, testOptions(1), newRecordingStore())
	empty := &dataset.Loader{BatchSize: 4}
	_, err := tr.Run(context.Background(), empty, empty)
	assert.True(t, types.IsConfiguration(err))
}

func TestExportInference(t *testing.T) {
	c := &checkpoint.Checkpoint{
		NumClasses:      2,
		ClassNames:      testClasses,
		EmbeddingSize:   128,
		InputSize:       112,
		BestValAccuracy: 91.5,
		Optimizer:       &checkpoint.OptimizerState{},
	}
	c.Model = nn.StateDict{"conv1.weight": {1}, "classifier.weight": {2}}
	out := ExportInference(c, 3486272)
	assert.Nil(t, out.Optimizer)
	assert.Contains(t, out.Model, "conv1.weight")
	assert.NotContains(t, out.Model, "classifier.weight")
	assert.Contains(t, c.Model, "classifier.weight", "source checkpoint is untouched")
	assert.Equal(t, [3]int{112, 112, 3}, out.Info.InputSize)
	assert.Equal(t, [2]int{112, 112}, out.Info.Preprocessing.Resize)
	assert.Equal(t, 91.5, out.Info.BestValAccuracy)
	assert.InDelta(t, 13.3, out.Info.ModelSizeMB, 0.05)
}
