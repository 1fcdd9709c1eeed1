package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/store"
	"github.com/andresmejia3/mobileface/internal/train"
	"github.com/andresmejia3/mobileface/internal/types"
)

// expectErr fails unless err is non-nil and mentions want.
func expectErr(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, got nil", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("Expected error containing %q, got %v", want, err)
	}
}

func TestValidateTrainFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not_a_dir.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		tf      trainFlags
		wantErr string
	}{
		{name: "valid", tf: trainFlags{DataDir: dir}},
		{name: "missing data", tf: trainFlags{DataDir: filepath.Join(dir, "nope")}, wantErr: "does not exist"},
		{name: "data is a file", tf: trainFlags{DataDir: file}, wantErr: "expected a directory"},
		{name: "missing config", tf: trainFlags{DataDir: dir, ConfigPath: filepath.Join(dir, "train.yaml")}, wantErr: "config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTrainFlags(tt.tf)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			expectErr(t, err, tt.wantErr)
		})
	}
}

func TestResolveTrainOptions(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "train.yaml")
	if err := os.WriteFile(cfgPath, []byte("epochs: 12\nbatch_size: 8\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tf := trainFlags{DataDir: dir, ConfigPath: cfgPath, Overrides: train.DefaultOptions()}
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.IntVar(&tf.Overrides.Epochs, "epochs", tf.Overrides.Epochs, "")
	fs.IntVar(&tf.Overrides.BatchSize, "batch-size", tf.Overrides.BatchSize, "")
	fs.Float64Var(&tf.Overrides.Margin, "margin", tf.Overrides.Margin, "")
	if err := fs.Parse([]string{"--epochs", "5", "--margin", "0.2"}); err != nil {
		t.Fatal(err)
	}

	opts, err := resolveTrainOptions(fs, tf)
	if err != nil {
		t.Fatalf("resolveTrainOptions failed: %v", err)
	}
	if opts.Epochs != 5 {
		t.Errorf("Expected the explicit flag to beat the file (5 epochs), got %d", opts.Epochs)
	}
	if opts.BatchSize != 8 {
		t.Errorf("Expected the file to beat the default (batch 8), got %d", opts.BatchSize)
	}
	if opts.Margin != 0.2 {
		t.Errorf("Expected margin 0.2, got %v", opts.Margin)
	}
	if want := train.DefaultOptions().LearningRate; opts.LearningRate != want {
		t.Errorf("Expected default learning rate %v, got %v", want, opts.LearningRate)
	}

	// Unparsed flags keep the file's value even though the override holds the default.
	fs = pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.IntVar(&tf.Overrides.BatchSize, "batch-size", 32, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	opts, err = resolveTrainOptions(fs, tf)
	if err != nil {
		t.Fatalf("resolveTrainOptions failed: %v", err)
	}
	if opts.BatchSize != 8 {
		t.Errorf("Expected batch size 8 from the file, got %d", opts.BatchSize)
	}

	bad := trainFlags{DataDir: dir, Overrides: train.DefaultOptions()}
	fs = pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.IntVar(&bad.Overrides.Epochs, "epochs", bad.Overrides.Epochs, "")
	if err := fs.Parse([]string{"--epochs", "0"}); err != nil {
		t.Fatal(err)
	}
	_, err = resolveTrainOptions(fs, bad)
	expectErr(t, err, "epochs")

	single := trainFlags{DataDir: dir, Overrides: train.DefaultOptions()}
	fs = pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.IntVar(&single.Overrides.BatchSize, "batch-size", single.Overrides.BatchSize, "")
	if err := fs.Parse([]string{"--batch-size", "1"}); err != nil {
		t.Fatal(err)
	}
	_, err = resolveTrainOptions(fs, single)
	expectErr(t, err, "batch size")
}

func TestValidatePreprocessFlags(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "crops")
	valid := preprocessFlags{InputDir: in, OutputDir: out, Margin: 0.2, Size: 112, Workers: 2}

	tests := []struct {
		name    string
		mutate  func(*preprocessFlags)
		wantErr string
	}{
		{name: "valid", mutate: func(*preprocessFlags) {}},
		{name: "missing input", mutate: func(o *preprocessFlags) { o.InputDir = filepath.Join(in, "nope") }, wantErr: "does not exist"},
		{name: "no output", mutate: func(o *preprocessFlags) { o.OutputDir = "" }, wantErr: "output directory is required"},
		{name: "output equals input", mutate: func(o *preprocessFlags) { o.OutputDir = in + string(filepath.Separator) }, wantErr: "must differ"},
		{name: "negative margin", mutate: func(o *preprocessFlags) { o.Margin = -0.1 }, wantErr: "margin"},
		{name: "tiny size", mutate: func(o *preprocessFlags) { o.Size = 8 }, wantErr: "size"},
		{name: "no workers", mutate: func(o *preprocessFlags) { o.Workers = 0 }, wantErr: "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			err := validatePreprocessFlags(opts)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			expectErr(t, err, tt.wantErr)
		})
	}
}

func TestValidateIdentifyFlags(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "face.png")
	if err := os.WriteFile(img, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	valid := Options{ModelName: checkpoint.Mobile, EnrollDir: dir, MatchThreshold: 0.6, Workers: 1}

	if err := validateIdentifyFlags(img, valid); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	expectErr(t, validateIdentifyFlags(filepath.Join(dir, "missing.png"), valid), "does not exist")
	expectErr(t, validateIdentifyFlags(dir, valid), "is a directory")

	opts := valid
	opts.MatchThreshold = 1.5
	expectErr(t, validateIdentifyFlags(img, opts), "threshold")

	// The enrollment directory is irrelevant when reading from the database.
	opts = valid
	opts.EnrollDir = ""
	if validateIdentifyFlags(img, opts) == nil {
		t.Errorf("Expected an error without an enrollment directory")
	}
	opts.FromDB = true
	if err := validateIdentifyFlags(img, opts); err != nil {
		t.Errorf("Expected --from-db to need no enrollment directory, got %v", err)
	}

	opts = valid
	opts.ModelName = "../escape"
	expectErr(t, validateIdentifyFlags(img, opts), "invalid checkpoint name")
}

func TestValidateEnrollFlags(t *testing.T) {
	dir := t.TempDir()
	valid := Options{ModelName: checkpoint.Mobile, EnrollDir: dir, Workers: 2}

	if err := validateEnrollFlags(valid, false); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	opts := valid
	opts.Workers = 0
	expectErr(t, validateEnrollFlags(opts, false), "workers")

	opts = valid
	opts.EnrollDir = filepath.Join(dir, "nope")
	expectErr(t, validateEnrollFlags(opts, false), "enrollment directory does not exist")

	// --save needs a database.
	prev := Cfg
	t.Cleanup(func() { Cfg = prev })
	Cfg = nil
	if err := validateEnrollFlags(valid, true); !types.IsConfiguration(err) {
		t.Errorf("Expected a configuration error, got %v", err)
	}
}

func TestValidateServeFlags(t *testing.T) {
	valid := Options{ModelName: checkpoint.Mobile, FromDB: true, MatchThreshold: 0.6, Workers: 1}
	if err := validateServeFlags(valid); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	opts := valid
	opts.MatchThreshold = -2
	expectErr(t, validateServeFlags(opts), "threshold")

	opts = valid
	opts.FromDB = false
	opts.EnrollDir = filepath.Join(t.TempDir(), "nope")
	expectErr(t, validateServeFlags(opts), "does not exist")
}

func TestValidateExportFlags(t *testing.T) {
	if err := validateExportFlags(checkpoint.Best, checkpoint.Mobile); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	expectErr(t, validateExportFlags(checkpoint.Best, checkpoint.Best), "both")
	if validateExportFlags("a/b", checkpoint.Mobile) == nil {
		t.Errorf("Expected a path-like source name to be rejected")
	}
	if validateExportFlags(checkpoint.Best, "") == nil {
		t.Errorf("Expected an empty destination name to be rejected")
	}
}

func TestPrintMatches(t *testing.T) {
	var buf bytes.Buffer
	printMatches(&buf, nil, nil)
	if got := buf.String(); got != "No faces detected.\n" {
		t.Errorf("Expected the no-faces message, got %q", got)
	}

	buf.Reset()
	faces := []preprocess.Face{
		{Box: types.BoundingBox{X: 10, Y: 20, Width: 64, Height: 80}},
		{Box: types.BoundingBox{X: 0, Y: 0, Width: 40, Height: 40}},
	}
	matches := []matcher.Match{
		{Label: "alice", Score: 0.8123, Known: true},
		{Label: matcher.Unknown, Score: 0.31},
	}
	printMatches(&buf, faces, matches)
	want := "Face 1: alice (confidence: 0.812) at [10,20 64x80]\n" +
		"Face 2: Unknown (confidence: 0.310) at [0,0 40x40]\n"
	if got := buf.String(); got != want {
		t.Errorf("Expected:\n%s\nGot:\n%s", want, got)
	}
}

func TestPrintCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	printCheckpoints(&buf, nil)
	if got := buf.String(); got != "No checkpoints found.\n" {
		t.Errorf("Expected the empty message, got %q", got)
	}

	buf.Reset()
	printCheckpoints(&buf, []checkpoint.Summary{{
		Name:        checkpoint.Best,
		RunID:       "0123456789abcdef",
		Epoch:       4,
		ValAccuracy: 87.5,
		Size:        2 << 20,
		CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("Expected a header row, got %q", lines[0])
	}
	want := []string{"best_model", "5", "87.50%", "2.0", "MB", "01234567"}
	if fields := strings.Fields(lines[2]); len(fields) < len(want) || !slices.Equal(fields[:len(want)], want) {
		t.Errorf("Expected row %v, got %v", want, fields)
	}
}

func TestPrintIdentities(t *testing.T) {
	db, err := matcher.NewDatabase([]matcher.Reference{
		{Name: "alice", Embedding: types.Embedding{1, 0}, FaceCount: 3},
		{Name: "bob", Embedding: types.Embedding{0, 1}, FaceCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printIdentities(&buf, db)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	if got := strings.Fields(lines[2]); !slices.Equal(got, []string{"1", "alice", "3"}) {
		t.Errorf("Expected alice row, got %v", got)
	}
	if got := strings.Fields(lines[3]); !slices.Equal(got, []string{"2", "bob", "1"}) {
		t.Errorf("Expected bob row, got %v", got)
	}

	buf.Reset()
	printIdentityRows(&buf, nil)
	if got := buf.String(); got != "No identities found in database.\n" {
		t.Errorf("Expected the empty message, got %q", got)
	}

	buf.Reset()
	printIdentityRows(&buf, []store.Identity{{Position: 0, Name: "alice", FaceCount: 3, UpdatedAt: time.Now()}})
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if got := strings.Fields(lines[2]); len(got) < 3 || !slices.Equal(got[:3], []string{"0", "alice", "3"}) {
		t.Errorf("Expected stored alice row, got %v", got)
	}
}

func TestWriteInfo(t *testing.T) {
	c := &checkpoint.Checkpoint{
		RunID:           "run-1",
		Epoch:           2,
		ValAccuracy:     75,
		BestValAccuracy: 80,
		EmbeddingSize:   128,
		InputSize:       112,
		ClassNames:      []string{"alice", "bob"},
		History:         checkpoint.History{{Epoch: 1, TrainLoss: 3.2}},
	}

	var buf bytes.Buffer
	if err := writeInfo(&buf, checkpoint.Best, c, false); err != nil {
		t.Fatalf("writeInfo failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"name: best_model", "epoch: 3", "trainable: false", "class_names: [alice, bob]"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "history:") {
		t.Errorf("Expected no history without --history:\n%s", out)
	}

	buf.Reset()
	if err := writeInfo(&buf, checkpoint.Best, c, true); err != nil {
		t.Fatalf("writeInfo failed: %v", err)
	}
	for _, want := range []string{"history:", "train_loss: 3.2"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected %q in:\n%s", want, buf.String())
		}
	}
}

func TestRunExport(t *testing.T) {
	ctx := context.Background()
	fs, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	net, err := model.New(model.Config{EmbeddingSize: 128, InputSize: 112, NumClasses: 2})
	if err != nil {
		t.Fatal(err)
	}
	best := &checkpoint.Checkpoint{
		RunID:           "run-1",
		NumClasses:      2,
		ClassNames:      []string{"alice", "bob"},
		EmbeddingSize:   128,
		InputSize:       112,
		Model:           net.StateDict(),
		Optimizer:       &checkpoint.OptimizerState{},
		Scheduler:       &checkpoint.SchedulerState{},
		BestValAccuracy: 90,
	}
	if err := fs.Save(ctx, checkpoint.Best, best); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := runExport(ctx, fs, checkpoint.Best, checkpoint.Mobile)
	if err != nil {
		t.Fatalf("runExport failed: %v", err)
	}
	if want := 3486272 + 128*2 + 2; info.ParameterCount != want {
		t.Errorf("Expected %d parameters, got %d", want, info.ParameterCount)
	}
	if info.BestValAccuracy != 90 {
		t.Errorf("Expected best accuracy 90, got %v", info.BestValAccuracy)
	}
	if info.InputSize != [3]int{112, 112, 3} {
		t.Errorf("Expected input size [112 112 3], got %v", info.InputSize)
	}

	exported, err := fs.Load(ctx, checkpoint.Mobile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exported.Trainable() {
		t.Errorf("Expected the export to carry no optimizer state")
	}
	if exported.Info == nil {
		t.Fatalf("Expected export metadata")
	}
	if _, ok := exported.Model["classifier.weight"]; ok {
		t.Errorf("Expected the classifier to be stripped from the export")
	}

	headless, err := model.New(model.Config{EmbeddingSize: 128, InputSize: 112})
	if err != nil {
		t.Fatal(err)
	}
	if err := headless.LoadStateDict(exported.Model); err != nil {
		t.Errorf("Expected the export to load into a headless network: %v", err)
	}

	_, err = runExport(ctx, fs, "missing", checkpoint.Mobile)
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
