package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/mobileface/internal/config"
	"github.com/andresmejia3/mobileface/internal/dataset"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/train"
	"github.com/andresmejia3/mobileface/internal/utils"
)

type trainFlags struct {
	DataDir    string
	ConfigPath string
	Resume     string
	Progress   bool
	// Overrides is applied on top of the YAML options for every flag the
	// user set explicitly.
	Overrides train.Options
}

var trainOpts = trainFlags{Overrides: train.DefaultOptions()}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the embedding network on a folder of identities",
	Long: `Trains MobileFaceNet with the CosFace margin loss on <data>/<identity>/<image>.
Checkpoints go to the configured store: best_model, checkpoint_epoch_<n>,
final_model and the inference export mobile_model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts, err := resolveTrainOptions(cmd.Flags(), trainOpts)
		if err != nil {
			utils.ShowError(os.Stderr, "Invalid training options", err, nil)
			return err
		}
		return runTrain(cmd, trainOpts, opts)
	},
}

func init() {
	f := trainCmd.Flags()
	o := &trainOpts.Overrides
	f.StringVarP(&trainOpts.DataDir, "data", "d", "", "Training root with one directory per identity")
	f.StringVarP(&trainOpts.ConfigPath, "config", "c", "", "YAML file with training options")
	f.StringVar(&trainOpts.Resume, "resume", "", "Checkpoint name to resume from (e.g. checkpoint_epoch_10)")
	f.BoolVar(&trainOpts.Progress, "progress", true, "Show progress bars")
	f.IntVarP(&o.Epochs, "epochs", "e", o.Epochs, "Number of epochs")
	f.IntVarP(&o.BatchSize, "batch-size", "b", o.BatchSize, "Mini-batch size")
	f.Float64Var(&o.LearningRate, "lr", o.LearningRate, "Initial learning rate")
	f.Float64Var(&o.WeightDecay, "weight-decay", o.WeightDecay, "AdamW weight decay")
	f.Float64Var(&o.Margin, "margin", o.Margin, "CosFace additive margin")
	f.Float64Var(&o.Scale, "scale", o.Scale, "CosFace scale")
	f.Float64Var(&o.ValSplit, "val-split", o.ValSplit, "Fraction of samples held out for validation")
	f.IntVar(&o.CheckpointEvery, "checkpoint-every", o.CheckpointEvery, "Write a periodic checkpoint every N epochs (0 disables)")
	f.Uint64Var(&o.Seed, "seed", o.Seed, "Seed for initialisation, split and shuffling")
	f.IntVar(&o.EmbeddingSize, "embedding-size", o.EmbeddingSize, "Embedding dimension")
	f.IntVarP(&o.Workers, "workers", "w", o.Workers, "Parallel image decoders")

	trainCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(trainCmd)
}

// resolveTrainOptions layers defaults, the YAML file and explicit flags.
func resolveTrainOptions(flags *pflag.FlagSet, tf trainFlags) (train.Options, error) {
	if err := validateTrainFlags(tf); err != nil {
		return train.Options{}, err
	}
	opts := train.DefaultOptions()
	if tf.ConfigPath != "" {
		var err error
		if opts, err = config.LoadTrainOptions(tf.ConfigPath); err != nil {
			return train.Options{}, err
		}
	}

	o := tf.Overrides
	overrides := map[string]func(){
		"epochs":           func() { opts.Epochs = o.Epochs },
		"batch-size":       func() { opts.BatchSize = o.BatchSize },
		"lr":               func() { opts.LearningRate = o.LearningRate },
		"weight-decay":     func() { opts.WeightDecay = o.WeightDecay },
		"margin":           func() { opts.Margin = o.Margin },
		"scale":            func() { opts.Scale = o.Scale },
		"val-split":        func() { opts.ValSplit = o.ValSplit },
		"checkpoint-every": func() { opts.CheckpointEvery = o.CheckpointEvery },
		"seed":             func() { opts.Seed = o.Seed },
		"embedding-size":   func() { opts.EmbeddingSize = o.EmbeddingSize },
		"workers":          func() { opts.Workers = o.Workers },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
	if err := opts.Validate(); err != nil {
		return train.Options{}, err
	}
	return opts, nil
}

func validateTrainFlags(tf trainFlags) error {
	if err := requireDir("data", tf.DataDir); err != nil {
		return err
	}
	if tf.ConfigPath != "" {
		if _, err := os.Stat(tf.ConfigPath); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	return nil
}

func runTrain(cmd *cobra.Command, tf trainFlags, opts train.Options) error {
	ctx := cmd.Context()

	fmt.Fprintf(os.Stderr, "📂 Loading dataset from %s...\n", tf.DataDir)
	ds, err := dataset.LoadFolder(ctx, tf.DataDir, dataset.LoadOptions{
		Size:     opts.InputSize,
		Workers:  opts.Workers,
		Logger:   Logger,
		Progress: progressWriter(tf.Progress),
	})
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load dataset", err, nil)
		return err
	}
	trainSamples, valSamples := ds.Split(opts.ValSplit, opts.Seed)
	fmt.Fprintf(os.Stderr, "👥 %d identities, %d train / %d validation samples (%d skipped)\n",
		len(ds.Classes), len(trainSamples), len(valSamples), len(ds.Skipped))

	net, err := model.New(model.Config{
		EmbeddingSize: opts.EmbeddingSize,
		InputSize:     opts.InputSize,
		NumClasses:    len(ds.Classes),
		Seed:          opts.Seed,
	})
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to build model", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🧠 %s: %d parameters (%.1f MB)\n", model.Name, net.ParameterCount(), net.SizeMB())

	trainer, err := train.New(net, ds.Classes, opts, Checkpoints,
		train.WithLogger(Logger),
		train.WithProgress(progressWriter(tf.Progress)),
	)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to set up training", err, nil)
		return err
	}
	if tf.Resume != "" {
		c, err := Checkpoints.Load(ctx, tf.Resume)
		if err == nil {
			err = trainer.Resume(c)
		}
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to resume from "+tf.Resume, err, nil)
			return err
		}
	}

	res, err := trainer.Run(ctx,
		&dataset.Loader{Samples: trainSamples, BatchSize: opts.BatchSize, Shuffle: true, Seed: opts.Seed},
		&dataset.Loader{Samples: valSamples, BatchSize: opts.BatchSize},
	)
	if err != nil {
		utils.ShowError(os.Stderr, "Training failed", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Training complete in %s. Run %s, best validation accuracy %s.\n",
		utils.FormatDuration(res.Duration), res.RunID, utils.Percent(res.BestValAccuracy))
	return nil
}
