package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/dataset"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
	"github.com/andresmejia3/mobileface/internal/worker"
)

var errNoDatabase = errors.New("no database configured (set DATABASE_URL or --db)")

// loadEmbedder restores an inference network from the named checkpoint.
// Classifier weights in training checkpoints are dropped.
func loadEmbedder(ctx context.Context, name string) (*model.Network, *checkpoint.Checkpoint, error) {
	c, err := Checkpoints.Load(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	net, err := model.New(model.Config{EmbeddingSize: c.EmbeddingSize, InputSize: c.InputSize})
	if err != nil {
		return nil, nil, types.ConfigurationError("load model", name, err)
	}
	if err := net.LoadStateDict(c.Model); err != nil {
		return nil, nil, types.ConfigurationError("load model", name, err)
	}
	if c.EmbeddingSize != Cfg.EmbeddingSize {
		Logger.Warn("checkpoint embedding size differs from EMBEDDING_SIZE", "checkpoint", c.EmbeddingSize, "configured", Cfg.EmbeddingSize)
	}
	Logger.Info("model loaded", "name", name, "embedding_size", c.EmbeddingSize, "input_size", c.InputSize, "parameters", net.ParameterCount())
	return net, c, nil
}

// openDetector starts the external detector pool when DETECTOR_CMD is set
// and otherwise treats every image as one face.
func openDetector() (preprocess.Detector, func(), error) {
	if Cfg.DetectorCmd == "" {
		Logger.Debug("no DETECTOR_CMD, using full-frame detection")
		return preprocess.FullFrame{}, func() {}, nil
	}
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d detector process(es)...\n", Cfg.Detectors)
	pool, err := worker.NewPool(Cfg.Detectors, Cfg.DetectorCmd)
	if err != nil {
		return nil, nil, err
	}
	return pool, func() {
		if err := pool.Close(); err != nil {
			Logger.Warn("detector exited with error", "error", err)
		}
	}, nil
}

// detectorLogs returns the captured detector stderr, if any, for error boxes.
func detectorLogs(d preprocess.Detector) *utils.SafeCommand {
	if pool, ok := d.(*worker.Pool); ok {
		return pool.Logs()
	}
	return nil
}

// buildDatabase produces the enrollment database either from the stored
// copy or by enrolling the images in opts.EnrollDir with net.
func buildDatabase(ctx context.Context, net *model.Network, opts Options) (*matcher.Database, error) {
	if opts.FromDB {
		if DB == nil {
			return nil, types.ConfigurationError("load enrollment", "", errNoDatabase)
		}
		db, err := DB.LoadEnrollment(ctx)
		if err != nil {
			return nil, err
		}
		if db.Len() == 0 {
			return nil, types.ConfigurationError("load enrollment", "", types.ErrNoIdentities)
		}
		return db, nil
	}

	sets, err := dataset.LoadEnrollment(ctx, opts.EnrollDir, dataset.LoadOptions{
		Size:     net.Config().InputSize,
		Workers:  opts.Workers,
		Logger:   Logger,
		Progress: progressWriter(opts.Progress),
	})
	if err != nil {
		return nil, err
	}
	db, report, err := matcher.Enroll(ctx, net, sets, Logger)
	if err != nil {
		return nil, err
	}
	for _, name := range report.Empty {
		Logger.Warn("identity has no usable face", "identity", name)
	}
	return db, nil
}
