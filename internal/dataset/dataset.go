// Package dataset loads per-identity folders of face crops and slices them
// into training batches.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// ClassName turns a directory name into an identity label.
func ClassName(dir string) string {
	return norm.NFC.String(strings.TrimSpace(dir))
}

// Sample is one decoded face crop and its class index.
type Sample struct {
	Path  string
	Label int
	Crop  types.FaceCrop
}

// Dataset is a set of labelled crops. Classes[i] is the name of label i.
type Dataset struct {
	Root    string
	Classes []string
	Samples []Sample
	// Skipped holds one data error per file that could not be used.
	Skipped []error
}

type LoadOptions struct {
	Size     int
	Workers  int
	Logger   *slog.Logger
	Progress io.Writer
}

type file struct {
	path  string
	label int
}

// LoadFolder reads root/<identity>/<image> into memory. Identities are
// ordered by directory name and files by file name. Unreadable images are
// logged and skipped; a missing root or one without any identity is a
// configuration error.
func LoadFolder(ctx context.Context, root string, opts LoadOptions) (*Dataset, error) {
	if opts.Size <= 0 {
		opts.Size = types.CropSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, types.ConfigurationError("load dataset", root, types.ErrDatasetNotFound)
	}
	if err != nil {
		return nil, types.ConfigurationError("load dataset", root, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, types.ConfigurationError("load dataset", root, err)
	}

	ds := &Dataset{Root: root}
	var files []file
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		images, err := os.ReadDir(dir)
		if err != nil {
			return nil, types.ConfigurationError("load dataset", dir, err)
		}
		label := len(ds.Classes)
		count := 0
		for _, img := range images {
			if img.IsDir() || !IsImage(img.Name()) {
				continue
			}
			files = append(files, file{path: filepath.Join(dir, img.Name()), label: label})
			count++
		}
		if count == 0 {
			logger.Warn("skipping identity without images", "dir", dir)
			continue
		}
		ds.Classes = append(ds.Classes, ClassName(e.Name()))
	}
	if len(ds.Classes) == 0 {
		return nil, types.ConfigurationError("load dataset", root, types.ErrNoIdentities)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("📂 Loading faces"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
	}

	crops := make([]types.FaceCrop, len(files))
	loaded := make([]bool, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			crop, err := preprocess.LoadCrop(f.path, opts.Size)
			if bar != nil {
				bar.Add(1)
			}
			if types.IsData(err) {
				logger.Warn("skipping unreadable sample", "path", f.path, "error", err)
				mu.Lock()
				ds.Skipped = append(ds.Skipped, err)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			crops[i] = crop
			loaded[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	for i, f := range files {
		if loaded[i] {
			ds.Samples = append(ds.Samples, Sample{Path: f.path, Label: f.label, Crop: crops[i]})
		}
	}
	logger.Info("dataset loaded",
		"root", root,
		"identities", len(ds.Classes),
		"samples", len(ds.Samples),
		"skipped", len(ds.Skipped),
	)
	return ds, nil
}

// LoadEnrollment reads an enrollment directory with the same layout as a
// training set and groups the crops per identity.
func LoadEnrollment(ctx context.Context, root string, opts LoadOptions) ([]types.EnrollmentSet, error) {
	ds, err := LoadFolder(ctx, root, opts)
	if errors.Is(err, types.ErrDatasetNotFound) {
		return nil, types.ConfigurationError("load enrollment", root, types.ErrEnrollmentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ds.Enrollment(), nil
}

// Enrollment groups samples by identity, in class order.
func (d *Dataset) Enrollment() []types.EnrollmentSet {
	sets := make([]types.EnrollmentSet, len(d.Classes))
	for i, name := range d.Classes {
		sets[i].Name = name
	}
	for _, s := range d.Samples {
		set := &sets[s.Label]
		set.Paths = append(set.Paths, s.Path)
		set.Crops = append(set.Crops, s.Crop)
	}
	return sets
}

// Split shuffles the samples with seed and returns the first part for
// training and the last valFraction for validation.
func (d *Dataset) Split(valFraction float64, seed uint64) (train, val []Sample) {
	n := len(d.Samples)
	trainSize := int((1 - valFraction) * float64(n))
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	perm := rng.Perm(n)

	train = make([]Sample, 0, trainSize)
	val = make([]Sample, 0, n-trainSize)
	for i, idx := range perm {
		if i < trainSize {
			train = append(train, d.Samples[idx])
		} else {
			val = append(val, d.Samples[idx])
		}
	}
	return train, val
}
