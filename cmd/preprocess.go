package cmd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/mobileface/internal/dataset"
	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

type preprocessFlags struct {
	InputDir  string
	OutputDir string
	Margin    float64
	Size      int
	Workers   int
	Progress  bool
}

var preprocessOpts preprocessFlags

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Detect, expand and crop faces from raw photos into a training folder",
	Long: `Reads <input>/<identity>/<image>, detects faces, expands each box by the
margin, resizes to the crop size and writes <output>/<identity>/<i>_<image>.png.`,
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validatePreprocessFlags(preprocessOpts); err != nil {
			utils.ShowError(os.Stderr, "Invalid preprocess options", err, nil)
			return err
		}
		return runPreprocess(cmd.Context(), preprocessOpts)
	},
}

func init() {
	f := preprocessCmd.Flags()
	f.StringVarP(&preprocessOpts.InputDir, "input", "i", "", "Raw photos, one directory per identity")
	f.StringVarP(&preprocessOpts.OutputDir, "output", "o", "", "Destination for the cropped faces")
	f.Float64Var(&preprocessOpts.Margin, "margin", preprocess.DefaultMargin, "Fraction of the box added on each side")
	f.IntVar(&preprocessOpts.Size, "size", types.CropSize, "Output crop side in pixels")
	f.IntVarP(&preprocessOpts.Workers, "workers", "w", 4, "Images processed in parallel")
	f.BoolVar(&preprocessOpts.Progress, "progress", true, "Show a progress bar")

	preprocessCmd.MarkFlagRequired("input")
	preprocessCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(preprocessCmd)
}

func validatePreprocessFlags(opts preprocessFlags) error {
	if err := requireDir("input", opts.InputDir); err != nil {
		return err
	}
	if opts.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if abs(opts.InputDir) == abs(opts.OutputDir) {
		return fmt.Errorf("output directory must differ from the input directory")
	}
	if opts.Margin < 0 || opts.Margin > 1 {
		return fmt.Errorf("margin must be between 0 and 1, got %f", opts.Margin)
	}
	if opts.Size < 16 {
		return fmt.Errorf("size must be >= 16, got %d", opts.Size)
	}
	if opts.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", opts.Workers)
	}
	return nil
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return a
}

type rawImage struct {
	identity string
	path     string
}

// listRawImages walks one level of identity directories in name order.
func listRawImages(root string) ([]rawImage, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []rawImage
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !dataset.IsImage(f.Name()) {
				continue
			}
			out = append(out, rawImage{identity: dataset.ClassName(e.Name()), path: filepath.Join(dir, f.Name())})
		}
	}
	return out, nil
}

func runPreprocess(ctx context.Context, opts preprocessFlags) error {
	images, err := listRawImages(opts.InputDir)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to list input images", err, nil)
		return err
	}
	if len(images) == 0 {
		err := types.ConfigurationError("preprocess", opts.InputDir, types.ErrDatasetNotFound)
		utils.ShowError(os.Stderr, "No images found", err, nil)
		return err
	}

	detector, closeDetector, err := openDetector()
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start detector", err, nil)
		return err
	}
	defer closeDetector()

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(images),
			progressbar.OptionSetDescription("✂️  Cropping faces"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}

	var written, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, im := range images {
		g.Go(func() error {
			n, err := preprocessImage(gctx, detector, im, opts)
			if err != nil {
				if types.IsData(err) {
					Logger.Warn("skipping image", "path", im.path, "error", err)
					skipped.Add(1)
				} else {
					return err
				}
			}
			written.Add(int64(n))
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		utils.ShowError(os.Stderr, "Preprocessing failed", err, detectorLogs(detector))
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Wrote %d face crops from %d images (%d skipped) to %s\n", written.Load(), len(images), skipped.Load(), opts.OutputDir)
	return nil
}

// preprocessImage writes every face of one image and returns how many it wrote.
// Unreadable images are data errors; detector and disk failures are not.
func preprocessImage(ctx context.Context, d preprocess.Detector, im rawImage, opts preprocessFlags) (int, error) {
	img, err := preprocess.LoadImage(im.path)
	if err != nil {
		return 0, err
	}
	crops, faceErrs, err := preprocess.MarginCrops(ctx, d, img, opts.Margin, opts.Size)
	if err != nil {
		return 0, err
	}
	for _, ferr := range faceErrs {
		Logger.Debug("skipping face", "path", im.path, "error", ferr)
	}
	if len(crops) == 0 {
		Logger.Debug("no faces found", "path", im.path)
		return 0, nil
	}

	dir := filepath.Join(opts.OutputDir, im.identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	base := strings.TrimSuffix(filepath.Base(im.path), filepath.Ext(im.path))
	for i, crop := range crops {
		if err := writePNG(filepath.Join(dir, fmt.Sprintf("%d_%s.png", i, base)), crop); err != nil {
			return i, err
		}
	}
	return len(crops), nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
