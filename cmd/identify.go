package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var identifyOpts Options

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Identify every face in an image against the enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := identifyOpts
		if !cmd.Flags().Changed("threshold") {
			opts.MatchThreshold = Cfg.MatchThreshold
		}
		if err := validateIdentifyFlags(args[0], opts); err != nil {
			utils.ShowError(os.Stderr, "Invalid identify options", err, nil)
			return err
		}
		return runIdentify(cmd, args[0], opts)
	},
}

func init() {
	f := identifyCmd.Flags()
	f.StringVarP(&identifyOpts.ModelName, "model", "m", checkpoint.Mobile, "Checkpoint to embed with")
	f.StringVarP(&identifyOpts.EnrollDir, "enroll-dir", "d", "", "Enrollment root to build the database from")
	f.BoolVar(&identifyOpts.FromDB, "from-db", false, "Use the enrollment stored in PostgreSQL")
	f.Float64VarP(&identifyOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Minimum cosine similarity to accept a match (default MATCH_THRESHOLD)")
	f.IntVarP(&identifyOpts.Workers, "workers", "w", 4, "Parallel image decoders for enrollment")
	f.BoolVar(&identifyOpts.Progress, "progress", false, "Show progress bars")
	identifyCmd.MarkFlagsMutuallyExclusive("enroll-dir", "from-db")
	identifyCmd.MarkFlagsOneRequired("enroll-dir", "from-db")
	rootCmd.AddCommand(identifyCmd)
}

func validateIdentifyFlags(imagePath string, opts Options) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", imagePath)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected an image: %s", imagePath)
	}
	if opts.MatchThreshold < -1 || opts.MatchThreshold > 1 {
		return fmt.Errorf("threshold must be between -1.0 and 1.0, got %f", opts.MatchThreshold)
	}
	if !opts.FromDB {
		if err := requireDir("enrollment", opts.EnrollDir); err != nil {
			return err
		}
		if opts.Workers < 1 {
			return fmt.Errorf("workers must be >= 1, got %d", opts.Workers)
		}
	}
	return checkpoint.ValidateName(opts.ModelName)
}

func runIdentify(cmd *cobra.Command, imagePath string, opts Options) error {
	ctx := cmd.Context()

	net, _, err := loadEmbedder(ctx, opts.ModelName)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load model", err, nil)
		return err
	}
	db, err := buildDatabase(ctx, net, opts)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to build the enrollment database", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "👥 %d enrolled identities\n", db.Len())

	img, err := preprocess.LoadImage(imagePath)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to read image", err, nil)
		return err
	}

	detector, closeDetector, err := openDetector()
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start detector", err, nil)
		return err
	}
	defer closeDetector()

	faces, err := preprocess.DetectFaces(ctx, detector, img, net.Config().InputSize)
	if err != nil {
		utils.ShowError(os.Stderr, "Face detection failed", err, detectorLogs(detector))
		return err
	}

	m := matcher.New(db, opts.MatchThreshold)
	matches := make([]matcher.Match, len(faces))
	for i, f := range faces {
		emb, err := net.Embed(f.Crop)
		if err != nil {
			utils.ShowError(os.Stderr, "Embedding failed", err, nil)
			return err
		}
		matches[i], err = m.Identify(emb)
		if err != nil {
			utils.ShowError(os.Stderr, "Identification failed", err, nil)
			return err
		}
	}
	printMatches(cmd.OutOrStdout(), faces, matches)
	return nil
}

func printMatches(w io.Writer, faces []preprocess.Face, matches []matcher.Match) {
	if len(faces) == 0 {
		fmt.Fprintln(w, "No faces detected.")
		return
	}
	for i, m := range matches {
		b := faces[i].Box
		fmt.Fprintf(w, "Face %d: %s (confidence: %.3f) at [%d,%d %dx%d]\n", i+1, m.Label, m.Score, b.X, b.Y, b.Width, b.Height)
	}
}
