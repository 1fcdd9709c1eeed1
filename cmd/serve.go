package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/server"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve identification over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := serveOpts
		if !cmd.Flags().Changed("threshold") {
			opts.MatchThreshold = Cfg.MatchThreshold
		}
		addr := serveAddr
		if addr == "" {
			addr = Cfg.HTTPAddr
		}
		if err := validateServeFlags(opts); err != nil {
			utils.ShowError(os.Stderr, "Invalid serve options", err, nil)
			return err
		}
		return runServe(cmd.Context(), addr, opts)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.ModelName, "model", "m", checkpoint.Mobile, "Checkpoint to embed with")
	f.StringVarP(&serveOpts.EnrollDir, "enroll-dir", "d", "", "Enrollment root, re-read on reload")
	f.BoolVar(&serveOpts.FromDB, "from-db", false, "Use the enrollment stored in PostgreSQL, re-read on reload")
	f.Float64VarP(&serveOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Minimum cosine similarity to accept a match (default MATCH_THRESHOLD)")
	f.IntVarP(&serveOpts.Workers, "workers", "w", 4, "Parallel image decoders for enrollment")
	f.StringVar(&serveAddr, "addr", "", "Listen address (default HTTP_ADDR)")
	serveCmd.MarkFlagsMutuallyExclusive("enroll-dir", "from-db")
	serveCmd.MarkFlagsOneRequired("enroll-dir", "from-db")
	rootCmd.AddCommand(serveCmd)
}

func validateServeFlags(opts Options) error {
	if opts.MatchThreshold < -1 || opts.MatchThreshold > 1 {
		return fmt.Errorf("threshold must be between -1.0 and 1.0, got %f", opts.MatchThreshold)
	}
	if !opts.FromDB {
		if err := requireDir("enrollment", opts.EnrollDir); err != nil {
			return err
		}
	}
	if opts.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", opts.Workers)
	}
	return checkpoint.ValidateName(opts.ModelName)
}

func runServe(ctx context.Context, addr string, opts Options) error {
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

	detector, closeDetector, err := openDetector()
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start detector", err, nil)
		return err
	}
	defer closeDetector()

	srv := server.New(addr, server.Deps{
		Matcher:  matcher.New(db, opts.MatchThreshold),
		Embedder: net,
		Detector: detector,
		Reload: func(ctx context.Context) (*matcher.Database, error) {
			return buildDatabase(ctx, net, opts)
		},
		InputSize: net.Config().InputSize,
		Logger:    Logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Serving %d identities on %s\n", db.Len(), addr)

	select {
	case err := <-errCh:
		if err != nil {
			utils.ShowError(os.Stderr, "Server failed", err, nil)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
