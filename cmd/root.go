package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/config"
	"github.com/andresmejia3/mobileface/internal/store"
)

// Options holds the flags shared by the inference commands.
type Options struct {
	ModelName      string
	EnrollDir      string
	FromDB         bool
	MatchThreshold float64
	Workers        int
	Progress       bool
}

// noStore marks commands that never touch checkpoints or the database.
const noStore = "no-store"

var (
	// Cfg is the environment configuration loaded before every command.
	Cfg *config.Config
	// Logger is the process logger.
	Logger *slog.Logger
	// Checkpoints is the checkpoint store selected by DATABASE_URL.
	Checkpoints checkpoint.Store
	// DB is set when DATABASE_URL is configured; it also holds enrollments.
	DB *store.Store

	dbURL   string
	ckptDir string
	envFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "mobileface",
	Short:   "Train, enroll and identify faces with a MobileFaceNet embedder",
	Version: Version,
	// Subcommands report their own failures through utils.ShowError.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.DatabaseURL = dbURL
		}
		if ckptDir != "" {
			Cfg.CheckpointDir = ckptDir
		}
		Logger = config.NewLogger(Cfg.Environment)
		slog.SetDefault(Logger)
		if Cfg.IsDevelopment() {
			Logger.Debug("configuration loaded",
				"database", Cfg.UsesDatabase(),
				"checkpoint_dir", Cfg.CheckpointDir,
				"detector", Cfg.DetectorCmd,
				"detectors", Cfg.Detectors)
		}

		if cmd.Annotations[noStore] == "true" {
			return nil
		}
		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// The command context may already be cancelled (Ctrl+C); closing does not need it.
		closeStore()
	},
}

func openStore(ctx context.Context) error {
	if Cfg.UsesDatabase() {
		var err error
		DB, err = store.New(ctx, Cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		Checkpoints = DB
		Logger.Debug("using database store")
		return nil
	}
	fileStore, err := checkpoint.NewFileStore(Cfg.CheckpointDir)
	if err != nil {
		return err
	}
	Checkpoints = fileStore
	Logger.Debug("using file store", "dir", Cfg.CheckpointDir)
	return nil
}

func closeStore() {
	if DB != nil {
		DB.Close()
		DB = nil
	}
	Checkpoints = nil
}

// loadDotEnv reads .env (or --env-file) into the environment. A missing
// default file is not an error.
func loadDotEnv() {
	path := envFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if envFile == "" && errors.Is(err, fs.ErrNotExist) {
			return
		}
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load %s: %v\n", path, err)
	}
}

// progressWriter is where progress bars go, or nil to disable them.
func progressWriter(enabled bool) io.Writer {
	if !enabled {
		return nil
	}
	return os.Stderr
}

func Execute() {
	// Ctrl+C (SIGINT) or SIGTERM cancels the command context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadDotEnv)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&ckptDir, "checkpoint-dir", "", "Checkpoint directory when no database is used (overrides CHECKPOINT_DIR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: ./.env if present)")
}
