package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var (
	enrollOpts Options
	enrollSave bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build the enrollment database from a folder of known identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateEnrollFlags(enrollOpts, enrollSave); err != nil {
			utils.ShowError(os.Stderr, "Invalid enroll options", err, nil)
			return err
		}
		return runEnroll(cmd, enrollOpts, enrollSave)
	},
}

func init() {
	f := enrollCmd.Flags()
	f.StringVarP(&enrollOpts.ModelName, "model", "m", checkpoint.Mobile, "Checkpoint to embed with")
	f.StringVarP(&enrollOpts.EnrollDir, "dir", "d", "", "Enrollment root with one directory per identity")
	f.IntVarP(&enrollOpts.Workers, "workers", "w", 4, "Parallel image decoders")
	f.BoolVar(&enrollOpts.Progress, "progress", true, "Show progress bars")
	f.BoolVar(&enrollSave, "save", false, "Persist the database to PostgreSQL")

	enrollCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(opts Options, save bool) error {
	if err := checkpoint.ValidateName(opts.ModelName); err != nil {
		return err
	}
	if err := requireDir("enrollment", opts.EnrollDir); err != nil {
		return err
	}
	if opts.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", opts.Workers)
	}
	if save && (Cfg == nil || !Cfg.UsesDatabase()) {
		return types.ConfigurationError("enroll", "", errNoDatabase)
	}
	return nil
}

func runEnroll(cmd *cobra.Command, opts Options, save bool) error {
	ctx := cmd.Context()
	net, _, err := loadEmbedder(ctx, opts.ModelName)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load model", err, nil)
		return err
	}

	db, err := buildDatabase(ctx, net, opts)
	if err != nil {
		utils.ShowError(os.Stderr, "Enrollment failed", err, nil)
		return err
	}
	printIdentities(cmd.OutOrStdout(), db)

	if save {
		if err := DB.SaveEnrollment(ctx, db); err != nil {
			utils.ShowError(os.Stderr, "Failed to save enrollment", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Saved %d identities to the database.\n", db.Len())
	}
	return nil
}

func printIdentities(out io.Writer, db *matcher.Database) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tFACE COUNT")
	fmt.Fprintln(w, "-\t----\t----------")
	for i, ref := range db.References() {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, ref.Name, ref.FaceCount)
	}
	w.Flush()
}

func requireDir(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s directory does not exist: %s", what, path)
		}
		return fmt.Errorf("unable to access %s directory: %w", what, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path is a file, expected a directory: %s", what, path)
	}
	return nil
}
