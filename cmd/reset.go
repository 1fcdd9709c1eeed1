package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (database tables, checkpoint directory)",
	Long:  "Clears stored data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		// No interactive prompts in production.
		if Cfg.IsProduction() && !resetYes {
			err := errors.New("reset in production requires --yes")
			utils.ShowError(os.Stderr, "Refusing to reset", err, nil)
			return err
		}

		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if resetDB && DB != nil {
			if resetYes || confirm(out, reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Fprintln(out, "🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError(os.Stderr, "Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			if fs, ok := Checkpoints.(*checkpoint.FileStore); ok {
				if resetYes || confirm(out, reader, fmt.Sprintf("⚠️  Are you sure you want to delete all checkpoints in %s?", fs.Dir)) {
					fmt.Fprintln(out, "🗑️  Clearing Checkpoints...")
					if err := fs.Reset(cmd.Context()); err != nil {
						utils.ShowError(os.Stderr, "Failed to clear checkpoints", err, nil)
						return err
					}
				}
			}
		}

		fmt.Fprintln(out, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "tables", false, "Drop the PostgreSQL tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete the checkpoint directory contents")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(w io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
