package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		list, err := Checkpoints.List(cmd.Context())
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to list checkpoints", err, nil)
			return err
		}
		printCheckpoints(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
}

func printCheckpoints(out io.Writer, list []checkpoint.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tEPOCH\tVAL ACC\tSIZE\tRUN\tCREATED")
	fmt.Fprintln(w, "----\t-----\t-------\t----\t---\t-------")
	for _, s := range list {
		run := s.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f MB\t%s\t%s\n",
			s.Name, s.Epoch+1, utils.Percent(s.ValAccuracy), float64(s.Size)/(1<<20), run,
			s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
