package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/store"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities enrolled in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			err := types.ConfigurationError("list identities", "", errNoDatabase)
			utils.ShowError(os.Stderr, "Failed to list identities", err, nil)
			return err
		}
		identities, err := DB.ListIdentities(cmd.Context())
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to list identities", err, nil)
			return err
		}
		printIdentityRows(cmd.OutOrStdout(), identities)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentityRows(out io.Writer, identities []store.Identity) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tFACE COUNT\tUPDATED")
	fmt.Fprintln(w, "-\t----\t----------\t-------")
	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", id.Position, id.Name, id.FaceCount, id.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
