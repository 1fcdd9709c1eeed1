package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity> <new-name>",
	Short: "Rename an identity in the stored enrollment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			err := types.ConfigurationError("label identity", "", errNoDatabase)
			utils.ShowError(os.Stderr, "Failed to label identity", err, nil)
			return err
		}
		if err := DB.RenameIdentity(cmd.Context(), args[0], args[1]); err != nil {
			utils.ShowError(os.Stderr, "Failed to label identity", err, nil)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Identity '%s' labeled as '%s'\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
