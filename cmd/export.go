package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/model"
	"github.com/andresmejia3/mobileface/internal/train"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var (
	exportFrom string
	exportTo   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an inference-only model with deployment metadata",
	Long: `Strips optimizer, scheduler and loss state from a training checkpoint and
attaches the model info (input size, preprocessing, accuracy, size).
Training already does this for best_model; use export for other checkpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateExportFlags(exportFrom, exportTo); err != nil {
			utils.ShowError(os.Stderr, "Invalid export options", err, nil)
			return err
		}
		info, err := runExport(cmd.Context(), Checkpoints, exportFrom, exportTo)
		if err != nil {
			utils.ShowError(os.Stderr, "Export failed", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📦 Exported %s -> %s (%.1f MB, %d identities, best val acc %s)\n",
			exportFrom, exportTo, info.ModelSizeMB, info.NumClasses, utils.Percent(info.BestValAccuracy))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", checkpoint.Best, "Source checkpoint")
	exportCmd.Flags().StringVar(&exportTo, "to", checkpoint.Mobile, "Destination checkpoint")
	rootCmd.AddCommand(exportCmd)
}

func validateExportFlags(from, to string) error {
	if err := checkpoint.ValidateName(from); err != nil {
		return err
	}
	if err := checkpoint.ValidateName(to); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("source and destination are both %q", from)
	}
	return nil
}

func runExport(ctx context.Context, s checkpoint.Store, from, to string) (*checkpoint.ModelInfo, error) {
	c, err := s.Load(ctx, from)
	if err != nil {
		return nil, err
	}
	// The parameter count is that of the network as trained, head included.
	net, err := model.New(model.Config{EmbeddingSize: c.EmbeddingSize, InputSize: c.InputSize, NumClasses: c.NumClasses})
	if err != nil {
		return nil, types.ConfigurationError("export", from, err)
	}
	out := train.ExportInference(c, net.ParameterCount())
	if err := s.Save(ctx, to, out); err != nil {
		return nil, err
	}
	return out.Info, nil
}
