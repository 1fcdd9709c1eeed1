package cmd

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/mobileface/internal/checkpoint"
	"github.com/andresmejia3/mobileface/internal/utils"
)

var infoHistory bool

var infoCmd = &cobra.Command{
	Use:   "info [checkpoint]",
	Short: "Print a checkpoint's metadata as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		name := checkpoint.Mobile
		if len(args) == 1 {
			name = args[0]
		}
		c, err := Checkpoints.Load(cmd.Context(), name)
		if err != nil {
			utils.ShowError(os.Stderr, "Failed to load checkpoint", err, nil)
			return err
		}
		return writeInfo(cmd.OutOrStdout(), name, c, infoHistory)
	},
}

func init() {
	infoCmd.Flags().BoolVar(&infoHistory, "history", false, "Include the per-epoch training history")
	rootCmd.AddCommand(infoCmd)
}

type checkpointInfo struct {
	Name            string                `yaml:"name"`
	RunID           string                `yaml:"run_id,omitempty"`
	Epoch           int                   `yaml:"epoch"`
	ValAccuracy     float64               `yaml:"val_accuracy"`
	BestValAccuracy float64               `yaml:"best_val_accuracy"`
	Trainable       bool                  `yaml:"trainable"`
	EmbeddingSize   int                   `yaml:"embedding_size"`
	InputSize       int                   `yaml:"input_size"`
	ClassNames      []string              `yaml:"class_names,flow"`
	CreatedAt       string                `yaml:"created_at,omitempty"`
	Model           *checkpoint.ModelInfo `yaml:"model_info,omitempty"`
	History         checkpoint.History    `yaml:"history,omitempty"`
}

func writeInfo(w io.Writer, name string, c *checkpoint.Checkpoint, withHistory bool) error {
	info := checkpointInfo{
		Name:            name,
		RunID:           c.RunID,
		Epoch:           c.Epoch + 1,
		ValAccuracy:     c.ValAccuracy,
		BestValAccuracy: c.BestValAccuracy,
		Trainable:       c.Trainable(),
		EmbeddingSize:   c.EmbeddingSize,
		InputSize:       c.InputSize,
		ClassNames:      c.ClassNames,
		Model:           c.Info,
	}
	if !c.CreatedAt.IsZero() {
		info.CreatedAt = c.CreatedAt.Local().Format(time.RFC3339)
	}
	if withHistory {
		info.History = c.History
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(info); err != nil {
		return err
	}
	return enc.Close()
}
