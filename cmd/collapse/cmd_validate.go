package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-collapse/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config.yaml>",
	Short: "Check an experiment configuration without training",
	Long: `Parse and validate an experiment YAML, reporting the first problem
found. Unknown keys are rejected so typos surface before a run starts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ok: %s on %s for %d epochs, measuring %d layer(s)\n",
			cfg.Model.ModelName, cfg.Data.DatasetID, cfg.Optimizer.Epochs, len(cfg.Model.EmbeddingLayers))
		return nil
	},
}
