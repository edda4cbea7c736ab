package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-collapse/config"
	"github.com/tsawler/go-collapse/training"
)

var trainFlags struct {
	configPath string
	dataRoot   string
	verbose    bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run one experiment from a YAML configuration",
	Long: `Train the configured model, measuring collapse statistics and writing
checkpoints on the configured epoch schedule.

Usage:
  collapse train -c configs/vgg16-cifar10.yaml --data-root ./data

All artifacts land under the configured save-dir: measurement CSVs in
measurements/, epoch-keyed model state in model-checkpoints/, plus a
copy of the configuration used. Re-running against the same save-dir
resumes from the latest checkpoint.

Interrupting with Ctrl-C stops the run between epoch phases; artifacts
already written stay intact and a later run picks up where it left off.`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainFlags.configPath, "config", "c", "", "Path to experiment YAML (required)")
	f.StringVar(&trainFlags.dataRoot, "data-root", "data", "Directory holding the raw dataset files")
	f.BoolVarP(&trainFlags.verbose, "verbose", "v", false, "Log every epoch at debug level")
	trainCmd.MarkFlagRequired("config")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(trainFlags.configPath)
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(cfg, trainFlags.dataRoot)
	if err != nil {
		return err
	}
	trainer.Logger = newLogger(trainFlags.verbose)

	if err := trainer.Store().CopyConfig(trainFlags.configPath); err != nil {
		return fmt.Errorf("failed to copy config into save-dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trainer.Run(ctx); err != nil {
		return err
	}
	if failed := trainer.FailedEpochs(); len(failed) > 0 {
		return fmt.Errorf("run finished, but artifacts for epochs %v could not be written (see %s)",
			failed, trainer.Store().BaseDir())
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
