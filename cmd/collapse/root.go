package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "collapse",
	Short: "Train image classifiers and log neural collapse statistics",
	Long: "Collapse trains a configured classifier and, on a per-epoch schedule,\n" +
		"captures intermediate embeddings and logs within/between-class collapse\n" +
		"statistics alongside model checkpoints.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
