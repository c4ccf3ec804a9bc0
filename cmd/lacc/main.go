package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "lacc",
	Short: "Local AI code completion backed by a supervised Ollama service",
	Long: `lacc keeps a local Ollama server and completion model ready and streams
fill-in-the-middle completions into editor documents.

Run "lacc serve" to start the editor bridge, or "lacc setup" to install the
model without serving.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
