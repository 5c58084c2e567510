// Package main provides the CLI entry point for the RAG Metrics Calculator.
//
// The calculator scores retrieval-augmented generation outputs uploaded as
// CSV against their ground truth, through a small web UI, a JSON API, or
// directly from the command line.
//
// # Basic Usage
//
// Start the server:
//
//	ragmetrics serve --config ragmetrics.yaml
//
// Score a file without a server:
//
//	ragmetrics calculate eval.csv --metrics bleu,rouge --format csv
//
// # Environment Variables
//
//   - RAGMETRICS_CONFIG: Path to configuration file
//   - OPENAI_API_KEY: API key for the embedding provider and LLM judge
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ragmetrics",
		Short: "RAG Metrics Calculator",
		Long: `Calculate quality metrics for retrieval-augmented generation outputs.

Upload a CSV with query, response and ground truth columns to get token
precision, recall and F1, semantic similarity, and optionally BLEU, ROUGE,
exact match, retrieval ranking metrics and LLM-judged relevance and
faithfulness.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildCalculateCmd(),
		buildAnalysesCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
