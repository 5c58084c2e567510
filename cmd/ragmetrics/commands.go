package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI and JSON API",
		Long: `Start the RAG Metrics Calculator server.

The server will:
1. Load configuration from the specified file (or $RAGMETRICS_CONFIG)
2. Open and migrate the saved-analysis store
3. Attach the embedding provider and LLM judge when enabled
4. Start the retention job when enabled
5. Serve the web UI, the JSON API and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (SQLite in the working directory, port 8000)
  ragmetrics serve

  # Start with a config file and debug logging
  ragmetrics serve --config /etc/ragmetrics/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Dataset Commands
// =============================================================================

// buildValidateCmd creates the "validate" command.
func buildValidateCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "validate <file.csv>",
		Short: "Check a CSV file without calculating metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath, args[0], asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the validation result as JSON")
	return cmd
}

type calculateOptions struct {
	configPath string
	metrics    []string
	format     string
	output     string
	breakdown  bool
	save       bool
	name       string
	upload     bool
}

// buildCalculateCmd creates the "calculate" command.
func buildCalculateCmd() *cobra.Command {
	opts := calculateOptions{}
	cmd := &cobra.Command{
		Use:   "calculate <file.csv>",
		Short: "Calculate metrics for a CSV file and write a report",
		Example: `  # Default metrics as JSON on stdout
  ragmetrics calculate eval.csv

  # Per-query CSV with lexical overlap metrics
  ragmetrics calculate eval.csv --metrics bleu,rouge,exact_match --format csv --output report.csv

  # Save the analysis and upload a PDF report
  ragmetrics calculate eval.csv --format pdf --output report.pdf --save --name "Nightly run" --upload`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalculate(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVarP(&opts.metrics, "metrics", "m", nil, "Optional metric types (defaults to metrics.default_types)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "json", "Report format: json, csv or pdf")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "Report path, or - for stdout")
	cmd.Flags().BoolVar(&opts.breakdown, "breakdown", true, "Include per-query rows in JSON and PDF reports")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Save the analysis to the configured store")
	cmd.Flags().StringVar(&opts.name, "name", "", "Analysis name (defaults to the file name)")
	cmd.Flags().BoolVar(&opts.upload, "upload", false, "Upload the report to the configured S3 bucket")
	return cmd
}

// =============================================================================
// Analyses Commands
// =============================================================================

// buildAnalysesCmd creates the "analyses" command group.
func buildAnalysesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "analyses",
		Aliases: []string{"analysis"},
		Short:   "Manage saved analyses",
	}
	cmd.AddCommand(
		buildAnalysesListCmd(),
		buildAnalysesShowCmd(),
		buildAnalysesDeleteCmd(),
		buildAnalysesPruneCmd(),
	)
	return cmd
}

func buildAnalysesListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved analyses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysesList(cmd, configPath, limit, offset)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum analyses to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Analyses to skip")
	return cmd
}

func buildAnalysesShowCmd() *cobra.Command {
	var (
		configPath string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved analysis as a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysesShow(cmd, configPath, args[0], format)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Report format: json or csv")
	return cmd
}

func buildAnalysesDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysesDelete(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildAnalysesPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete analyses older than the retention max age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysesPrune(cmd, configPath, olderThan)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override retention.max_age")
	return cmd
}

// =============================================================================
// Migrate and Config Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the analysis store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var configPath string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	showCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(schemaCmd, showCmd)
	return cmd
}
