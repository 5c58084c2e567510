package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/ragmetrics/internal/config"
	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/server"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// =============================================================================
// Shared Helpers
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	path = config.ResolvePath(path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// cliLogger logs to stderr so reports written to stdout stay clean.
func cliLogger(cfg *config.Config, debug bool) *observability.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (storage.AnalysisStore, error) {
	store, err := server.OpenStore(ctx, cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := storage.Migrate(ctx, store); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, starts the server and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := server.NewLogger(cfg)
	slog.SetDefault(logger.Slog())

	logger.Info(ctx, "starting ragmetrics",
		"version", version,
		"commit", commit,
		"config", config.ResolvePath(configPath),
		"debug", debug,
	)

	srv, err := server.New(ctx, cfg, server.Options{Version: version, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// =============================================================================
// Dataset Command Handlers
// =============================================================================

// parseFile opens path and runs the parser over it.
func parseFile(ctx context.Context, parser *dataset.Parser, path string) (*dataset.Dataset, *dataset.ValidationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return parser.Parse(ctx, filepath.Base(path), f, nil)
}

func runValidate(cmd *cobra.Command, configPath, path string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	_, result, err := parseFile(cmd.Context(), server.NewParser(cfg), path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printValidation(out, filepath.Base(path), result)
	}
	return result.Err()
}

func printValidation(out io.Writer, name string, result *dataset.ValidationResult) {
	status := "valid"
	if !result.Valid {
		status = "invalid"
	}
	fmt.Fprintf(out, "%s: %s, %d rows, %d columns\n", name, status, result.RowCount, len(result.Columns))
	if m := result.DetectedMappings; m != nil {
		fmt.Fprintf(out, "  query=%s response=%s ground_truth=%s\n", m.Query, m.Response, m.GroundTruth)
		if m.HasRetrieval() {
			fmt.Fprintf(out, "  retrieved=%s relevant=%s\n", m.RetrievedContexts, m.RelevantContexts)
		}
	}
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tCODE\tROW\tCOLUMN\tMESSAGE")
	for _, issues := range [][]dataset.Issue{result.Errors, result.Warnings} {
		for _, issue := range issues {
			row := "-"
			if issue.RowIndex > 0 {
				row = fmt.Sprint(issue.RowIndex)
			}
			column := issue.ColumnName
			if column == "" {
				column = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", issue.Severity, issue.Code, row, column, issue.Message)
		}
	}
	_ = w.Flush()
}

func runCalculate(cmd *cobra.Command, path string, opts calculateOptions) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	types, err := metrics.ParseTypes(opts.metrics)
	if err != nil {
		return err
	}
	if len(types) == 0 {
		if types, err = server.DefaultMetricTypes(cfg); err != nil {
			return err
		}
	}
	logger := cliLogger(cfg, false)

	ds, validation, err := parseFile(ctx, server.NewParser(cfg), path)
	if err != nil {
		return err
	}
	if ds == nil {
		printValidation(cmd.ErrOrStderr(), filepath.Base(path), validation)
		return validation.Err()
	}

	calculator, err := server.NewCalculator(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	result, err := calculator.Calculate(ctx, ds, types)
	if err != nil {
		return fmt.Errorf("calculate metrics: %w", err)
	}
	analysis := storage.NewAnalysis(opts.name, storage.DatasetInfo{
		FileName:   ds.FileName,
		RowCount:   ds.RowCount,
		UploadedAt: ds.UploadedAt,
		FileSize:   ds.Metadata.FileSize,
	}, result)

	if opts.save {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Create(ctx, analysis); err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
		logger.Info(observability.AddAnalysisID(ctx, analysis.ID), "analysis saved", "name", analysis.Name)
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, analysis, export.Options{IncludeBreakdown: opts.breakdown}); err != nil {
		return err
	}
	if opts.output == "" || opts.output == "-" {
		if _, err := buf.WriteTo(cmd.OutOrStdout()); err != nil {
			return err
		}
	} else if err := os.WriteFile(opts.output, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if opts.upload {
		sink, err := server.NewSink(ctx, cfg)
		if err != nil {
			return err
		}
		if sink == nil {
			return errors.New("upload requested but export.s3.bucket is not configured")
		}
		key := analysis.ID + "/" + export.FileName(analysis, format)
		location, err := sink.Upload(ctx, key, format, buf.Bytes())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Uploaded report to %s\n", location)
	}
	return nil
}

// =============================================================================
// Analyses Command Handlers
// =============================================================================

func runAnalysesList(cmd *cobra.Command, configPath string, limit, offset int) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	analyses, total, err := store.List(ctx, limit, offset)
	if err != nil {
		return fmt.Errorf("list analyses: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(analyses) == 0 {
		fmt.Fprintln(out, "No saved analyses.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tROWS\tF1")
	for _, a := range analyses {
		f1 := "-"
		if a.Result != nil {
			f1 = fmt.Sprintf("%.4f", a.Result.Aggregate.F1Score)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.Name, a.CreatedAt.UTC().Format(time.RFC3339), a.Dataset.RowCount, f1)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\nShowing %d of %d\n", len(analyses), total)
	return nil
}

func runAnalysesShow(cmd *cobra.Command, configPath, id, formatName string) error {
	ctx := cmd.Context()
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}
	if format == export.FormatPDF {
		return errors.New("pdf reports are binary; use calculate --output or the export API")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	analysis, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get analysis %s: %w", id, err)
	}
	return export.Write(cmd.OutOrStdout(), format, analysis, export.Options{IncludeBreakdown: true})
}

func runAnalysesDelete(cmd *cobra.Command, configPath, id string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete analysis %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted analysis %s\n", id)
	return nil
}

func runAnalysesPrune(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	maxAge := cfg.Retention.MaxAge
	if olderThan > 0 {
		maxAge = olderThan
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune analyses: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d analyses created before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

// =============================================================================
// Migrate and Config Command Handlers
// =============================================================================

func runMigrate(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := server.OpenStore(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := storage.Migrate(ctx, store)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied migration %s\n", id)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

const maskedSecret = "********"

func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	masked := *cfg
	for _, secret := range []*string{
		&masked.Embeddings.APIKey,
		&masked.Judge.APIKey,
		&masked.Export.S3.SecretAccessKey,
	} {
		if *secret != "" {
			*secret = maskedSecret
		}
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return err
	}
	return enc.Close()
}
