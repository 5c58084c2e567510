package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// Calculation is a computed result that has not necessarily been saved.
type Calculation struct {
	Dataset storage.DatasetInfo
	Result  *metrics.Result
}

// ReportSink uploads rendered reports. *export.S3Sink implements it.
type ReportSink interface {
	Upload(ctx context.Context, key string, format export.Format, data []byte) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// resultView is what the results page and lookups resolve an ID to.
type resultView struct {
	Calculation
	Name       string
	AnalysisID string
}

// parseUpload validates and parses an uploaded CSV, recording validation
// failures.
func (h *Handler) parseUpload(ctx context.Context, name string, size int64, r io.Reader) (*dataset.Dataset, *dataset.ValidationResult, error) {
	ctx, span := h.config.Tracer.TraceParse(ctx, name, size)
	defer span.End()

	ds, result, err := h.config.Parser.Parse(ctx, name, r, nil)
	if err != nil {
		h.config.Tracer.RecordError(span, err)
		return nil, nil, err
	}
	h.recordValidation(result)
	return ds, result, nil
}

func (h *Handler) recordValidation(result *dataset.ValidationResult) {
	if result == nil {
		return
	}
	for _, issue := range result.Errors {
		h.config.Metrics.RecordValidationFailure(issue.Code)
	}
}

// resolveTypes parses requested metric names, falling back to the
// configured defaults when none are given.
func (h *Handler) resolveTypes(names []string) ([]metrics.MetricType, error) {
	types, err := metrics.ParseTypes(names)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return h.config.DefaultMetricTypes, nil
	}
	return types, nil
}

// calculate scores ds and caches the result under its ID.
func (h *Handler) calculate(ctx context.Context, ds *dataset.Dataset, types []metrics.MetricType) (*Calculation, error) {
	ctx = observability.AddDatasetID(ctx, ds.ID)
	start := time.Now()

	result, err := h.config.Calculator.Calculate(ctx, ds, types)
	status := "success"
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	h.config.Metrics.RecordCalculation(status, len(ds.Rows), time.Since(start).Seconds())
	if err != nil {
		h.config.Logger.Warn(ctx, "metrics calculation failed", "error", err, "file", ds.FileName)
		return nil, err
	}

	calc := &Calculation{
		Dataset: storage.DatasetInfo{
			FileName:   ds.FileName,
			RowCount:   ds.RowCount,
			UploadedAt: ds.UploadedAt,
			FileSize:   ds.Metadata.FileSize,
		},
		Result: result,
	}
	h.config.Results.Set(result.ID, calc)
	h.config.Logger.Info(observability.AddAnalysisID(ctx, result.ID), "metrics calculated",
		"file", ds.FileName,
		"rows", ds.RowCount,
		"metric_types", len(result.MetricTypes),
		"duration", result.CalculationTime,
	)
	return calc, nil
}

// lookup resolves id to a cached calculation, then to a saved analysis.
func (h *Handler) lookup(ctx context.Context, id string) (*resultView, error) {
	if calc, ok := h.config.Results.Get(id); ok {
		return &resultView{Calculation: *calc}, nil
	}
	analysis, err := h.config.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &resultView{
		Calculation: Calculation{Dataset: analysis.Dataset, Result: analysis.Result},
		Name:        analysis.Name,
		AnalysisID:  analysis.ID,
	}, nil
}

// save persists the cached calculation resultID under name.
func (h *Handler) save(ctx context.Context, resultID, name string) (*storage.Analysis, error) {
	calc, ok := h.config.Results.Get(resultID)
	if !ok {
		return nil, fmt.Errorf("result %s: %w", resultID, storage.ErrNotFound)
	}
	analysis := storage.NewAnalysis(name, calc.Dataset, calc.Result)
	if err := h.config.Store.Create(ctx, analysis); err != nil {
		return nil, err
	}
	h.config.Logger.Info(observability.AddAnalysisID(ctx, analysis.ID), "analysis saved", "name", analysis.Name)
	return analysis, nil
}
