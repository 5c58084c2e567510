package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// API error codes.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeConflict            = "CONFLICT"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeProcessingError     = "PROCESSING_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	healthTimeout    = 2 * time.Second
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	// UptimeSeconds is how long the server has been serving.
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// CalculateRequest is the body of POST /api/v1/metrics/calculate.
type CalculateRequest struct {
	FileName       string                 `json:"fileName,omitempty"`
	Data           []map[string]any       `json:"data"`
	ColumnMappings *dataset.ColumnMapping `json:"columnMappings,omitempty"`
	MetricTypes    []string               `json:"metricTypes,omitempty"`
}

// SaveRequest is the body of POST /api/v1/analyses. Either ResultID names a
// recent calculation or Result carries one inline.
type SaveRequest struct {
	Name     string               `json:"name"`
	ResultID string               `json:"resultId,omitempty"`
	Dataset  *storage.DatasetInfo `json:"dataset,omitempty"`
	Result   *metrics.Result      `json:"result,omitempty"`
}

// AnalysisSummary is a saved analysis without per-query rows.
type AnalysisSummary struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	CreatedAt time.Time                `json:"createdAt"`
	Dataset   storage.DatasetInfo      `json:"dataset"`
	Aggregate metrics.AggregateMetrics `json:"aggregateMetrics"`
}

// AnalysisListResponse is returned by GET /api/v1/analyses.
type AnalysisListResponse struct {
	Analyses []AnalysisSummary `json:"analyses"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// UploadResponse is returned after a report is uploaded.
type UploadResponse struct {
	Location string `json:"location"`
	Key      string `json:"key"`
	Format   string `json:"format"`
}

// apiHealth handles GET /health.
func (h *Handler) apiHealth(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Version:   h.config.Version,
	}
	if h.config.Uptime != nil {
		resp.UptimeSeconds = h.config.Uptime().Seconds()
	}
	status := http.StatusOK
	if err := h.config.Store.Ping(ctx); err != nil {
		h.config.Logger.Warn(ctx, "store health check failed", "error", err)
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.jsonResponse(w, status, resp)
}

// apiValidate handles POST /api/v1/validate.
func (h *Handler) apiValidate(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	name, size, file, cleanup, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	ctx, span := h.config.Tracer.TraceParse(r.Context(), name, size)
	defer span.End()
	result, err := h.config.Parser.Validate(ctx, name, file)
	if err != nil {
		h.config.Tracer.RecordError(span, err)
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "The upload could not be read", err.Error())
		return
	}
	h.recordValidation(result)

	status := http.StatusOK
	if !result.Valid {
		status = http.StatusBadRequest
	}
	h.jsonResponse(w, status, result)
}

// apiCalculate handles POST /api/v1/metrics/calculate.
func (h *Handler) apiCalculate(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.schema.validateCalculate(raw); err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Request body does not match the calculate schema", schemaIssues(err))
		return
	}

	var req CalculateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Invalid JSON body", err.Error())
		return
	}
	types, err := h.resolveTypes(req.MetricTypes)
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	name := req.FileName
	if name == "" {
		name = "api-request"
	}
	ctx := r.Context()
	ds, validation, err := h.config.Parser.FromRows(ctx, name, stringRows(req.Data), req.ColumnMappings)
	if err != nil {
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to read data", err.Error())
		return
	}
	h.recordValidation(validation)
	if validation.HasError(dataset.CodeTooManyRows) {
		h.jsonError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			fmt.Sprintf("Data exceeds the maximum of %d rows", h.config.Parser.Limits().MaxRows), validation)
		return
	}
	if ds == nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Data failed validation", validation)
		return
	}
	ds.Metadata.FileSize = int64(len(raw))

	calc, err := h.calculate(ctx, ds, types)
	if err != nil {
		h.calculationError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, calc.Result)
}

// apiExport handles POST /api/v1/export/{format}, rendering an analysis
// supplied in the body.
func (h *Handler) apiExport(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	format, err := export.ParseFormat(r.PathValue("format"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var analysis storage.Analysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Invalid JSON body", err.Error())
		return
	}
	if analysis.Result == nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "result is required", nil)
		return
	}
	if analysis.Name == "" {
		analysis.Name = analysis.Dataset.FileName
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = h.now().UTC()
	}
	h.writeReport(w, r, &analysis, format)
}

// apiAnalyses handles GET and POST /api/v1/analyses.
func (h *Handler) apiAnalyses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAnalyses(w, r)
	case http.MethodPost:
		h.createAnalysis(w, r)
	default:
		h.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	analyses, total, err := h.config.Store.List(r.Context(), limit, offset)
	if err != nil {
		h.config.Logger.Error(r.Context(), "failed to list analyses", "error", err)
		h.jsonError(w, http.StatusInternalServerError, CodeInternalServerError, "Failed to list analyses", nil)
		return
	}

	resp := AnalysisListResponse{
		Analyses: make([]AnalysisSummary, 0, len(analyses)),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}
	for _, a := range analyses {
		summary := AnalysisSummary{ID: a.ID, Name: a.Name, CreatedAt: a.CreatedAt, Dataset: a.Dataset}
		if a.Result != nil {
			summary.Aggregate = a.Result.Aggregate
		}
		resp.Analyses = append(resp.Analyses, summary)
	}
	h.jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) createAnalysis(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req SaveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Invalid JSON body", err.Error())
		return
	}

	ctx := r.Context()
	var analysis *storage.Analysis
	switch {
	case req.ResultID != "":
		var err error
		analysis, err = h.save(ctx, req.ResultID, req.Name)
		if errors.Is(err, storage.ErrNotFound) {
			h.jsonError(w, http.StatusNotFound, CodeNotFound, "Result not found or expired", nil)
			return
		}
		if err != nil {
			h.storeError(w, r, "save analysis", err)
			return
		}
	case req.Result != nil:
		info := storage.DatasetInfo{}
		if req.Dataset != nil {
			info = *req.Dataset
		}
		if strings.TrimSpace(req.Name) == "" && info.FileName == "" {
			h.jsonError(w, http.StatusBadRequest, CodeValidationError, "name is required", nil)
			return
		}
		analysis = storage.NewAnalysis(req.Name, info, req.Result)
		if err := h.config.Store.Create(ctx, analysis); err != nil {
			h.storeError(w, r, "save analysis", err)
			return
		}
	default:
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "resultId or result is required", nil)
		return
	}

	w.Header().Set("Location", "/api/v1/analyses/"+analysis.ID)
	h.jsonResponse(w, http.StatusCreated, analysis)
}

// apiAnalysis handles GET and DELETE /api/v1/analyses/{id}.
func (h *Handler) apiAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := observability.AddAnalysisID(r.Context(), id)

	switch r.Method {
	case http.MethodGet:
		analysis, err := h.config.Store.Get(ctx, id)
		if err != nil {
			h.storeError(w, r, "get analysis", err)
			return
		}
		h.jsonResponse(w, http.StatusOK, analysis)
	case http.MethodDelete:
		if err := h.config.Store.Delete(ctx, id); err != nil {
			h.storeError(w, r, "delete analysis", err)
			return
		}
		h.config.Logger.Info(ctx, "analysis deleted")
		w.WriteHeader(http.StatusNoContent)
	default:
		h.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// apiAnalysisExport handles GET /api/v1/analyses/{id}/export?format=.
func (h *Handler) apiAnalysisExport(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet) {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	analysis, err := h.config.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.storeError(w, r, "get analysis", err)
		return
	}
	h.writeReport(w, r, analysis, format)
}

// apiAnalysisUpload handles POST /api/v1/analyses/{id}/upload?format=,
// rendering the report and storing it with the configured sink.
func (h *Handler) apiAnalysisUpload(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	if h.config.Sink == nil {
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Report storage is not configured", nil)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	ctx := r.Context()
	analysis, err := h.config.Store.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.storeError(w, r, "get analysis", err)
		return
	}

	key := analysis.ID + "/" + export.FileName(analysis, format)
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	if !overwrite {
		exists, err := h.config.Sink.Exists(ctx, key)
		if err != nil {
			h.config.Logger.Error(ctx, "report lookup failed", "error", err, "key", key)
			h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to reach report storage", nil)
			return
		}
		if exists {
			h.jsonError(w, http.StatusConflict, CodeConflict, "Report already uploaded; pass overwrite=true to replace it", map[string]string{"key": key})
			return
		}
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, analysis, h.exportOptions(r)); err != nil {
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to render report", err.Error())
		return
	}
	location, err := h.config.Sink.Upload(ctx, key, format, buf.Bytes())
	if err != nil {
		h.config.Logger.Error(ctx, "report upload failed", "error", err, "key", key)
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to upload report", nil)
		return
	}
	h.config.Logger.Info(observability.AddAnalysisID(ctx, analysis.ID), "report uploaded", "location", location)
	h.jsonResponse(w, http.StatusCreated, UploadResponse{Location: location, Key: key, Format: string(format)})
}

func (h *Handler) apiNotFound(w http.ResponseWriter, r *http.Request) {
	h.jsonError(w, http.StatusNotFound, CodeNotFound, "No route for "+r.URL.Path, nil)
}

func (h *Handler) exportOptions(r *http.Request) export.Options {
	opts := export.Options{IncludeBreakdown: h.config.IncludeBreakdown}
	if v := r.URL.Query().Get("breakdown"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.IncludeBreakdown = b
		}
	}
	return opts
}

// writeReport renders analysis into a buffer so failures still produce a
// JSON error, then sends it as an attachment.
func (h *Handler) writeReport(w http.ResponseWriter, r *http.Request, analysis *storage.Analysis, format export.Format) {
	var buf bytes.Buffer
	if err := export.Write(&buf, format, analysis, h.exportOptions(r)); err != nil {
		h.config.Logger.Error(r.Context(), "export failed", "error", err, "format", format)
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to render report", err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(analysis, format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// readUpload reads the multipart "file" field, answering with an error
// envelope when it is missing or too large.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, int64, io.Reader, func(), bool) {
	limit := h.config.Parser.Limits().MaxFileBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.bodyError(w, err, limit)
		return "", 0, nil, nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "multipart field \"file\" is required", nil)
		return "", 0, nil, nil, false
	}
	cleanup := func() {
		file.Close()
		_ = r.MultipartForm.RemoveAll()
	}
	return header.Filename, header.Size, file, cleanup, true
}

// readBody reads a JSON body bounded by the file size limit.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := h.config.Parser.Limits().MaxFileBytes
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		h.bodyError(w, err, limit)
		return nil, false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Request body is empty", nil)
		return nil, false
	}
	return raw, true
}

func (h *Handler) bodyError(w http.ResponseWriter, err error, limit int64) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.jsonError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge,
			fmt.Sprintf("Request exceeds the maximum size of %d bytes", limit), nil)
		return
	}
	h.jsonError(w, http.StatusBadRequest, CodeValidationError, "Could not read request body", err.Error())
}

func (h *Handler) calculationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metrics.ErrUnknownMetric):
		h.jsonError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Calculation was cancelled", nil)
	default:
		h.jsonError(w, http.StatusUnprocessableEntity, CodeProcessingError, "Failed to calculate metrics", err.Error())
	}
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.jsonError(w, http.StatusNotFound, CodeNotFound, "Analysis not found", nil)
	case errors.Is(err, storage.ErrAlreadyExists):
		h.jsonError(w, http.StatusConflict, CodeConflict, "Analysis already exists", nil)
	default:
		h.config.Logger.Error(r.Context(), "store operation failed", "op", op, "error", err)
		h.jsonError(w, http.StatusInternalServerError, CodeInternalServerError, "Failed to "+op, nil)
	}
}

// allowMethods answers 405 unless r uses one of methods.
func (h *Handler) allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	h.methodNotAllowed(w, methods...)
	return false
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	h.jsonError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
}

// stringRows converts JSON cell values to strings. Nulls become empty.
func stringRows(rows []map[string]any) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		converted := make(map[string]string, len(row))
		for k, v := range row {
			switch val := v.(type) {
			case nil:
				converted[k] = ""
			case string:
				converted[k] = val
			case float64:
				converted[k] = strconv.FormatFloat(val, 'f', -1, 64)
			default:
				converted[k] = fmt.Sprint(val)
			}
		}
		out[i] = converted
	}
	return out
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Slog().Error("failed to encode json response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSONError(w, status, code, message, details, h.now())
}

// writeJSONError writes the error envelope. Middleware uses it without a Handler.
func writeJSONError(w http.ResponseWriter, status int, code, message string, details any, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}
