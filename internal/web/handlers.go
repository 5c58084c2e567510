package web

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// multipartOverhead is allowed on top of the file size limit for form
// boundaries and other fields.
const multipartOverhead = 1 << 20

const savedPageSize = 20

// PageData holds common data for page templates.
type PageData struct {
	Title       string
	CurrentPath string
	Version     string
	Error       string
	Flash       string
}

// MetricOption is one checkbox on the upload form.
type MetricOption struct {
	Value    string
	Label    string
	Checked  bool
	Disabled bool
}

// HomeData holds data for the home page.
type HomeData struct {
	PageData
	MetricOptions []MetricOption
	MaxFileBytes  int64
	Validation    *dataset.ValidationResult
}

// ResultsData holds data for the results page.
type ResultsData struct {
	PageData
	Result     *metrics.Result
	Dataset    storage.DatasetInfo
	Name       string
	Summary    []export.SummaryRow
	Saved      bool
	AnalysisID string
	Formats    []export.Format
}

// SavedData holds data for the saved analyses page.
type SavedData struct {
	PageData
	Analyses []*storage.Analysis
	Total    int
	Page     int
	PageSize int
	HasMore  bool
	HasPrev  bool
}

var metricLabels = map[metrics.MetricType]string{
	metrics.MetricPrecision:          "Precision",
	metrics.MetricRecall:             "Recall",
	metrics.MetricF1:                 "F1 Score",
	metrics.MetricSemanticSimilarity: "Semantic Similarity",
	metrics.MetricBLEU:               "BLEU",
	metrics.MetricROUGE:              "ROUGE",
	metrics.MetricExactMatch:         "Exact Match",
	metrics.MetricRetrieval:          "Retrieval (precision, recall, MRR, NDCG)",
	metrics.MetricAnswerRelevance:    "Answer Relevance (LLM judge)",
	metrics.MetricFaithfulness:       "Faithfulness (LLM judge)",
}

func (h *Handler) pageData(title, path string) PageData {
	return PageData{Title: title, CurrentPath: path, Version: h.config.Version}
}

func (h *Handler) metricOptions() []MetricOption {
	defaults := map[metrics.MetricType]bool{}
	for _, t := range h.config.DefaultMetricTypes {
		defaults[t] = true
	}
	opts := make([]MetricOption, 0, len(metrics.AllMetricTypes))
	for _, t := range metrics.AllMetricTypes {
		opt := MetricOption{Value: string(t), Label: metricLabels[t], Checked: defaults[t]}
		switch t {
		case metrics.MetricPrecision, metrics.MetricRecall, metrics.MetricF1, metrics.MetricSemanticSimilarity:
			opt.Checked, opt.Disabled = true, true
		case metrics.MetricAnswerRelevance, metrics.MetricFaithfulness:
			if !h.config.Calculator.HasJudge() {
				opt.Checked, opt.Disabled = false, true
			}
		}
		opts = append(opts, opt)
	}
	return opts
}

func (h *Handler) homeData() HomeData {
	return HomeData{
		PageData:      h.pageData("Home", "/"),
		MetricOptions: h.metricOptions(),
		MaxFileBytes:  h.config.Parser.Limits().MaxFileBytes,
	}
}

// handleHome renders the upload page.
func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "home.html", h.homeData())
}

// handleAnalyze validates an uploaded file, calculates its metrics and
// redirects to the result.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data := h.homeData()

	limit := h.config.Parser.Limits().MaxFileBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			data.Error = "The file is larger than " + formatBytes(limit) + "."
			h.render(w, http.StatusRequestEntityTooLarge, "home.html", data)
			return
		}
		data.Error = "Please choose a CSV file to upload."
		h.render(w, http.StatusBadRequest, "home.html", data)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		data.Error = "Please choose a CSV file to upload."
		h.render(w, http.StatusBadRequest, "home.html", data)
		return
	}
	defer file.Close()

	// The form always submits the full selection, so no defaults apply.
	types, err := metrics.ParseTypes(r.Form["metrics"])
	if err != nil {
		data.Error = err.Error()
		h.render(w, http.StatusBadRequest, "home.html", data)
		return
	}

	ds, validation, err := h.parseUpload(ctx, header.Filename, header.Size, file)
	if err != nil {
		h.config.Logger.Error(ctx, "failed to read upload", "error", err)
		data.Error = "The upload could not be read."
		h.render(w, http.StatusBadRequest, "home.html", data)
		return
	}
	if ds == nil {
		data.Validation = validation
		h.render(w, http.StatusUnprocessableEntity, "home.html", data)
		return
	}

	calc, err := h.calculate(ctx, ds, types)
	if err != nil {
		data.Error = "Failed to calculate metrics: " + err.Error()
		h.render(w, http.StatusUnprocessableEntity, "home.html", data)
		return
	}
	http.Redirect(w, r, "/results/"+url.PathEscape(calc.Result.ID), http.StatusSeeOther)
}

// handleResults renders the empty results page.
func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		http.Redirect(w, r, "/results/"+url.PathEscape(id), http.StatusFound)
		return
	}
	h.render(w, http.StatusOK, "results.html", ResultsData{PageData: h.pageData("Metrics Results", "/results")})
}

// handleResultDetail renders a cached calculation or a saved analysis.
func (h *Handler) handleResultDetail(w http.ResponseWriter, r *http.Request) {
	view, err := h.lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.renderError(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error(r.Context(), "failed to load result", "error", err)
		h.renderError(w, "Failed to load result", http.StatusInternalServerError)
		return
	}

	h.render(w, http.StatusOK, "results.html", ResultsData{
		PageData:   h.pageData("Metrics Results", "/results"),
		Result:     view.Result,
		Dataset:    view.Dataset,
		Name:       view.Name,
		Summary:    export.Summary(view.Result),
		Saved:      view.AnalysisID != "",
		AnalysisID: view.AnalysisID,
		Formats:    exportFormats,
	})
}

// handleSave persists a cached calculation.
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	_, err := h.save(r.Context(), r.PathValue("id"), r.FormValue("name"))
	if errors.Is(err, storage.ErrNotFound) {
		h.renderError(w, "Result not found or expired", http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error(r.Context(), "failed to save analysis", "error", err)
		h.renderError(w, "Failed to save analysis", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/saved", http.StatusSeeOther)
}

// handleSaved renders the saved analyses list.
func (h *Handler) handleSaved(w http.ResponseWriter, r *http.Request) {
	page := parseIntParam(r, "page", 1)
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * savedPageSize

	analyses, total, err := h.config.Store.List(r.Context(), savedPageSize, offset)
	if err != nil {
		h.config.Logger.Error(r.Context(), "failed to list analyses", "error", err)
		h.renderError(w, "Failed to load saved analyses", http.StatusInternalServerError)
		return
	}

	h.render(w, http.StatusOK, "saved.html", SavedData{
		PageData: h.pageData("Saved Analyses", "/saved"),
		Analyses: analyses,
		Total:    total,
		Page:     page,
		PageSize: savedPageSize,
		HasMore:  offset+len(analyses) < total,
		HasPrev:  page > 1,
	})
}

// handleDeleteSaved deletes a saved analysis.
func (h *Handler) handleDeleteSaved(w http.ResponseWriter, r *http.Request) {
	err := h.config.Store.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.renderError(w, "Analysis not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.config.Logger.Error(r.Context(), "failed to delete analysis", "error", err)
		h.renderError(w, "Failed to delete analysis", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/saved", http.StatusSeeOther)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if allowed := h.pageMethods(r); len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		h.renderError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.renderError(w, "Page not found", http.StatusNotFound)
}

// pageMethods lists the methods a page route accepts for r's path.
func (h *Handler) pageMethods(r *http.Request) []string {
	var allowed []string
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		if method == r.Method {
			continue
		}
		probe := r.Clone(r.Context())
		probe.Method = method
		if _, pattern := h.mux.Handler(probe); pattern != "" && pattern != "/" {
			allowed = append(allowed, method)
			if method == http.MethodGet {
				allowed = append(allowed, http.MethodHead)
			}
		}
	}
	return allowed
}

// render executes a page template and writes the result.
func (h *Handler) render(w http.ResponseWriter, status int, page string, data any) {
	tmpl, ok := h.templates[page]
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		h.config.Logger.Slog().Error("template render error", "error", err, "template", page)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError renders an error page.
func (h *Handler) renderError(w http.ResponseWriter, message string, code int) {
	data := h.pageData(message, "")
	h.render(w, code, "error.html", data)
}

// Helper functions

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
