// Package web serves the RAG Metrics Calculator pages and its JSON API.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/ragmetrics/internal/cache"
	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/ratelimit"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// pages are rendered inside templates/layout.html.
var pages = []string{"home.html", "results.html", "saved.html", "error.html"}

// Config holds web handler dependencies.
type Config struct {
	// Parser validates uploads. Defaults to dataset.DefaultLimits.
	Parser *dataset.Parser
	// Calculator scores datasets. Defaults to a calculator without providers.
	Calculator *metrics.Calculator
	// Store persists saved analyses. Defaults to an in-memory store.
	Store storage.AnalysisStore
	// Results caches calculations until they are saved or expire.
	Results *cache.Cache[*Calculation]
	// Sink uploads exported reports (optional).
	Sink ReportSink

	// DefaultMetricTypes are pre-selected on the upload form and used by the
	// API when a request names none.
	DefaultMetricTypes []metrics.MetricType
	// IncludeBreakdown adds per-query rows to JSON and PDF exports by default.
	IncludeBreakdown bool

	RateLimit      ratelimit.Config
	AllowedOrigins []string

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Version is reported by /health and the page footer.
	Version string
	// Uptime reports how long the server has been serving (optional).
	Uptime func() time.Duration
}

// Handler serves pages and API routes.
type Handler struct {
	config    *Config
	templates map[string]*template.Template
	mux       *http.ServeMux
	limiter   *ratelimit.Limiter
	schema    *requestSchema
	now       func() time.Time
}

// NewHandler creates a handler. Missing dependencies fall back to
// in-memory defaults.
func NewHandler(cfg *Config) (*Handler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Parser == nil {
		cfg.Parser = dataset.NewParser(dataset.DefaultLimits())
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Calculator == nil {
		cfg.Calculator = metrics.NewCalculator(metrics.Options{Logger: cfg.Logger.Slog(), Tracer: cfg.Tracer})
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryAnalysisStore()
	}
	if cfg.Results == nil {
		cfg.Results = cache.New[*Calculation](cache.Options{TTL: time.Hour, MaxSize: 100})
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	funcMap := template.FuncMap{
		"formatTime": formatTime,
		"score":      formatScore,
		"scorePtr":   formatScorePtr,
		"rouge":      rougeValue,
		"bytes":      formatBytes,
		"truncate":   truncate,
		"join":       strings.Join,
		"upper":      strings.ToUpper,
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
	}

	templates := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		tmpl, err := template.New("layout.html").Funcs(funcMap).ParseFS(templatesFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", page, err)
		}
		templates[page] = tmpl
	}

	schema, err := compileRequestSchema()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		config:    cfg,
		templates: templates,
		mux:       http.NewServeMux(),
		limiter:   ratelimit.NewLimiter(cfg.RateLimit),
		schema:    schema,
		now:       time.Now,
	}
	h.setupRoutes()
	return h, nil
}

// setupRoutes configures all HTTP routes.
func (h *Handler) setupRoutes() {
	staticContent, err := fs.Sub(staticFS, "static")
	if err != nil {
		h.mux.Handle("/static/", http.NotFoundHandler())
	} else {
		h.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticContent))))
	}

	// Pages
	h.mux.HandleFunc("GET /{$}", h.handleHome)
	h.mux.HandleFunc("POST /analyze", h.handleAnalyze)
	h.mux.HandleFunc("GET /results", h.handleResults)
	h.mux.HandleFunc("GET /results/{id}", h.handleResultDetail)
	h.mux.HandleFunc("POST /results/{id}/save", h.handleSave)
	h.mux.HandleFunc("GET /saved", h.handleSaved)
	h.mux.HandleFunc("POST /saved/{id}/delete", h.handleDeleteSaved)
	h.mux.HandleFunc("/", h.handleNotFound)

	// API; handlers check methods so errors keep the JSON envelope.
	h.mux.HandleFunc("/health", h.apiHealth)
	h.mux.HandleFunc("/api/v1/validate", h.apiValidate)
	h.mux.HandleFunc("/api/v1/metrics/calculate", h.apiCalculate)
	h.mux.HandleFunc("/api/v1/export/{format}", h.apiExport)
	h.mux.HandleFunc("/api/v1/analyses", h.apiAnalyses)
	h.mux.HandleFunc("/api/v1/analyses/{id}", h.apiAnalysis)
	h.mux.HandleFunc("/api/v1/analyses/{id}/export", h.apiAnalysisExport)
	h.mux.HandleFunc("/api/v1/analyses/{id}/upload", h.apiAnalysisUpload)
	h.mux.HandleFunc("/api/", h.apiNotFound)
}

// ServeHTTP implements http.Handler without middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount returns the handler with middleware applied.
func (h *Handler) Mount() http.Handler {
	var handler http.Handler = h
	handler = RateLimitMiddleware(h.limiter)(handler)
	handler = CORSMiddleware(h.config.AllowedOrigins)(handler)
	handler = LoggingMiddleware(h.config.Logger, h.config.Metrics, h.config.Tracer)(handler)
	handler = RecoveryMiddleware(h.config.Logger)(handler)
	handler = RequestIDMiddleware()(handler)
	return handler
}

// Template helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatScorePtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatScore(*v)
}

func rougeValue(scores map[string]float64, key string) string {
	v, ok := scores[key]
	if !ok {
		return "-"
	}
	return formatScore(v)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// exportFormats lists the formats offered on the results page.
var exportFormats = export.Formats
