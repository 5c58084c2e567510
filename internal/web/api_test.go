package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/export"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

const calculateBody = `{
  "fileName": "api.csv",
  "data": [
    {"question": "What is Go?", "answer": "Go is a programming language", "reference": "Go is a programming language"},
    {"question": "Is Go fast?", "answer": "yes", "reference": "Go compiles to native machine code", "score": 3}
  ],
  "metricTypes": ["bleu", "exact_match"]
}`

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Timestamp == "" {
		t.Error("error envelope has no timestamp")
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", resp.Timestamp, err)
	}
	return resp
}

// calculateViaAPI runs calculateBody and returns the result.
func calculateViaAPI(t *testing.T, h *Handler) *metrics.Result {
	t.Helper()
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", calculateBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("calculate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result metrics.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return &result
}

func TestAPIHealth(t *testing.T) {
	h := newTestHandler(t, func(c *Config) {
		c.Uptime = func() time.Duration { return 90 * time.Second }
	})
	h.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" || resp.Timestamp != "2025-01-02T03:04:05Z" {
		t.Errorf("health = %+v", resp)
	}
	if resp.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds = %v, want 90", resp.UptimeSeconds)
	}

	degraded := newTestHandler(t, func(c *Config) {
		c.Store = unhealthyStore{storage.NewMemoryAnalysisStore()}
	})
	rec = serve(degraded, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Status != "degraded" {
		t.Errorf("degraded health = %+v, %v", resp, err)
	}
}

func TestAPIValidate(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := newTestHandler(t, func(c *Config) { c.Metrics = m })

	rec := serve(h, uploadRequest(t, "/api/v1/validate", "eval.csv", validCSV, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result dataset.ValidationResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Valid || result.RowCount != 2 || result.DetectedMappings == nil {
		t.Errorf("result = %+v", result)
	}
	if len(result.Preview) != 2 {
		t.Errorf("preview rows = %d", len(result.Preview))
	}

	rec = serve(h, uploadRequest(t, "/api/v1/validate", "bad.csv", "foo,bar\n1,2\n", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", rec.Code)
	}
	result = dataset.ValidationResult{}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Valid || !result.HasError(dataset.CodeMissingColumn) {
		t.Errorf("invalid result = %+v", result)
	}
	if got := testutil.ToFloat64(m.ValidationFailures.WithLabelValues(dataset.CodeMissingColumn)); got == 0 {
		t.Error("validation failure not recorded")
	}
}

func TestAPIValidateRequiresFile(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/validate", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeValidationError {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	tests := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/api/v1/validate", "POST"},
		{http.MethodGet, "/api/v1/metrics/calculate", "POST"},
		{http.MethodPut, "/api/v1/analyses", "GET, POST"},
		{http.MethodPatch, "/api/v1/analyses/abc", "GET, DELETE"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(h, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Header().Get("Allow") != tt.allow {
				t.Errorf("Allow = %q, want %q", rec.Header().Get("Allow"), tt.allow)
			}
			if resp := decodeError(t, rec); resp.Error != CodeMethodNotAllowed {
				t.Errorf("error = %q", resp.Error)
			}
		})
	}
}

func TestAPIUnknownRoute(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeNotFound {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAPICalculate(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := newTestHandler(t, func(c *Config) { c.Metrics = m })

	result := calculateViaAPI(t, h)
	if len(result.PerQuery) != 2 {
		t.Fatalf("per-query rows = %d", len(result.PerQuery))
	}
	if result.PerQuery[0].F1Score != 1 || result.PerQuery[0].RowIndex != 1 {
		t.Errorf("first row = %+v", result.PerQuery[0])
	}
	if result.Aggregate.BLEUScore == nil || result.Aggregate.ExactMatchRate == nil {
		t.Errorf("requested aggregates missing: %+v", result.Aggregate)
	}
	if *result.Aggregate.ExactMatchRate != 0.5 {
		t.Errorf("exact match rate = %v", *result.Aggregate.ExactMatchRate)
	}
	if result.Aggregate.ROUGEScore != nil {
		t.Error("rouge was not requested")
	}
	if _, ok := h.config.Results.Get(result.ID); !ok {
		t.Error("result was not cached")
	}
	if got := testutil.ToFloat64(m.CalculationCounter.WithLabelValues("success")); got != 1 {
		t.Errorf("calculation counter = %v", got)
	}
	if got := testutil.ToFloat64(m.RowsEvaluated); got != 2 {
		t.Errorf("rows evaluated = %v", got)
	}
}

func TestAPICalculateUsesDefaultMetricTypes(t *testing.T) {
	h := newTestHandler(t, func(c *Config) {
		c.DefaultMetricTypes = []metrics.MetricType{metrics.MetricROUGE}
	})
	body := `{"data":[{"query":"a b","response":"a b","ground_truth":"a b"}]}`
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result metrics.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Has(metrics.MetricROUGE) || result.Aggregate.ROUGEScore == nil {
		t.Errorf("default rouge not applied: %+v", result.MetricTypes)
	}
}

func TestAPICalculateErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty body", ``, http.StatusBadRequest, CodeValidationError},
		{"malformed json", `{"data":`, http.StatusBadRequest, CodeValidationError},
		{"empty data", `{"data":[]}`, http.StatusBadRequest, CodeValidationError},
		{"unknown metric", `{"data":[{"query":"q","response":"r","ground_truth":"g"}],"metricTypes":["perplexity"]}`, http.StatusBadRequest, CodeValidationError},
		{"unknown field", `{"data":[{"query":"q","response":"r","ground_truth":"g"}],"extra":1}`, http.StatusBadRequest, CodeValidationError},
		{"incomplete mapping", `{"data":[{"q":"q"}],"columnMappings":{"query":"q"}}`, http.StatusBadRequest, CodeValidationError},
		{"missing columns", `{"data":[{"foo":"bar"}]}`, http.StatusBadRequest, CodeValidationError},
		{"judge not configured", `{"data":[{"query":"q","response":"r","ground_truth":"g"}],"metricTypes":["faithfulness"]}`, http.StatusUnprocessableEntity, CodeProcessingError},
	}
	h := newTestHandler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", tt.body))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.status, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestAPICalculateSchemaDetails(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", `{"data":[],"metricTypes":["nope"]}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error   string        `json:"error"`
		Details []SchemaIssue `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Details) == 0 {
		t.Fatal("expected schema issues in details")
	}
	fields := map[string]bool{}
	for _, issue := range resp.Details {
		fields[issue.Field] = true
	}
	if !fields["data"] {
		t.Errorf("issues = %+v, want one for data", resp.Details)
	}
}

func TestAPICalculateTooLarge(t *testing.T) {
	h := newTestHandler(t, func(c *Config) {
		c.Parser = dataset.NewParser(dataset.Limits{MaxFileBytes: 64})
	})
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", calculateBody))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeFileTooLarge {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAPICalculateTooManyRows(t *testing.T) {
	h := newTestHandler(t, func(c *Config) {
		c.Parser = dataset.NewParser(dataset.Limits{MaxRows: 1})
	})
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/metrics/calculate", calculateBody))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeError(t, rec)
	if resp.Error != CodeFileTooLarge || !strings.Contains(resp.Message, "1 rows") {
		t.Errorf("error = %+v", resp)
	}
}

func TestAPIAnalysesLifecycle(t *testing.T) {
	h := newTestHandler(t)
	result := calculateViaAPI(t, h)

	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/analyses", `{"name":"API run","resultId":"`+result.ID+`"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created storage.Analysis
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "API run" || created.Result == nil || created.Result.ID != result.ID {
		t.Errorf("created = %+v", created)
	}
	if rec.Header().Get("Location") != "/api/v1/analyses/"+created.ID {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/analyses?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list AnalysisListResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Analyses) != 1 || list.Limit != 10 {
		t.Fatalf("list = %+v", list)
	}
	if list.Analyses[0].Aggregate.F1Score != result.Aggregate.F1Score {
		t.Errorf("summary aggregate = %+v", list.Analyses[0].Aggregate)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.ID+"/export?format=csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), `attachment; filename="API_run-`) {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil || len(records) != 3 {
		t.Fatalf("csv records = %d, %v", len(records), err)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.ID+"/export?format=pdf", nil))
	if rec.Code != http.StatusOK || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Errorf("pdf export status = %d", rec.Code)
	}

	rec = serve(h, httptest.NewRequest(http.MethodDelete, "/api/v1/analyses/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeNotFound {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAPICreateAnalysisInline(t *testing.T) {
	h := newTestHandler(t)
	body := `{"name":"","dataset":{"fileName":"inline.csv","rowCount":1},"result":{"id":"r1","perQueryMetrics":[],"metricTypes":["precision"]}}`
	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/analyses", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created storage.Analysis
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "inline.csv" {
		t.Errorf("name = %q, want file name fallback", created.Name)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"neither result nor id", `{"name":"x"}`, http.StatusBadRequest},
		{"unknown result id", `{"name":"x","resultId":"missing"}`, http.StatusNotFound},
		{"no name", `{"result":{"id":"r2"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/analyses", tt.body))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestAPIExportPayload(t *testing.T) {
	h := newTestHandler(t)
	result := calculateViaAPI(t, h)
	analysis := storage.Analysis{Name: "adhoc", Dataset: storage.DatasetInfo{FileName: "api.csv", RowCount: 2}, Result: result}
	payload, err := json.Marshal(analysis)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/export/json?breakdown=false", string(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var exported storage.Analysis
	if err := json.NewDecoder(rec.Body).Decode(&exported); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exported.Name != "adhoc" || len(exported.Result.PerQuery) != 0 {
		t.Errorf("exported = %+v", exported)
	}

	rec = serve(h, jsonRequest(http.MethodPost, "/api/v1/export/xlsx", string(payload)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported format status = %d", rec.Code)
	}
	rec = serve(h, jsonRequest(http.MethodPost, "/api/v1/export/csv", `{"name":"no result"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing result status = %d", rec.Code)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	failed  bool
}

func (s *fakeSink) Upload(ctx context.Context, key string, format export.Format, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return "", errors.New("bucket unavailable")
	}
	s.objects[key] = data
	return "s3://reports/" + key, nil
}

func (s *fakeSink) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func TestAPIAnalysisUpload(t *testing.T) {
	sink := &fakeSink{objects: map[string][]byte{}}
	h := newTestHandler(t, func(c *Config) { c.Sink = sink })

	result := calculateViaAPI(t, h)
	analysis, err := h.save(context.Background(), result.ID, "Upload me")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	target := "/api/v1/analyses/" + analysis.ID + "/upload?format=pdf"

	rec := serve(h, httptest.NewRequest(http.MethodPost, target, nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp UploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Format != "pdf" || resp.Location != "s3://reports/"+resp.Key || !strings.HasPrefix(resp.Key, analysis.ID+"/Upload_me-") {
		t.Errorf("upload response = %+v", resp)
	}
	if !bytes.HasPrefix(sink.objects[resp.Key], []byte("%PDF-")) {
		t.Error("uploaded object is not a PDF")
	}

	rec = serve(h, httptest.NewRequest(http.MethodPost, target, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat upload status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeConflict {
		t.Errorf("error = %q", resp.Error)
	}

	rec = serve(h, httptest.NewRequest(http.MethodPost, target+"&overwrite=true", nil))
	if rec.Code != http.StatusCreated {
		t.Errorf("overwrite status = %d", rec.Code)
	}

	sink.failed = true
	rec = serve(h, httptest.NewRequest(http.MethodPost, target+"&overwrite=true", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("failed upload status = %d", rec.Code)
	}
}

func TestAPIAnalysisUploadWithoutSink(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/analyses/abc/upload", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != CodeProcessingError {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestStringRows(t *testing.T) {
	rows := stringRows([]map[string]any{{"a": "x", "b": 3.5, "c": float64(2), "d": nil, "e": true}})
	want := map[string]string{"a": "x", "b": "3.5", "c": "2", "d": "", "e": "true"}
	for k, v := range want {
		if rows[0][k] != v {
			t.Errorf("rows[0][%q] = %q, want %q", k, rows[0][k], v)
		}
	}
}
