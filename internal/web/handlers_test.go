package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/haasonsaas/ragmetrics/internal/metrics"
)

func TestPages(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		path     string
		heading  string
		contains string
	}{
		{"/", "Welcome to RAG Metrics Calculator", "Upload your CSV file containing RAG evaluation data to calculate performance metrics."},
		{"/results", "Metrics Results", "Results will be displayed here after calculating metrics."},
		{"/saved", "Saved Analyses", "Your saved analyses will appear here."},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(h, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, "<h1>"+tt.heading+"</h1>") {
				t.Errorf("missing heading %q", tt.heading)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("missing text %q", tt.contains)
			}
			if !strings.Contains(body, `href="/"`) || !strings.Contains(body, `href="/saved"`) {
				t.Error("header navigation links missing")
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestUnknownPageIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	for _, path := range []string{"/nope", "/results/missing", "/saved/extra/path"} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestPageWrongMethod(t *testing.T) {
	h := newTestHandler(t)
	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodPost, "/saved", "GET, HEAD"},
		{http.MethodPost, "/results", "GET, HEAD"},
		{http.MethodDelete, "/", "GET, HEAD"},
		{http.MethodGet, "/analyze", "POST"},
		{http.MethodGet, "/saved/abc/delete", "POST"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(h, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d, want 405", rec.Code)
			}
			if got := rec.Header().Get("Allow"); got != tt.allow {
				t.Errorf("Allow = %q, want %q", got, tt.allow)
			}
			if !strings.Contains(rec.Body.String(), "Method not allowed") {
				t.Error("error page missing message")
			}
		})
	}

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /nope status = %d, want 404", rec.Code)
	}
}

func TestStaticAssets(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ".app-header") {
		t.Error("stylesheet content missing")
	}
}

func TestHomeMetricOptions(t *testing.T) {
	h := newTestHandler(t, func(c *Config) {
		c.DefaultMetricTypes = []metrics.MetricType{metrics.MetricBLEU}
	})
	body := serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	if !strings.Contains(body, `value="bleu" checked`) {
		t.Error("default metric not pre-selected")
	}
	if !strings.Contains(body, `value="faithfulness" disabled`) {
		t.Error("judge metric should be disabled without a judge")
	}
}

func TestAnalyzeSaveAndListFlow(t *testing.T) {
	h := newTestHandler(t)

	req := uploadRequest(t, "/analyze", "eval.csv", validCSV, map[string][]string{"metrics": {"bleu", "rouge"}})
	rec := serve(h, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("analyze status = %d, body = %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/results/") {
		t.Fatalf("Location = %q", location)
	}
	resultID := strings.TrimPrefix(location, "/results/")

	rec = serve(h, httptest.NewRequest(http.MethodGet, location, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("results status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"<h1>Metrics Results</h1>", "Aggregate metrics", "F1 Score", "BLEU", "ROUGE L", "eval.csv", "Save analysis"} {
		if !strings.Contains(body, want) {
			t.Errorf("results page missing %q", want)
		}
	}

	form := url.Values{"name": {"Baseline run"}}
	saveReq := httptest.NewRequest(http.MethodPost, "/results/"+resultID+"/save", strings.NewReader(form.Encode()))
	saveReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = serve(h, saveReq)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/saved" {
		t.Fatalf("save status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}

	analyses, total, err := h.config.Store.List(context.Background(), 0, 0)
	if err != nil || total != 1 {
		t.Fatalf("List = %d, %v", total, err)
	}
	saved := analyses[0]
	if saved.Name != "Baseline run" || saved.Dataset.FileName != "eval.csv" || saved.Dataset.RowCount != 2 {
		t.Errorf("saved analysis = %+v", saved)
	}

	body = serve(h, httptest.NewRequest(http.MethodGet, "/saved", nil)).Body.String()
	if !strings.Contains(body, "Baseline run") || !strings.Contains(body, `href="/results/`+saved.ID+`"`) {
		t.Error("saved page does not list the analysis")
	}
	if strings.Contains(body, "Your saved analyses will appear here.") {
		t.Error("saved page still shows the empty state")
	}

	body = serve(h, httptest.NewRequest(http.MethodGet, "/results/"+saved.ID, nil)).Body.String()
	if !strings.Contains(body, "/api/v1/analyses/"+saved.ID+"/export?format=pdf") {
		t.Error("saved result page lacks export links")
	}

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/saved/"+saved.ID+"/delete", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, total, _ := h.config.Store.List(context.Background(), 0, 0); total != 0 {
		t.Errorf("total after delete = %d", total)
	}
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/saved/"+saved.ID+"/delete", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAnalyzeInvalidFile(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, uploadRequest(t, "/analyze", "bad.csv", "foo,bar\n1,2\n", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "MISSING_COLUMN") || !strings.Contains(body, "Welcome to RAG Metrics Calculator") {
		t.Error("home page with issues was not re-rendered")
	}
}

func TestAnalyzeWithoutFile(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"metrics": {"bleu"}}
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := serve(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnalyzeJudgeMetricWithoutJudge(t *testing.T) {
	h := newTestHandler(t)
	req := uploadRequest(t, "/analyze", "eval.csv", validCSV, map[string][]string{"metrics": {"answer_relevance"}})
	rec := serve(h, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Failed to calculate metrics") {
		t.Error("calculation error not shown")
	}
}

func TestSaveUnknownResult(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/results/unknown/save", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResultsQueryRedirect(t *testing.T) {
	h := newTestHandler(t)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/results?id=abc", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/results/abc" {
		t.Errorf("status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}
}
