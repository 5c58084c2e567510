package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

func f64(v float64) *float64 { return &v }

func testAnalysis(types ...metrics.MetricType) *storage.Analysis {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	exact := true
	result := &metrics.Result{
		ID:              "res-1",
		DatasetID:       "ds-1",
		CalculatedAt:    created,
		CalculationTime: 0.25,
		MetricTypes:     append([]metrics.MetricType{metrics.MetricPrecision, metrics.MetricRecall, metrics.MetricF1, metrics.MetricSemanticSimilarity}, types...),
		Aggregate: metrics.AggregateMetrics{
			Precision:          0.75,
			Recall:             0.5,
			F1Score:            0.6,
			SemanticSimilarity: 0.8,
		},
		PerQuery: []metrics.QueryMetrics{
			{RowIndex: 1, Query: "What is Go?", Precision: 1, Recall: 1, F1Score: 1, SemanticSimilarity: 1,
				ResponseLength: 20, GroundTruthLength: 20, Issues: []string{}},
			{RowIndex: 2, Query: "Who wrote it, and when?", Precision: 0.5, Recall: 0, F1Score: 0.2, SemanticSimilarity: 0.6,
				ResponseLength: 3, GroundTruthLength: 30, Issues: []string{"low_f1", "response_too_short"}},
		},
	}
	for _, t := range types {
		switch t {
		case metrics.MetricBLEU:
			result.Aggregate.BLEUScore = f64(0.42)
			result.PerQuery[0].BLEU = f64(1)
			result.PerQuery[1].BLEU = f64(0)
		case metrics.MetricROUGE:
			result.Aggregate.ROUGEScore = map[string]float64{"rouge1": 0.5, "rouge2": 0.25, "rougeL": 0.5}
			result.PerQuery[0].ROUGE = map[string]float64{"rouge1": 1, "rouge2": 1, "rougeL": 1}
		case metrics.MetricExactMatch:
			result.Aggregate.ExactMatchRate = f64(0.5)
			result.PerQuery[0].ExactMatch = &exact
		}
	}
	return &storage.Analysis{
		ID:        "an-1",
		Name:      "Baseline run",
		CreatedAt: created,
		Dataset:   storage.DatasetInfo{FileName: "eval.csv", RowCount: 2, UploadedAt: created, FileSize: 512},
		Result:    result,
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{" CSV ", FormatCSV, false},
		{"Pdf", FormatPDF, false},
		{"", FormatJSON, false},
		{"xlsx", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("ParseFormat(%q) error = %v, want ErrUnsupportedFormat", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestFormatContentType(t *testing.T) {
	if FormatPDF.ContentType() != "application/pdf" {
		t.Errorf("pdf content type = %q", FormatPDF.ContentType())
	}
	if !strings.HasPrefix(FormatCSV.ContentType(), "text/csv") {
		t.Errorf("csv content type = %q", FormatCSV.ContentType())
	}
	if FormatJSON.ContentType() != "application/json" {
		t.Errorf("json content type = %q", FormatJSON.ContentType())
	}
}

func TestFileName(t *testing.T) {
	a := testAnalysis()
	if got := FileName(a, FormatCSV); got != "Baseline_run-20250314-092653.csv" {
		t.Errorf("FileName = %q", got)
	}
	a.Name = "../../eval.csv"
	if got := FileName(a, FormatPDF); got != "eval-20250314-092653.pdf" {
		t.Errorf("FileName = %q", got)
	}
	a.Name = "  "
	if got := FileName(a, FormatJSON); got != "rag-metrics-20250314-092653.json" {
		t.Errorf("FileName = %q", got)
	}
}

func TestWriteJSON(t *testing.T) {
	a := testAnalysis(metrics.MetricBLEU)

	var full bytes.Buffer
	if err := Write(&full, FormatJSON, a, Options{IncludeBreakdown: true}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	var decoded storage.Analysis
	if err := json.Unmarshal(full.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Name != "Baseline run" || len(decoded.Result.PerQuery) != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Result.Aggregate.BLEUScore == nil || *decoded.Result.Aggregate.BLEUScore != 0.42 {
		t.Errorf("bleu = %v", decoded.Result.Aggregate.BLEUScore)
	}

	var summary bytes.Buffer
	if err := Write(&summary, FormatJSON, a, Options{}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	decoded = storage.Analysis{}
	if err := json.Unmarshal(summary.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Result.PerQuery) != 0 {
		t.Errorf("per-query rows = %d, want 0", len(decoded.Result.PerQuery))
	}
	if len(a.Result.PerQuery) != 2 {
		t.Error("summary export mutated the analysis")
	}
}

func TestWriteCSV(t *testing.T) {
	tests := []struct {
		name   string
		types  []metrics.MetricType
		header []string
	}{
		{
			name:  "base metrics",
			types: nil,
			header: []string{"row_index", "query", "precision", "recall", "f1_score", "semantic_similarity",
				"response_length", "ground_truth_length", "issues"},
		},
		{
			name:  "optional metrics",
			types: []metrics.MetricType{metrics.MetricBLEU, metrics.MetricROUGE, metrics.MetricExactMatch},
			header: []string{"row_index", "query", "precision", "recall", "f1_score", "semantic_similarity",
				"bleu", "rouge1", "rouge2", "rougeL", "exact_match",
				"response_length", "ground_truth_length", "issues"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, FormatCSV, testAnalysis(tt.types...), Options{}); err != nil {
				t.Fatalf("Write error: %v", err)
			}
			records, err := csv.NewReader(&buf).ReadAll()
			if err != nil {
				t.Fatalf("read csv: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("records = %d, want 3", len(records))
			}
			if strings.Join(records[0], ",") != strings.Join(tt.header, ",") {
				t.Errorf("header = %v\nwant %v", records[0], tt.header)
			}
			row := map[string]string{}
			for i, h := range records[0] {
				row[h] = records[2][i]
			}
			if row["query"] != "Who wrote it, and when?" {
				t.Errorf("query = %q", row["query"])
			}
			if row["f1_score"] != "0.2000" {
				t.Errorf("f1_score = %q", row["f1_score"])
			}
			if row["issues"] != "low_f1;response_too_short" {
				t.Errorf("issues = %q", row["issues"])
			}
			if _, ok := row["exact_match"]; ok && row["exact_match"] != "" {
				t.Errorf("exact_match for unscored row = %q, want empty", row["exact_match"])
			}
		})
	}
}

func TestWriteCSVOmitsUncomputedRetrieval(t *testing.T) {
	ds := &dataset.Dataset{
		ID:       "ds-1",
		RowCount: 1,
		Rows:     []dataset.DataRow{{RowIndex: 1, Query: "q", Response: "go is fun", GroundTruth: "go is fun"}},
		Mappings: &dataset.ColumnMapping{Query: "query", Response: "response", GroundTruth: "ground_truth"},
	}
	result, err := metrics.NewCalculator(metrics.Options{}).Calculate(context.Background(), ds, []metrics.MetricType{metrics.MetricRetrieval})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	analysis := &storage.Analysis{ID: "an-1", Name: "No retrieval", Result: result}

	var buf bytes.Buffer
	if err := Write(&buf, FormatCSV, analysis, Options{}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	header, err := csv.NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	for _, col := range header {
		switch col {
		case "retrieval_precision", "retrieval_recall", "mrr", "ndcg":
			t.Errorf("header contains %q: %v", col, header)
		}
	}
}

func TestWritePDF(t *testing.T) {
	a := testAnalysis(metrics.MetricBLEU, metrics.MetricROUGE)
	a.Name = "Café résumé"

	var buf bytes.Buffer
	if err := Write(&buf, FormatPDF, a, Options{IncludeBreakdown: true}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Errorf("output does not start with a PDF header: %q", buf.Bytes()[:min(8, buf.Len())])
	}
	if !bytes.Contains(buf.Bytes(), []byte("%%EOF")) {
		t.Error("output is missing the PDF trailer")
	}
}

func TestWriteRejectsMissingResult(t *testing.T) {
	if err := Write(&bytes.Buffer{}, FormatJSON, &storage.Analysis{ID: "x"}, Options{}); err == nil {
		t.Error("expected error for analysis without result")
	}
	if err := Write(&bytes.Buffer{}, Format("xml"), testAnalysis(), Options{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSummary(t *testing.T) {
	rows := Summary(testAnalysis(metrics.MetricROUGE, metrics.MetricExactMatch).Result)
	labels := make([]string, len(rows))
	for i, r := range rows {
		labels[i] = r.Label
	}
	want := "Precision,Recall,F1 Score,Semantic Similarity,ROUGE 1,ROUGE 2,ROUGE L,Exact Match Rate"
	if strings.Join(labels, ",") != want {
		t.Errorf("labels = %s", strings.Join(labels, ","))
	}
	if rows[0].Value != "0.7500" {
		t.Errorf("precision value = %q", rows[0].Value)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
}
