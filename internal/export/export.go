// Package export renders saved analyses as downloadable reports.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

// ErrUnsupportedFormat is returned for unknown export formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format is a report file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatCSV, FormatPDF}

// ParseFormat resolves a case-insensitive format name.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	switch f {
	case FormatJSON, FormatCSV, FormatPDF:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

// Extension returns the file extension of f, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// Options tunes report contents.
type Options struct {
	// IncludeBreakdown adds per-query metrics to JSON and PDF reports.
	// CSV reports are always per query.
	IncludeBreakdown bool
}

// Write renders analysis to w in the given format.
func Write(w io.Writer, format Format, analysis *storage.Analysis, opts Options) error {
	if analysis == nil || analysis.Result == nil {
		return fmt.Errorf("analysis with a result is required")
	}
	switch format {
	case FormatJSON:
		return writeJSON(w, analysis, opts)
	case FormatCSV:
		return writeCSV(w, analysis.Result)
	case FormatPDF:
		return writePDF(w, analysis, opts)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns a download file name for analysis.
func FileName(analysis *storage.Analysis, format Format) string {
	base := unsafeFileChars.ReplaceAllString(strings.TrimSpace(analysis.Name), "_")
	base = strings.Trim(base, "_.")
	if base == "" {
		base = "rag-metrics"
	}
	base = strings.TrimSuffix(base, ".csv")
	return fmt.Sprintf("%s-%s.%s", base, analysis.CreatedAt.UTC().Format("20060102-150405"), format.Extension())
}

func writeJSON(w io.Writer, analysis *storage.Analysis, opts Options) error {
	out := *analysis
	if !opts.IncludeBreakdown {
		result := *analysis.Result
		result.PerQuery = []metrics.QueryMetrics{}
		out.Result = &result
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("encode json report: %w", err)
	}
	return nil
}

// column is one CSV column. value returns "" when the metric is absent for a row.
type column struct {
	header string
	value  func(q *metrics.QueryMetrics) string
}

func csvColumns(result *metrics.Result) []column {
	cols := []column{
		{"row_index", func(q *metrics.QueryMetrics) string { return strconv.Itoa(q.RowIndex) }},
		{"query", func(q *metrics.QueryMetrics) string { return q.Query }},
		{"precision", func(q *metrics.QueryMetrics) string { return formatScore(q.Precision) }},
		{"recall", func(q *metrics.QueryMetrics) string { return formatScore(q.Recall) }},
		{"f1_score", func(q *metrics.QueryMetrics) string { return formatScore(q.F1Score) }},
		{"semantic_similarity", func(q *metrics.QueryMetrics) string { return formatScore(q.SemanticSimilarity) }},
	}
	if result.Has(metrics.MetricBLEU) {
		cols = append(cols, column{"bleu", func(q *metrics.QueryMetrics) string { return formatOptional(q.BLEU) }})
	}
	if result.Has(metrics.MetricROUGE) {
		for _, key := range []string{"rouge1", "rouge2", "rougeL"} {
			cols = append(cols, column{key, func(q *metrics.QueryMetrics) string {
				v, ok := q.ROUGE[key]
				if !ok {
					return ""
				}
				return formatScore(v)
			}})
		}
	}
	if result.Has(metrics.MetricExactMatch) {
		cols = append(cols, column{"exact_match", func(q *metrics.QueryMetrics) string {
			if q.ExactMatch == nil {
				return ""
			}
			return strconv.FormatBool(*q.ExactMatch)
		}})
	}
	if result.Has(metrics.MetricRetrieval) {
		cols = append(cols,
			column{"retrieval_precision", func(q *metrics.QueryMetrics) string { return formatOptional(q.RetrievalPrecision) }},
			column{"retrieval_recall", func(q *metrics.QueryMetrics) string { return formatOptional(q.RetrievalRecall) }},
			column{"mrr", func(q *metrics.QueryMetrics) string { return formatOptional(q.MRR) }},
			column{"ndcg", func(q *metrics.QueryMetrics) string { return formatOptional(q.NDCG) }},
		)
	}
	if result.Has(metrics.MetricAnswerRelevance) {
		cols = append(cols, column{"answer_relevance", func(q *metrics.QueryMetrics) string { return formatOptional(q.AnswerRelevance) }})
	}
	if result.Has(metrics.MetricFaithfulness) {
		cols = append(cols, column{"faithfulness", func(q *metrics.QueryMetrics) string { return formatOptional(q.Faithfulness) }})
	}
	return append(cols,
		column{"response_length", func(q *metrics.QueryMetrics) string { return strconv.Itoa(q.ResponseLength) }},
		column{"ground_truth_length", func(q *metrics.QueryMetrics) string { return strconv.Itoa(q.GroundTruthLength) }},
		column{"issues", func(q *metrics.QueryMetrics) string { return strings.Join(q.Issues, ";") }},
	)
}

func writeCSV(w io.Writer, result *metrics.Result) error {
	cols := csvColumns(result)
	cw := csv.NewWriter(w)

	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.header
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(cols))
	for i := range result.PerQuery {
		q := &result.PerQuery[i]
		for j, c := range cols {
			record[j] = c.value(q)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", q.RowIndex, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatScore(*v)
}
