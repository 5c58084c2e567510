package export

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-pdf/fpdf"

	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/storage"
)

const (
	pdfMargin     = 15.0
	pdfLineHeight = 7.0
	pdfQueryChars = 60
)

// SummaryRow is one labelled aggregate value.
type SummaryRow struct {
	Label string
	Value string
}

// Summary lists the aggregate metrics present in result, in display order.
func Summary(result *metrics.Result) []SummaryRow {
	agg := result.Aggregate
	rows := []SummaryRow{
		{"Precision", formatScore(agg.Precision)},
		{"Recall", formatScore(agg.Recall)},
		{"F1 Score", formatScore(agg.F1Score)},
		{"Semantic Similarity", formatScore(agg.SemanticSimilarity)},
	}
	add := func(label string, v *float64) {
		if v != nil {
			rows = append(rows, SummaryRow{label, formatScore(*v)})
		}
	}
	add("BLEU", agg.BLEUScore)
	for _, key := range []string{"rouge1", "rouge2", "rougeL"} {
		if v, ok := agg.ROUGEScore[key]; ok {
			rows = append(rows, SummaryRow{"ROUGE " + key[len("rouge"):], formatScore(v)})
		}
	}
	add("Exact Match Rate", agg.ExactMatchRate)
	add("Retrieval Precision", agg.RetrievalPrecision)
	add("Retrieval Recall", agg.RetrievalRecall)
	add("MRR", agg.MRR)
	add("NDCG", agg.NDCG)
	add("Answer Relevance", agg.AnswerRelevance)
	add("Faithfulness", agg.Faithfulness)
	return rows
}

func writePDF(w io.Writer, analysis *storage.Analysis, opts Options) error {
	result := analysis.Result

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(analysis.CreatedAt)
	pdf.SetModificationDate(analysis.CreatedAt)
	pdf.SetTitle(analysis.Name, true)
	pdf.SetCreator("ragmetrics", true)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-pdfMargin)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr("RAG Metrics Report: "+analysis.Name), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	info := []string{
		"Dataset: " + analysis.Dataset.FileName,
		"Rows evaluated: " + strconv.Itoa(analysis.Dataset.RowCount),
		"Calculated at: " + result.CalculatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		fmt.Sprintf("Calculation time: %.3fs", result.CalculationTime),
	}
	for _, line := range info {
		pdf.CellFormat(0, 6, tr(line), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Aggregate Metrics", "", 1, "L", false, 0, "")
	pdf.SetFillColor(230, 236, 245)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(90, pdfLineHeight, "Metric", "1", 0, "L", true, 0, "")
	pdf.CellFormat(40, pdfLineHeight, "Value", "1", 1, "R", true, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, row := range Summary(result) {
		pdf.CellFormat(90, pdfLineHeight, row.Label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, pdfLineHeight, row.Value, "1", 1, "R", false, 0, "")
	}

	if opts.IncludeBreakdown && len(result.PerQuery) > 0 {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, "Per-Query Breakdown", "", 1, "L", false, 0, "")

		widths := []float64{12, 98, 20, 20, 30}
		headers := []string{"Row", "Query", "F1", "Semantic", "Issues"}
		pdf.SetFont("Helvetica", "B", 9)
		for i, h := range headers {
			pdf.CellFormat(widths[i], pdfLineHeight, h, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Helvetica", "", 9)
		for _, q := range result.PerQuery {
			cells := []string{
				strconv.Itoa(q.RowIndex),
				tr(truncate(q.Query, pdfQueryChars)),
				formatScore(q.F1Score),
				formatScore(q.SemanticSimilarity),
				strconv.Itoa(len(q.Issues)),
			}
			for i, c := range cells {
				align := "R"
				if i == 1 {
					align = "L"
				}
				pdf.CellFormat(widths[i], pdfLineHeight, c, "1", 0, align, false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render pdf report: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
