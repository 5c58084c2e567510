// Package metrics scores RAG evaluation rows: lexical overlap, semantic
// similarity, retrieval quality and optional LLM-judged quality.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownMetric is returned for metric type names that are not supported.
	ErrUnknownMetric = errors.New("unknown metric type")

	// ErrJudgeNotConfigured is returned when judge metrics are requested
	// from a calculator without a Judge.
	ErrJudgeNotConfigured = errors.New("llm judge is not configured")
)

// MetricType names a family of metrics.
type MetricType string

const (
	MetricPrecision          MetricType = "precision"
	MetricRecall             MetricType = "recall"
	MetricF1                 MetricType = "f1"
	MetricSemanticSimilarity MetricType = "semantic_similarity"
	MetricBLEU               MetricType = "bleu"
	MetricROUGE              MetricType = "rouge"
	MetricExactMatch         MetricType = "exact_match"
	MetricRetrieval          MetricType = "retrieval"
	MetricAnswerRelevance    MetricType = "answer_relevance"
	MetricFaithfulness       MetricType = "faithfulness"
)

// AllMetricTypes lists every supported type in display order.
var AllMetricTypes = []MetricType{
	MetricPrecision,
	MetricRecall,
	MetricF1,
	MetricSemanticSimilarity,
	MetricBLEU,
	MetricROUGE,
	MetricExactMatch,
	MetricRetrieval,
	MetricAnswerRelevance,
	MetricFaithfulness,
}

// baseMetricTypes are computed on every calculation.
var baseMetricTypes = []MetricType{MetricPrecision, MetricRecall, MetricF1, MetricSemanticSimilarity}

// Valid reports whether t is a supported metric type.
func (t MetricType) Valid() bool {
	for _, known := range AllMetricTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTypes converts names to metric types. Names are trimmed and
// lower-cased; empty entries are skipped.
func ParseTypes(names []string) ([]MetricType, error) {
	types := make([]MetricType, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		t := MetricType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
		}
		types = append(types, t)
	}
	return types, nil
}

// normalizeTypes adds the base types and orders the set like AllMetricTypes.
func normalizeTypes(types []MetricType) ([]MetricType, error) {
	set := map[MetricType]bool{}
	for _, t := range baseMetricTypes {
		set[t] = true
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, t)
		}
		set[t] = true
	}
	out := make([]MetricType, 0, len(set))
	for _, t := range AllMetricTypes {
		if set[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// AggregateMetrics holds dataset-level means. Optional fields are nil
// when the metric was not requested or not applicable.
type AggregateMetrics struct {
	Precision          float64            `json:"precision"`
	Recall             float64            `json:"recall"`
	F1Score            float64            `json:"f1Score"`
	SemanticSimilarity float64            `json:"semanticSimilarity"`
	BLEUScore          *float64           `json:"bleuScore,omitempty"`
	ROUGEScore         map[string]float64 `json:"rougeScore,omitempty"`
	ExactMatchRate     *float64           `json:"exactMatchRate,omitempty"`
	RetrievalPrecision *float64           `json:"retrievalPrecision,omitempty"`
	RetrievalRecall    *float64           `json:"retrievalRecall,omitempty"`
	MRR                *float64           `json:"mrr,omitempty"`
	NDCG               *float64           `json:"ndcg,omitempty"`
	AnswerRelevance    *float64           `json:"answerRelevance,omitempty"`
	Faithfulness       *float64           `json:"faithfulness,omitempty"`
}

// QueryMetrics holds the scores of a single row.
type QueryMetrics struct {
	RowIndex           int                `json:"rowIndex"`
	Query              string             `json:"query"`
	Precision          float64            `json:"precision"`
	Recall             float64            `json:"recall"`
	F1Score            float64            `json:"f1Score"`
	SemanticSimilarity float64            `json:"semanticSimilarity"`
	BLEU               *float64           `json:"bleuScore,omitempty"`
	ROUGE              map[string]float64 `json:"rougeScore,omitempty"`
	ExactMatch         *bool              `json:"exactMatch,omitempty"`
	RetrievalPrecision *float64           `json:"retrievalPrecision,omitempty"`
	RetrievalRecall    *float64           `json:"retrievalRecall,omitempty"`
	MRR                *float64           `json:"mrr,omitempty"`
	NDCG               *float64           `json:"ndcg,omitempty"`
	AnswerRelevance    *float64           `json:"answerRelevance,omitempty"`
	Faithfulness       *float64           `json:"faithfulness,omitempty"`
	ResponseLength     int                `json:"responseLength"`
	GroundTruthLength  int                `json:"groundTruthLength"`
	Issues             []string           `json:"issues"`
}

// Result is the outcome of a calculation.
type Result struct {
	ID              string           `json:"id"`
	DatasetID       string           `json:"datasetId"`
	CalculatedAt    time.Time        `json:"calculationTimestamp"`
	Aggregate       AggregateMetrics `json:"aggregateMetrics"`
	PerQuery        []QueryMetrics   `json:"perQueryMetrics"`
	CalculationTime float64          `json:"calculationTime"`
	MetricTypes     []MetricType     `json:"metricTypes"`
}

// Has reports whether the result was calculated with metric type t.
func (r *Result) Has(t MetricType) bool {
	if r == nil {
		return false
	}
	for _, mt := range r.MetricTypes {
		if mt == t {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T {
	return &v
}
