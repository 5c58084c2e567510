package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/ragmetrics/internal/dataset"
	"github.com/haasonsaas/ragmetrics/internal/observability"
)

// Options configures a Calculator. Zero values select defaults.
type Options struct {
	// Workers bounds concurrent row evaluation. Defaults to GOMAXPROCS.
	Workers int

	// LowF1Threshold flags rows with token F1 below it.
	LowF1Threshold float64

	// Embedder, when set, replaces term-frequency cosine with embedding cosine.
	Embedder Embedder

	// Judge is required for answer_relevance and faithfulness.
	Judge Judge

	Tracer *observability.Tracer
	Logger *slog.Logger
}

// Calculator evaluates datasets. It is safe for concurrent use.
type Calculator struct {
	workers  int
	lowF1    float64
	embedder Embedder
	judge    Judge
	tracer   *observability.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// NewCalculator creates a calculator from opts.
func NewCalculator(opts Options) *Calculator {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	lowF1 := opts.LowF1Threshold
	if lowF1 <= 0 {
		lowF1 = DefaultLowF1Threshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		workers:  workers,
		lowF1:    lowF1,
		embedder: opts.Embedder,
		judge:    opts.Judge,
		tracer:   opts.Tracer,
		logger:   logger.With("component", "metrics"),
		now:      time.Now,
	}
}

// HasJudge reports whether judge metrics can be calculated.
func (c *Calculator) HasJudge() bool {
	return c.judge != nil
}

// Calculate scores every row of ds. Precision, recall, F1 and semantic
// similarity are always included. Row order is preserved. A cancelled
// context aborts the calculation with the context error.
func (c *Calculator) Calculate(ctx context.Context, ds *dataset.Dataset, types []MetricType) (*Result, error) {
	if ds == nil {
		return nil, errors.New("dataset is nil")
	}
	resolved, err := normalizeTypes(types)
	if err != nil {
		return nil, err
	}
	if !ds.Mappings.HasRetrieval() {
		resolved = without(resolved, MetricRetrieval)
	}
	wantJudge := contains(resolved, MetricAnswerRelevance) || contains(resolved, MetricFaithfulness)
	if wantJudge && c.judge == nil {
		return nil, ErrJudgeNotConfigured
	}
	plan := evalPlan{
		bleu:         contains(resolved, MetricBLEU),
		rouge:        contains(resolved, MetricROUGE),
		exactMatch:   contains(resolved, MetricExactMatch),
		retrieval:    contains(resolved, MetricRetrieval),
		relevance:    contains(resolved, MetricAnswerRelevance),
		faithfulness: contains(resolved, MetricFaithfulness),
	}

	ctx, span := c.tracer.TraceCalculation(ctx, ds.ID, len(ds.Rows))
	defer span.End()

	start := time.Now()
	perQuery, err := c.evaluateRows(ctx, ds.Rows, plan)
	if err != nil {
		c.tracer.RecordError(span, err)
		return nil, err
	}

	result := &Result{
		ID:              uuid.NewString(),
		DatasetID:       ds.ID,
		CalculatedAt:    c.now().UTC(),
		Aggregate:       aggregate(perQuery, plan),
		PerQuery:        perQuery,
		CalculationTime: math.Max(time.Since(start).Seconds(), 1e-6),
		MetricTypes:     resolved,
	}
	c.logger.Debug("calculation finished",
		"dataset_id", ds.ID,
		"rows", len(perQuery),
		"duration", result.CalculationTime,
	)
	return result, nil
}

type evalPlan struct {
	bleu         bool
	rouge        bool
	exactMatch   bool
	retrieval    bool
	relevance    bool
	faithfulness bool
}

func (c *Calculator) evaluateRows(ctx context.Context, rows []dataset.DataRow, plan evalPlan) ([]QueryMetrics, error) {
	results := make([]QueryMetrics, len(rows))
	if len(rows) == 0 {
		return results, nil
	}

	workers := min(c.workers, len(rows))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = c.evaluateRow(ctx, rows[idx], plan)
			}
		}()
	}

dispatch:
	for idx := range rows {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Calculator) evaluateRow(ctx context.Context, row dataset.DataRow, plan evalPlan) QueryMetrics {
	respTokens, truthTokens := Tokenize(row.Response), Tokenize(row.GroundTruth)
	precision, recall, f1 := overlapScores(respTokens, truthTokens)

	qm := QueryMetrics{
		RowIndex:          row.RowIndex,
		Query:             row.Query,
		Precision:         precision,
		Recall:            recall,
		F1Score:           f1,
		ResponseLength:    utf8.RuneCountInString(row.Response),
		GroundTruthLength: utf8.RuneCountInString(row.GroundTruth),
	}
	qm.Issues = detectIssues(rowShape{
		responseTokens: len(respTokens),
		truthTokens:    len(truthTokens),
		overlap:        multisetOverlap(respTokens, truthTokens),
		f1:             f1,
		responseChars:  qm.ResponseLength,
		truthChars:     qm.GroundTruthLength,
	}, c.lowF1)

	qm.SemanticSimilarity = tfCosine(respTokens, truthTokens)
	if c.embedder != nil {
		sim, err := c.embeddingSimilarity(ctx, row.Response, row.GroundTruth)
		if err != nil {
			c.logger.Warn("embedding similarity failed, using term frequency",
				"row", row.RowIndex, "error", err)
			qm.Issues = append(qm.Issues, IssueEmbeddingFailed)
		} else {
			qm.SemanticSimilarity = sim
		}
	}

	if plan.bleu {
		qm.BLEU = ptr(bleuTokens(respTokens, truthTokens))
	}
	if plan.rouge {
		qm.ROUGE = rougeScores(respTokens, truthTokens)
	}
	if plan.exactMatch {
		qm.ExactMatch = ptr(equalTokens(respTokens, truthTokens))
	}
	if plan.retrieval {
		p, r := PrecisionRecall(row.Retrieved, row.Relevant)
		qm.RetrievalPrecision = ptr(p)
		qm.RetrievalRecall = ptr(r)
		qm.MRR = ptr(MRR(row.Retrieved, row.Relevant))
		qm.NDCG = ptr(NDCG(row.Retrieved, row.Relevant))
	}

	judgeFailed := false
	if plan.relevance {
		if score, err := c.judge.Relevance(ctx, row.Query, row.Response); err != nil {
			judgeFailed = true
			c.logger.Warn("relevance judge failed", "row", row.RowIndex, "error", err)
		} else {
			qm.AnswerRelevance = ptr(score)
		}
	}
	if plan.faithfulness {
		contexts := row.Retrieved
		if len(contexts) == 0 {
			contexts = []string{row.GroundTruth}
		}
		if score, err := c.judge.Faithfulness(ctx, row.Response, contexts); err != nil {
			judgeFailed = true
			c.logger.Warn("faithfulness judge failed", "row", row.RowIndex, "error", err)
		} else {
			qm.Faithfulness = ptr(score)
		}
	}
	if judgeFailed {
		qm.Issues = append(qm.Issues, IssueJudgeFailed)
	}
	return qm
}

func (c *Calculator) embeddingSimilarity(ctx context.Context, a, b string) (float64, error) {
	vectors, err := c.embedder.Embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vectors) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(vectors))
	}
	return VectorCosine(vectors[0], vectors[1]), nil
}

// aggregate averages per-query values. Judge means only cover rows the
// judge scored; they stay nil when no row was scored.
func aggregate(rows []QueryMetrics, plan evalPlan) AggregateMetrics {
	var agg AggregateMetrics
	n := float64(len(rows))
	if n == 0 {
		return agg
	}

	var bleu, exact, rp, rr, mrr, ndcg float64
	rouge := map[string]float64{}
	var relevance, faithfulness mean
	for _, q := range rows {
		agg.Precision += q.Precision
		agg.Recall += q.Recall
		agg.F1Score += q.F1Score
		agg.SemanticSimilarity += q.SemanticSimilarity
		if q.BLEU != nil {
			bleu += *q.BLEU
		}
		for k, v := range q.ROUGE {
			rouge[k] += v
		}
		if q.ExactMatch != nil && *q.ExactMatch {
			exact++
		}
		if q.RetrievalPrecision != nil {
			rp += *q.RetrievalPrecision
			rr += *q.RetrievalRecall
			mrr += *q.MRR
			ndcg += *q.NDCG
		}
		relevance.add(q.AnswerRelevance)
		faithfulness.add(q.Faithfulness)
	}

	agg.Precision /= n
	agg.Recall /= n
	agg.F1Score /= n
	agg.SemanticSimilarity /= n
	if plan.bleu {
		agg.BLEUScore = ptr(bleu / n)
	}
	if plan.rouge {
		agg.ROUGEScore = make(map[string]float64, len(rouge))
		for k, v := range rouge {
			agg.ROUGEScore[k] = v / n
		}
	}
	if plan.exactMatch {
		agg.ExactMatchRate = ptr(exact / n)
	}
	if plan.retrieval {
		agg.RetrievalPrecision = ptr(rp / n)
		agg.RetrievalRecall = ptr(rr / n)
		agg.MRR = ptr(mrr / n)
		agg.NDCG = ptr(ndcg / n)
	}
	if plan.relevance {
		agg.AnswerRelevance = relevance.value()
	}
	if plan.faithfulness {
		agg.Faithfulness = faithfulness.value()
	}
	return agg
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(v *float64) {
	if v != nil {
		m.sum += *v
		m.count++
	}
}

func (m *mean) value() *float64 {
	if m.count == 0 {
		return nil
	}
	return ptr(m.sum / float64(m.count))
}

func without(types []MetricType, t MetricType) []MetricType {
	out := types[:0]
	for _, mt := range types {
		if mt != t {
			out = append(out, mt)
		}
	}
	return out
}

func contains(types []MetricType, t MetricType) bool {
	for _, mt := range types {
		if mt == t {
			return true
		}
	}
	return false
}
