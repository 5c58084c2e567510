package metrics

import (
	"math"
	"strings"
)

// PrecisionRecall scores retrieved context IDs against the relevant set.
// IDs are compared after trimming and case folding.
func PrecisionRecall(retrieved, relevant []string) (precision, recall float64) {
	if len(retrieved) == 0 {
		return 0, 0
	}
	set := relevantSet(relevant)
	hits := 0
	for _, id := range retrieved {
		if set.contains(id) {
			hits++
		}
	}
	precision = float64(hits) / float64(len(retrieved))
	if len(set) == 0 {
		return precision, 0
	}
	return precision, math.Min(1, float64(hits)/float64(len(set)))
}

// MRR returns the reciprocal rank of the first relevant retrieved context.
func MRR(retrieved, relevant []string) float64 {
	set := relevantSet(relevant)
	for idx, id := range retrieved {
		if set.contains(id) {
			return 1.0 / float64(idx+1)
		}
	}
	return 0
}

// NDCG computes normalized discounted cumulative gain with binary relevance.
func NDCG(retrieved, relevant []string) float64 {
	if len(retrieved) == 0 {
		return 0
	}
	set := relevantSet(relevant)
	if len(set) == 0 {
		return 0
	}
	dcg := 0.0
	for idx, id := range retrieved {
		if set.contains(id) {
			dcg += 1.0 / math.Log2(float64(idx+2))
		}
	}
	idcg := idealDCG(len(set), len(retrieved))
	if idcg == 0 {
		return 0
	}
	return clamp01(dcg / idcg)
}

func idealDCG(relevantCount, retrievedCount int) float64 {
	n := min(relevantCount, retrievedCount)
	idcg := 0.0
	for i := 0; i < n; i++ {
		idcg += 1.0 / math.Log2(float64(i+2))
	}
	return idcg
}

type contextSet map[string]struct{}

func relevantSet(ids []string) contextSet {
	set := make(contextSet, len(ids))
	for _, id := range ids {
		if key := contextKey(id); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func (s contextSet) contains(id string) bool {
	_, ok := s[contextKey(id)]
	return ok
}

func contextKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
