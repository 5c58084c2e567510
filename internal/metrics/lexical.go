package metrics

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokenize normalises s with NFKC, case-folds it and splits on every rune
// that is not a letter or digit.
func Tokenize(s string) []string {
	// A Caser is stateful, so each call gets its own.
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenPrecisionRecallF1 scores multiset token overlap between a response
// and its ground truth. Both empty scores 1; exactly one empty scores 0.
func TokenPrecisionRecallF1(response, truth string) (precision, recall, f1 float64) {
	return overlapScores(Tokenize(response), Tokenize(truth))
}

func overlapScores(candidate, reference []string) (precision, recall, f1 float64) {
	if len(candidate) == 0 && len(reference) == 0 {
		return 1, 1, 1
	}
	if len(candidate) == 0 || len(reference) == 0 {
		return 0, 0, 0
	}
	overlap := multisetOverlap(candidate, reference)
	precision = float64(overlap) / float64(len(candidate))
	recall = float64(overlap) / float64(len(reference))
	return precision, recall, harmonic(precision, recall)
}

func multisetOverlap(candidate, reference []string) int {
	counts := make(map[string]int, len(reference))
	for _, tok := range reference {
		counts[tok]++
	}
	overlap := 0
	for _, tok := range candidate {
		if counts[tok] > 0 {
			counts[tok]--
			overlap++
		}
	}
	return overlap
}

func harmonic(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// ExactMatch reports whether both strings normalise to the same token sequence.
func ExactMatch(response, truth string) bool {
	return equalTokens(Tokenize(response), Tokenize(truth))
}

const bleuMaxOrder = 4

// BLEU returns sentence-level BLEU-4 with uniform weights and a brevity
// penalty. Orders above one use add-one smoothing, and the effective order
// is capped at the candidate length. An empty candidate scores 0.
func BLEU(candidate, reference string) float64 {
	return bleuTokens(Tokenize(candidate), Tokenize(reference))
}

func bleuTokens(cand, ref []string) float64 {
	if len(cand) == 0 {
		return 0
	}
	order := bleuMaxOrder
	if len(cand) < order {
		order = len(cand)
	}

	logSum := 0.0
	for n := 1; n <= order; n++ {
		candGrams := ngramCounts(cand, n)
		refGrams := ngramCounts(ref, n)
		matches := 0
		for gram, count := range candGrams {
			if refCount := refGrams[gram]; refCount < count {
				matches += refCount
			} else {
				matches += count
			}
		}
		total := len(cand) - n + 1

		var p float64
		if n == 1 {
			if matches == 0 {
				return 0
			}
			p = float64(matches) / float64(total)
		} else {
			p = float64(matches+1) / float64(total+1)
		}
		logSum += math.Log(p)
	}

	bp := 1.0
	if len(cand) < len(ref) {
		bp = math.Exp(1 - float64(len(ref))/float64(len(cand)))
	}
	return clamp01(bp * math.Exp(logSum/float64(order)))
}

func ngramCounts(tokens []string, n int) map[string]int {
	counts := map[string]int{}
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return counts
}

// ROUGE returns the F-measures rouge1, rouge2 and rougeL (longest common
// subsequence) of candidate against reference.
func ROUGE(candidate, reference string) map[string]float64 {
	return rougeScores(Tokenize(candidate), Tokenize(reference))
}

func rougeScores(cand, ref []string) map[string]float64 {
	_, _, r1 := overlapScores(cand, ref)
	return map[string]float64{
		"rouge1": r1,
		"rouge2": rougeN(cand, ref, 2),
		"rougeL": rougeL(cand, ref),
	}
}

func rougeN(cand, ref []string, n int) float64 {
	candGrams, refGrams := ngramCounts(cand, n), ngramCounts(ref, n)
	candTotal, refTotal := len(cand)-n+1, len(ref)-n+1
	if candTotal <= 0 && refTotal <= 0 {
		// Too short for n-grams: fall back to sequence equality.
		if equalTokens(cand, ref) {
			return 1
		}
		return 0
	}
	if candTotal <= 0 || refTotal <= 0 {
		return 0
	}
	overlap := 0
	for gram, count := range candGrams {
		if refCount := refGrams[gram]; refCount < count {
			overlap += refCount
		} else {
			overlap += count
		}
	}
	return harmonic(float64(overlap)/float64(candTotal), float64(overlap)/float64(refTotal))
}

func rougeL(cand, ref []string) float64 {
	if len(cand) == 0 && len(ref) == 0 {
		return 1
	}
	if len(cand) == 0 || len(ref) == 0 {
		return 0
	}
	lcs := lcsLength(cand, ref)
	return harmonic(float64(lcs)/float64(len(cand)), float64(lcs)/float64(len(ref)))
}

func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CosineSimilarity compares the term-frequency vectors of a and b.
// Both empty scores 1; exactly one empty scores 0.
func CosineSimilarity(a, b string) float64 {
	return tfCosine(Tokenize(a), Tokenize(b))
}

func tfCosine(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	va, vb := map[string]float64{}, map[string]float64{}
	for _, tok := range a {
		va[tok]++
	}
	for _, tok := range b {
		vb[tok]++
	}
	var dot, na, nb float64
	for tok, x := range va {
		dot += x * vb[tok]
		na += x * x
	}
	for _, y := range vb {
		nb += y * y
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// VectorCosine returns the cosine of two embedding vectors clamped to [0, 1].
// Mismatched or zero-length vectors score 0.
func VectorCosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
