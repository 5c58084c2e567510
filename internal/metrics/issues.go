package metrics

// Per-row issue labels.
const (
	IssueNoTokenOverlap          = "no_token_overlap"
	IssueLowF1                   = "low_f1"
	IssueResponseTooLong         = "response_too_long"
	IssueResponseTooShort        = "response_too_short"
	IssueEmptyAfterNormalization = "empty_after_normalization"
	IssueJudgeFailed             = "judge_failed"
	IssueEmbeddingFailed         = "embedding_failed"
)

// DefaultLowF1Threshold flags rows whose token F1 is below it.
const DefaultLowF1Threshold = 0.3

// lengthRatio bounds response length relative to the ground truth.
const lengthRatio = 3

type rowShape struct {
	responseTokens int
	truthTokens    int
	overlap        int
	f1             float64
	responseChars  int
	truthChars     int
}

func detectIssues(s rowShape, lowF1 float64) []string {
	issues := []string{}
	if s.responseTokens == 0 || s.truthTokens == 0 {
		issues = append(issues, IssueEmptyAfterNormalization)
	} else if s.overlap == 0 {
		issues = append(issues, IssueNoTokenOverlap)
	} else if s.f1 < lowF1 {
		issues = append(issues, IssueLowF1)
	}

	if s.truthChars > 0 {
		if s.responseChars > lengthRatio*s.truthChars {
			issues = append(issues, IssueResponseTooLong)
		} else if s.responseChars*lengthRatio < s.truthChars {
			issues = append(issues, IssueResponseTooShort)
		}
	}
	return issues
}
