package metrics

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Embedder turns texts into vectors. The returned slice is parallel to texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Judge scores answer quality. Scores are in [0, 1].
type Judge interface {
	Relevance(ctx context.Context, query, answer string) (float64, error)
	Faithfulness(ctx context.Context, answer string, contexts []string) (float64, error)
}

// Completer sends a single system + user prompt and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

var scorePattern = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+`)

const (
	relevanceSystem = "You are a strict evaluator. Return only a single number between 0 and 1. " +
		"0 means the answer is unrelated to the question. 1 means it fully answers the question."
	faithfulnessSystem = "You are a strict evaluator. Return only a single number between 0 and 1. " +
		"0 means the answer is not supported by the context. 1 means all claims are fully supported."
)

// LLMJudge scores answers by prompting a language model.
type LLMJudge struct {
	completer Completer
}

// NewLLMJudge creates a judge backed by completer.
func NewLLMJudge(completer Completer) *LLMJudge {
	return &LLMJudge{completer: completer}
}

// Relevance scores how well answer addresses query. An empty answer scores 0
// without calling the model.
func (j *LLMJudge) Relevance(ctx context.Context, query, answer string) (float64, error) {
	if strings.TrimSpace(answer) == "" {
		return 0, nil
	}
	prompt := fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s\n\nScore (0-1):", query, answer)
	return j.score(ctx, relevanceSystem, prompt)
}

// Faithfulness scores how well answer is supported by contexts.
func (j *LLMJudge) Faithfulness(ctx context.Context, answer string, contexts []string) (float64, error) {
	if strings.TrimSpace(answer) == "" {
		return 0, nil
	}
	prompt := fmt.Sprintf("Context:\n%s\n\nAnswer:\n%s\n\nScore (0-1):", buildContext(contexts), answer)
	return j.score(ctx, faithfulnessSystem, prompt)
}

func (j *LLMJudge) score(ctx context.Context, system, prompt string) (float64, error) {
	if j == nil || j.completer == nil {
		return 0, ErrJudgeNotConfigured
	}
	text, err := j.completer.Complete(ctx, system, prompt)
	if err != nil {
		return 0, err
	}
	return parseScore(text)
}

func buildContext(contexts []string) string {
	if len(contexts) == 0 {
		return "(no context provided)"
	}
	var sb strings.Builder
	for i, c := range contexts {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, strings.TrimSpace(c))
	}
	return strings.TrimSpace(sb.String())
}

// parseScore extracts the first number in a judge reply. A number followed
// by % is scaled to [0, 1]; anything else outside that range is rejected.
func parseScore(text string) (float64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, errors.New("empty judge response")
	}
	loc := scorePattern.FindStringIndex(trimmed)
	if loc == nil {
		return 0, fmt.Errorf("no numeric score in response: %q", trimmed)
	}
	match := trimmed[loc[0]:loc[1]]
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q: %w", match, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("score out of range: %v", val)
	}
	if strings.HasPrefix(strings.TrimLeft(trimmed[loc[1]:], " "), "%") {
		if val > 100 {
			return 0, fmt.Errorf("score out of range: %v%%", val)
		}
		val /= 100
	}
	if val > 1 {
		return 0, fmt.Errorf("score out of range: %v", val)
	}
	return val, nil
}
