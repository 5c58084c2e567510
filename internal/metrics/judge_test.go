package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "plain", input: "0.85", want: 0.85},
		{name: "with_label", input: "Score: 0.4", want: 0.4},
		{name: "percent", input: "85%", want: 0.85},
		{name: "small_percent", input: "0.5%", want: 0.005},
		{name: "spaced_percent", input: "Score: 40 %", want: 0.4},
		{name: "percent_over_100", input: "150%", wantErr: true},
		{name: "percent_elsewhere", input: "7 out of 10, 100% sure", wantErr: true},
		{name: "one", input: "1", want: 1},
		{name: "out_of_range", input: "1.5", wantErr: true},
		{name: "negative", input: "-0.2", wantErr: true},
		{name: "missing", input: "no score", wantErr: true},
		{name: "empty", input: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %.3f", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %.3f want %.3f", got, tt.want)
			}
		})
	}
}

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.prompts = append(f.prompts, system+"\n"+prompt)
	return f.reply, f.err
}

func TestLLMJudge(t *testing.T) {
	completer := &fakeCompleter{reply: "Score: 0.75"}
	judge := NewLLMJudge(completer)

	score, err := judge.Relevance(context.Background(), "What is Go?", "A language")
	if err != nil || score != 0.75 {
		t.Fatalf("Relevance() = %v, %v", score, err)
	}
	if !strings.Contains(completer.prompts[0], "What is Go?") {
		t.Errorf("prompt missing question: %q", completer.prompts[0])
	}

	score, err = judge.Faithfulness(context.Background(), "A language", []string{"Go is a language", "by Google"})
	if err != nil || score != 0.75 {
		t.Fatalf("Faithfulness() = %v, %v", score, err)
	}
	if !strings.Contains(completer.prompts[1], "[2] by Google") {
		t.Errorf("prompt missing numbered context: %q", completer.prompts[1])
	}
}

func TestLLMJudgeEmptyAnswerSkipsModel(t *testing.T) {
	completer := &fakeCompleter{reply: "1"}
	score, err := NewLLMJudge(completer).Relevance(context.Background(), "q", "  ")
	if err != nil || score != 0 {
		t.Fatalf("Relevance() = %v, %v", score, err)
	}
	if len(completer.prompts) != 0 {
		t.Error("model should not be called for an empty answer")
	}
}

func TestLLMJudgeErrors(t *testing.T) {
	boom := errors.New("upstream down")
	if _, err := NewLLMJudge(&fakeCompleter{err: boom}).Relevance(context.Background(), "q", "a"); !errors.Is(err, boom) {
		t.Errorf("expected upstream error, got %v", err)
	}
	if _, err := NewLLMJudge(nil).Relevance(context.Background(), "q", "a"); !errors.Is(err, ErrJudgeNotConfigured) {
		t.Errorf("expected ErrJudgeNotConfigured, got %v", err)
	}
}
