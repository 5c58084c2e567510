package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeProvider struct {
	batch int
	calls [][]string
	err   error
	short bool
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text))}
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeProvider) Name() string      { return "fake" }
func (f *fakeProvider) Dimension() int    { return 1 }
func (f *fakeProvider) MaxBatchSize() int { return f.batch }

func TestBatcherSplitsRequests(t *testing.T) {
	p := &fakeProvider{batch: 2}
	vectors, err := NewBatcher(p).Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(p.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(p.calls))
	}
	if len(p.calls[2]) != 1 || p.calls[2][0] != "eeeee" {
		t.Errorf("last batch = %v", p.calls[2])
	}
	for i, vec := range vectors {
		if int(vec[0]) != i+1 {
			t.Errorf("vector %d = %v, order not preserved", i, vec)
		}
	}
}

func TestBatcherUnboundedBatch(t *testing.T) {
	p := &fakeProvider{}
	if _, err := NewBatcher(p).Embed(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(p.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(p.calls))
	}
}

func TestBatcherErrors(t *testing.T) {
	boom := errors.New("quota")
	if _, err := NewBatcher(&fakeProvider{batch: 4, err: boom}).Embed(context.Background(), []string{"a"}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}

	_, err := NewBatcher(&fakeProvider{batch: 4, short: true}).Embed(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "returned 1 embeddings for 2 texts") {
		t.Errorf("error = %v", err)
	}

	vectors, err := NewBatcher(&fakeProvider{}).Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("empty input = %v, %v", vectors, err)
	}
}
