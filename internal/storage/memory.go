package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAnalysisStore provides an in-memory AnalysisStore.
type MemoryAnalysisStore struct {
	mu       sync.RWMutex
	analyses map[string]*Analysis
}

var _ AnalysisStore = (*MemoryAnalysisStore)(nil)

// NewMemoryAnalysisStore creates an in-memory analysis store.
func NewMemoryAnalysisStore() *MemoryAnalysisStore {
	return &MemoryAnalysisStore{analyses: make(map[string]*Analysis)}
}

func (s *MemoryAnalysisStore) Create(ctx context.Context, analysis *Analysis) error {
	if err := analysis.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.analyses[analysis.ID]; exists {
		return ErrAlreadyExists
	}
	s.analyses[analysis.ID] = analysis
	return nil
}

func (s *MemoryAnalysisStore) Get(ctx context.Context, id string) (*Analysis, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	analysis, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return analysis, nil
}

func (s *MemoryAnalysisStore) List(ctx context.Context, limit, offset int) ([]*Analysis, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analyses := make([]*Analysis, 0, len(s.analyses))
	for _, analysis := range s.analyses {
		analyses = append(analyses, analysis)
	}
	sort.Slice(analyses, func(i, j int) bool {
		if analyses[i].CreatedAt.Equal(analyses[j].CreatedAt) {
			return analyses[i].ID < analyses[j].ID
		}
		return analyses[i].CreatedAt.After(analyses[j].CreatedAt)
	})
	return paginate(analyses, limit, offset), len(analyses), nil
}

func paginate(analyses []*Analysis, limit, offset int) []*Analysis {
	if offset < 0 {
		offset = 0
	}
	if offset > len(analyses) {
		offset = len(analyses)
	}
	end := len(analyses)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return analyses[offset:end]
}

func (s *MemoryAnalysisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.analyses[id]; !exists {
		return ErrNotFound
	}
	delete(s.analyses, id)
	return nil
}

func (s *MemoryAnalysisStore) PruneBefore(ctx context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, analysis := range s.analyses {
		if analysis.CreatedAt.Before(t) {
			delete(s.analyses, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryAnalysisStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryAnalysisStore) Close() error {
	return nil
}
