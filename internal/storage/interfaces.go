// Package storage persists saved analyses.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/ragmetrics/internal/metrics"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DatasetInfo describes the upload an analysis was calculated from.
type DatasetInfo struct {
	FileName   string    `json:"fileName"`
	RowCount   int       `json:"rowCount"`
	UploadedAt time.Time `json:"uploadedAt"`
	FileSize   int64     `json:"fileSize"`
}

// Analysis is a named, saved metrics result.
type Analysis struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	Dataset   DatasetInfo     `json:"dataset"`
	Result    *metrics.Result `json:"result"`
}

// NewAnalysis builds an analysis with a fresh ID. A blank name falls back
// to the dataset file name.
func NewAnalysis(name string, info DatasetInfo, result *metrics.Result) *Analysis {
	name = strings.TrimSpace(name)
	if name == "" {
		name = info.FileName
	}
	return &Analysis{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Dataset:   info,
		Result:    result,
	}
}

func (a *Analysis) validate() error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("analysis is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("analysis name is required")
	}
	if a.Result == nil {
		return fmt.Errorf("analysis result is required")
	}
	return nil
}

// AnalysisStore persists saved analyses. List returns newest first along
// with the total count; a limit <= 0 returns everything after offset.
type AnalysisStore interface {
	Create(ctx context.Context, analysis *Analysis) error
	Get(ctx context.Context, id string) (*Analysis, error)
	List(ctx context.Context, limit, offset int) ([]*Analysis, int, error)
	Delete(ctx context.Context, id string) error
	// PruneBefore deletes analyses created before t and returns how many were removed.
	PruneBefore(ctx context.Context, t time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
