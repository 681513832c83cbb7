package store

import (
	"context"
	"sort"

	"github.com/dunamismax/pixelconvert/internal/domain"
)

// RecordStore persists FileRecords. Update and Delete report
// domain.ErrNotFound for unknown ids; Get reports absence through its bool.
type RecordStore interface {
	Create(ctx context.Context, rec domain.FileRecord) error
	Get(ctx context.Context, id string) (domain.FileRecord, bool, error)
	Update(ctx context.Context, rec domain.FileRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.FileRecord, error)
}

func sortRecords(records []domain.FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
