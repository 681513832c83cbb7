package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/dunamismax/pixelconvert/internal/domain"
)

type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]domain.FileRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]domain.FileRecord),
	}
}

func (s *MemoryRecordStore) Create(_ context.Context, rec domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id string) (domain.FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *MemoryRecordStore) Update(_ context.Context, rec domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryRecordStore) List(_ context.Context) ([]domain.FileRecord, error) {
	s.mu.RLock()
	out := make([]domain.FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}
