package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
)

func TestMemoryRecordStore(t *testing.T) {
	exerciseRecordStore(t, NewMemoryRecordStore())
}

func TestBadgerRecordStore(t *testing.T) {
	s, err := NewBadgerRecordStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	defer s.Close()

	exerciseRecordStore(t, s)
}

func TestBadgerRecordStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	s, err := NewBadgerRecordStore(dir)
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	rec := testRecord("persisted", time.Now().UTC())
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewBadgerRecordStore(dir)
	if err != nil {
		t.Fatalf("reopen badger store: %v", err)
	}
	defer s.Close()

	got, ok, err := s.Get(context.Background(), "persisted")
	if err != nil || !ok {
		t.Fatalf("expected record after reopen, ok=%v err=%v", ok, err)
	}
	if got.OriginalName != rec.OriginalName {
		t.Fatalf("expected %q, got %q", rec.OriginalName, got.OriginalName)
	}
}

func TestPostgresRecordStore(t *testing.T) {
	dsn := os.Getenv("PIXELCONVERT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIXELCONVERT_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := NewPostgresRecordStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer s.Close()
	if _, err := s.db.ExecContext(ctx, `TRUNCATE file_records`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	exerciseRecordStore(t, s)
}

func testRecord(id string, created time.Time) domain.FileRecord {
	return domain.FileRecord{
		ID:           id,
		OriginalName: id + ".png",
		OriginalSize: 1234,
		SourceKey:    "sources/" + id,
		TargetFormat: domain.FormatPNG,
		Status:       domain.StatusWaiting,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func exerciseRecordStore(t *testing.T, s RecordStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Create(ctx, testRecord("b", base)); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := s.Create(ctx, testRecord("a", base)); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.Create(ctx, testRecord("c", base.Add(-time.Minute))); err != nil {
		t.Fatalf("create c: %v", err)
	}
	if err := s.Create(ctx, testRecord("a", base)); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}

	listed, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 || listed[0].ID != "c" || listed[1].ID != "a" || listed[2].ID != "b" {
		t.Fatalf("unexpected list order: %+v", ids(listed))
	}

	rec, ok, err := s.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get a: ok=%v err=%v", ok, err)
	}
	rec.Status = domain.StatusDone
	rec.TargetFormat = domain.FormatWEBP
	rec.ConvertedKey = "converted/a"
	rec.ConvertedSize = 99
	rec.ConvertedExtension = "webp"
	rec.ConvertedFormat = domain.FormatWEBP
	rec.ConvertedContentType = "image/webp"
	rec.UpdatedAt = base.Add(time.Hour)
	if err := s.Update(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if got.Status != domain.StatusDone || got.ConvertedFormat != domain.FormatWEBP || got.ConvertedSize != 99 {
		t.Fatalf("update not persisted: %+v", got)
	}
	if !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected updated_at %v, got %v", base.Add(time.Hour), got.UpdatedAt)
	}

	if err := s.Update(ctx, testRecord("ghost", base)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "b"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	listed, err = s.List(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 records, got %v", ids(listed))
	}
}

func ids(records []domain.FileRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
