package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dunamismax/pixelconvert/internal/domain"
	_ "github.com/lib/pq"
)

const recordSchemaSQL = `
CREATE TABLE IF NOT EXISTS file_records (
	id TEXT PRIMARY KEY,
	original_name TEXT NOT NULL,
	original_size BIGINT NOT NULL,
	source_key TEXT NOT NULL,
	target_format TEXT NOT NULL,
	status TEXT NOT NULL,
	converted_key TEXT NOT NULL DEFAULT '',
	converted_size BIGINT NOT NULL DEFAULT 0,
	converted_extension TEXT NOT NULL DEFAULT '',
	converted_format TEXT NOT NULL DEFAULT '',
	converted_content_type TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const recordColumns = `id, original_name, original_size, source_key, target_format, status,
	converted_key, converted_size, converted_extension, converted_format, converted_content_type,
	error, created_at, updated_at`

type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(ctx context.Context, dsn string) (*PostgresRecordStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresRecordStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresRecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordSchemaSQL); err != nil {
		return fmt.Errorf("ensure file_records schema: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRecordStore) Create(ctx context.Context, rec domain.FileRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID,
		rec.OriginalName,
		rec.OriginalSize,
		rec.SourceKey,
		string(rec.TargetFormat),
		string(rec.Status),
		rec.ConvertedKey,
		rec.ConvertedSize,
		rec.ConvertedExtension,
		string(rec.ConvertedFormat),
		rec.ConvertedContentType,
		rec.Error,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM file_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, fmt.Errorf("query file record: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresRecordStore) Update(ctx context.Context, rec domain.FileRecord) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE file_records
		 SET target_format = $2, status = $3, converted_key = $4, converted_size = $5,
		     converted_extension = $6, converted_format = $7, converted_content_type = $8,
		     error = $9, updated_at = $10
		 WHERE id = $1`,
		rec.ID,
		string(rec.TargetFormat),
		string(rec.Status),
		rec.ConvertedKey,
		rec.ConvertedSize,
		rec.ConvertedExtension,
		string(rec.ConvertedFormat),
		rec.ConvertedContentType,
		rec.Error,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update file record: %w", err)
	}
	return requireAffected(res, rec.ID)
}

func (s *PostgresRecordStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return requireAffected(res, id)
}

func (s *PostgresRecordStore) List(ctx context.Context) ([]domain.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM file_records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []domain.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.FileRecord, error) {
	var (
		rec                                    domain.FileRecord
		targetFormat, status, convertedFormat string
	)
	err := row.Scan(
		&rec.ID,
		&rec.OriginalName,
		&rec.OriginalSize,
		&rec.SourceKey,
		&targetFormat,
		&status,
		&rec.ConvertedKey,
		&rec.ConvertedSize,
		&rec.ConvertedExtension,
		&convertedFormat,
		&rec.ConvertedContentType,
		&rec.Error,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.FileRecord{}, err
	}
	rec.TargetFormat = domain.Format(targetFormat)
	rec.Status = domain.Status(status)
	rec.ConvertedFormat = domain.Format(convertedFormat)
	return rec, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}
