package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dunamismax/pixelconvert/internal/domain"
)

var recordKeyPrefix = []byte("record/")

// BadgerRecordStore keeps records as JSON values in an embedded badger
// database, for single-node deployments that should survive restarts
// without a Postgres server.
type BadgerRecordStore struct {
	db *badger.DB
}

func NewBadgerRecordStore(dir string) (*BadgerRecordStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerRecordStore{db: db}, nil
}

func (s *BadgerRecordStore) Close() error {
	return s.db.Close()
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordKeyPrefix...), id...)
}

func (s *BadgerRecordStore) Create(_ context.Context, rec domain.FileRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(rec.ID)); err == nil {
			return fmt.Errorf("record %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putRecord(txn, rec)
	})
}

func (s *BadgerRecordStore) Get(_ context.Context, id string) (domain.FileRecord, bool, error) {
	var (
		rec   domain.FileRecord
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return domain.FileRecord{}, false, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, found, nil
}

func (s *BadgerRecordStore) Update(_ context.Context, rec domain.FileRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(rec.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
		} else if err != nil {
			return err
		}
		return putRecord(txn, rec)
	})
}

func (s *BadgerRecordStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		} else if err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

func (s *BadgerRecordStore) List(_ context.Context) ([]domain.FileRecord, error) {
	var out []domain.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recordKeyPrefix); it.ValidForPrefix(recordKeyPrefix); it.Next() {
			var rec domain.FileRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	sortRecords(out)
	return out, nil
}

func putRecord(txn *badger.Txn, rec domain.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return txn.Set(recordKey(rec.ID), data)
}
