package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// PebbleStorage встроенное хранилище состояния на pebble
type PebbleStorage struct {
	db *pebble.DB
}

var _ Backend = (*PebbleStorage)(nil)

// NewPebbleStorage открывает базу по пути на диске
func NewPebbleStorage(path string) (*PebbleStorage, error) {
	return openPebble(path, &pebble.Options{})
}

// NewPebbleStorageFS открывает базу в заданной файловой системе (vfs.NewMem() в тестах)
func NewPebbleStorageFS(path string, fs vfs.FS) (*PebbleStorage, error) {
	return openPebble(path, &pebble.Options{FS: fs})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStorage, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Close() error { return s.db.Close() }

// keys: s/<user>/<kind>/<id>, l/<user>/<unix nano>/<id>
func kState(userID, kind, id string) []byte {
	return []byte("s/" + userID + "/" + kind + "/" + id)
}
func kLog(userID string, log *domain.OrderLog) []byte {
	return []byte(fmt.Sprintf("l/%s/%020d/%s", userID, log.CreatedAt.UnixNano(), log.ID))
}
func logPrefix(userID string) []byte { return []byte("l/" + userID + "/") }

func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStorage) Get(_ context.Context, userID, kind, id string) (*domain.StateRecord, error) {
	val, closer, err := s.db.Get(kState(userID, kind, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var rec domain.StateRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state record: %w", err)
	}
	return &rec, nil
}

// Put один Set с pebble.Sync: запись заменяется целиком или не заменяется вовсе
func (s *PebbleStorage) Put(_ context.Context, rec *domain.StateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}
	if err := s.db.Set(kState(rec.UserID, rec.Kind, rec.EntityID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save state record: %w", err)
	}
	return nil
}

func (s *PebbleStorage) Delete(_ context.Context, userID, kind, id string) error {
	if err := s.db.Delete(kState(userID, kind, id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete state record: %w", err)
	}
	return nil
}

func (s *PebbleStorage) List(_ context.Context, userID, kind string) ([]*domain.StateRecord, error) {
	prefix := []byte("s/")
	if userID != "" {
		prefix = []byte("s/" + userID + "/" + kind + "/")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []*domain.StateRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec domain.StateRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		if rec.Kind != kind {
			continue
		}
		records = append(records, &rec)
	}
	return records, iter.Error()
}

func (s *PebbleStorage) AppendLog(_ context.Context, log *domain.OrderLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal order log: %w", err)
	}
	return s.db.Set(kLog(log.UserID, log), data, pebble.Sync)
}

// ListLogs последние записи пользователя, новые первыми
func (s *PebbleStorage) ListLogs(_ context.Context, userID string, limit int) ([]domain.OrderLog, error) {
	prefix := logPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var logs []domain.OrderLog
	for iter.Last(); iter.Valid() && (limit <= 0 || len(logs) < limit); iter.Prev() {
		var l domain.OrderLog
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, iter.Error()
}
