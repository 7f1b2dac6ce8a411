package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// StateRepository хранит записи сетей и триггеров в engine_state
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository создает новый репозиторий состояния
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Get получает запись сущности
func (r *StateRepository) Get(ctx context.Context, userID, kind, id string) (*domain.StateRecord, error) {
	query := `
		SELECT user_id, kind, entity_id, version, status, write_ahead, committed_at, data, updated_at
		FROM engine_state
		WHERE user_id = $1 AND kind = $2 AND entity_id = $3
	`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, userID, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// Put атомарно заменяет запись; более старая версия не перезапишет новую
func (r *StateRepository) Put(ctx context.Context, rec *domain.StateRecord) error {
	var committedAt *time.Time
	if !rec.CommittedAt.IsZero() {
		committedAt = &rec.CommittedAt
	}

	query := `
		INSERT INTO engine_state (user_id, kind, entity_id, version, status, write_ahead, committed_at, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, kind, entity_id) DO UPDATE SET
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			write_ahead = EXCLUDED.write_ahead,
			committed_at = EXCLUDED.committed_at,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		WHERE engine_state.version < EXCLUDED.version
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.UserID,
		rec.Kind,
		rec.EntityID,
		rec.Version,
		rec.Status,
		rec.WriteAhead,
		committedAt,
		string(rec.Data),
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: stale version %d for %s/%s/%s", domain.ErrConflict, rec.Version, rec.UserID, rec.Kind, rec.EntityID)
	}
	return nil
}

// Delete удаляет запись
func (r *StateRepository) Delete(ctx context.Context, userID, kind, id string) error {
	query := `DELETE FROM engine_state WHERE user_id = $1 AND kind = $2 AND entity_id = $3`
	_, err := r.db.ExecContext(ctx, query, userID, kind, id)
	return err
}

// List получает записи одного вида; пустой userID означает всех пользователей
func (r *StateRepository) List(ctx context.Context, userID, kind string) ([]*domain.StateRecord, error) {
	query := `
		SELECT user_id, kind, entity_id, version, status, write_ahead, committed_at, data, updated_at
		FROM engine_state
		WHERE kind = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY user_id, entity_id
	`
	rows, err := r.db.QueryContext(ctx, query, kind, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*domain.StateRecord, error) {
	var rec domain.StateRecord
	var committedAt sql.NullTime
	if err := row.Scan(
		&rec.UserID,
		&rec.Kind,
		&rec.EntityID,
		&rec.Version,
		&rec.Status,
		&rec.WriteAhead,
		&committedAt,
		&rec.Data,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if committedAt.Valid {
		rec.CommittedAt = committedAt.Time
	}
	return &rec, nil
}
