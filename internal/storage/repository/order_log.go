package repository

import (
	"context"
	"database/sql"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// OrderLogRepository реализует журнал ордеров
type OrderLogRepository struct {
	db *sql.DB
}

// NewOrderLogRepository создает новый репозиторий журнала ордеров
func NewOrderLogRepository(db *sql.DB) *OrderLogRepository {
	return &OrderLogRepository{db: db}
}

// Save сохраняет запись журнала
func (r *OrderLogRepository) Save(ctx context.Context, log *domain.OrderLog) error {
	query := `
		INSERT INTO order_logs (id, user_id, entity_kind, entity_id, client_order_id, symbol, side, quantity, price, result, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.EntityKind,
		log.EntityID,
		log.ClientOrderID,
		log.Symbol,
		log.Side,
		log.Quantity,
		log.Price,
		log.Result,
		log.Message,
		log.CreatedAt,
	)
	return err
}

// GetRecent получает последние записи пользователя, новые первыми
func (r *OrderLogRepository) GetRecent(ctx context.Context, userID string, limit int) ([]domain.OrderLog, error) {
	query := `
		SELECT id, user_id, entity_kind, entity_id, client_order_id, symbol, side, quantity, price, result, message, created_at
		FROM order_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.OrderLog
	for rows.Next() {
		var l domain.OrderLog
		if err := rows.Scan(
			&l.ID,
			&l.UserID,
			&l.EntityKind,
			&l.EntityID,
			&l.ClientOrderID,
			&l.Symbol,
			&l.Side,
			&l.Quantity,
			&l.Price,
			&l.Result,
			&l.Message,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
