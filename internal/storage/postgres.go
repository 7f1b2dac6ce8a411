package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/storage/repository"
)

// PostgresStorage является фасадом для работы с PostgreSQL через репозитории
type PostgresStorage struct {
	db    *sql.DB
	state *repository.StateRepository
	logs  *repository.OrderLogRepository
}

var _ Backend = (*PostgresStorage)(nil)

func NewPostgresStorage(host string, port int, user, password, dbname, sslmode string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)
	return OpenPostgres(dsn, maxOpenConns, maxIdleConns, connMaxLifetime)
}

// OpenPostgres подключается по готовому DSN
func OpenPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Настройка connection pool из конфигурации
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	storage := &PostgresStorage{
		db:    db,
		state: repository.NewStateRepository(db),
		logs:  repository.NewOrderLogRepository(db),
	}

	// Запускаем миграции
	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		// Состояние сеток и триггеров, одна строка на сущность
		`CREATE TABLE IF NOT EXISTS engine_state (
			user_id VARCHAR(64) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			write_ahead BOOLEAN NOT NULL DEFAULT false,
			committed_at TIMESTAMPTZ,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, kind, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_state_kind_status ON engine_state(kind, status)`,
		// Журнал ордеров
		`CREATE TABLE IF NOT EXISTS order_logs (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			entity_kind VARCHAR(16) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			client_order_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			result VARCHAR(20) NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_logs_user_created ON order_logs(user_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}

// ==================== STATE ====================

func (s *PostgresStorage) Get(ctx context.Context, userID, kind, id string) (*domain.StateRecord, error) {
	return s.state.Get(ctx, userID, kind, id)
}

func (s *PostgresStorage) Put(ctx context.Context, rec *domain.StateRecord) error {
	return s.state.Put(ctx, rec)
}

func (s *PostgresStorage) Delete(ctx context.Context, userID, kind, id string) error {
	return s.state.Delete(ctx, userID, kind, id)
}

func (s *PostgresStorage) List(ctx context.Context, userID, kind string) ([]*domain.StateRecord, error) {
	return s.state.List(ctx, userID, kind)
}

// ==================== ORDER LOGS ====================

func (s *PostgresStorage) AppendLog(ctx context.Context, log *domain.OrderLog) error {
	return s.logs.Save(ctx, log)
}

func (s *PostgresStorage) ListLogs(ctx context.Context, userID string, limit int) ([]domain.OrderLog, error) {
	return s.logs.GetRecent(ctx, userID, limit)
}

// Close закрывает соединение с базой данных
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// DB возвращает указатель на *sql.DB
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}
