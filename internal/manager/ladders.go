package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/scheduler"
	"github.com/kirillm/trigger-bot/internal/strategy"
)

// LadderPatch изменения сетки; nil означает "не менять"
type LadderPatch struct {
	LowerPrice          *float64 `json:"lower_price,omitempty"`
	UpperPrice          *float64 `json:"upper_price,omitempty"`
	LevelCount          *int     `json:"level_count,omitempty"`
	QuantityPerLevel    *float64 `json:"quantity_per_level,omitempty"`
	PollIntervalSeconds *int     `json:"poll_interval_seconds,omitempty"`
	OrderType           *string  `json:"order_type,omitempty"`
	StopLossPrice       *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice     *float64 `json:"take_profit_price,omitempty"`
	MaxPosition         *float64 `json:"max_position,omitempty"`
	MaxCapital          *float64 `json:"max_capital,omitempty"`
}

func (p LadderPatch) rebuildsLevels() bool {
	return p.LowerPrice != nil || p.UpperPrice != nil || p.LevelCount != nil
}

// LadderReport сетка с метриками и состоянием наблюдателя
type LadderReport struct {
	Ladder  *domain.GridLadder     `json:"ladder"`
	Metrics strategy.GridMetrics   `json:"metrics"`
	Watcher *scheduler.WatcherInfo `json:"watcher,omitempty"`
}

func gridWatcherID(userID, ladderID string) string {
	return "grid:" + userID + ":" + ladderID
}

// CreateLadder создает остановленную сетку. Опорная цена берется текущая,
// при недоступности цены используется середина диапазона.
func (m *Manager) CreateLadder(ctx context.Context, l *domain.GridLadder) (*domain.GridLadder, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.OrderType == "" {
		l.OrderType = domain.OrderTypeLimit
	}
	if l.TradeType == "" {
		l.TradeType = domain.TradeCash
	}
	if l.PollIntervalSeconds == 0 {
		l.PollIntervalSeconds = int(m.opts.GridPollInterval / time.Second)
	}
	if err := strategy.ValidateLadder(l); err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	existing, err := m.store.ListLadders(ctx, l.UserID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= m.opts.MaxGridsPerUser {
		return nil, fmt.Errorf("%w: limit of %d ladders reached", domain.ErrConflict, m.opts.MaxGridsPerUser)
	}
	for _, e := range existing {
		if e.Symbol == l.Symbol {
			return nil, fmt.Errorf("%w: ladder for %s already exists (%s)", domain.ErrConfiguration, l.Symbol, e.ID)
		}
	}

	reference, err := m.referencePrice(ctx, l.UserID, l.Symbol, l.LowerPrice, l.UpperPrice)
	if err != nil {
		return nil, err
	}
	levels, err := strategy.BuildLevels(l.LowerPrice, l.UpperPrice, l.LevelCount, reference)
	if err != nil {
		return nil, err
	}

	l.ReferencePrice = reference
	l.Levels = levels
	l.Status = domain.LadderStopped
	l.HaltReason = ""
	l.LastPrice = 0
	l.OutOfBounds = ""

	if err := m.store.CreateLadder(ctx, l); err != nil {
		return nil, err
	}

	m.logger.Info("✅ Ladder %s created for %s %s: %.2f-%.2f, %d levels, reference %.2f",
		l.ID, l.UserID, l.Symbol, l.LowerPrice, l.UpperPrice, l.LevelCount, reference)
	return l.Clone(), nil
}

func (m *Manager) referencePrice(ctx context.Context, userID, symbol string, lower, upper float64) (float64, error) {
	price, err := m.currentPrice(ctx, userID, symbol)
	switch {
	case err == nil:
		return price, nil
	case errors.Is(err, domain.ErrNotFound):
		return 0, fmt.Errorf("%w: unknown symbol %s", domain.ErrConfiguration, symbol)
	case errors.Is(err, domain.ErrConfiguration):
		return 0, err
	}
	mid := (lower + upper) / 2
	m.logger.Warn("⚠️ No price for %s (%v), using midpoint %.2f as reference", symbol, err, mid)
	return mid, nil
}

// GetLadder сетка пользователя
func (m *Manager) GetLadder(ctx context.Context, userID, id string) (*domain.GridLadder, error) {
	return m.store.GetLadder(ctx, userID, id)
}

// ListLadders сетки пользователя
func (m *Manager) ListLadders(ctx context.Context, userID string) ([]*domain.GridLadder, error) {
	return m.store.ListLadders(ctx, userID)
}

// LadderStatus сводка по сетке по последней наблюдаемой цене
func (m *Manager) LadderStatus(ctx context.Context, userID, id string) (*LadderReport, error) {
	l, err := m.store.GetLadder(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	report := &LadderReport{
		Ladder:  l,
		Metrics: m.grid.Metrics(l, l.LastPrice),
	}
	wid := gridWatcherID(userID, id)
	for _, w := range m.scheduler.Watchers() {
		if w.ID == wid {
			info := w
			report.Watcher = &info
			break
		}
	}
	return report, nil
}

// StartLadder переводит сетку в running и запускает наблюдателя.
// Первый тик только запоминает цену: пересечения за время остановки не исполняются.
func (m *Manager) StartLadder(ctx context.Context, userID, id string) (*domain.GridLadder, error) {
	l, err := m.store.UpdateLadder(ctx, userID, id, func(l *domain.GridLadder) error {
		if l.Status == domain.LadderRunning {
			return nil
		}
		l.Status = domain.LadderRunning
		l.HaltReason = ""
		l.LastPrice = 0
		l.OutOfBounds = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.scheduler.Start(m.newGridWatcher(l)); err != nil {
		return nil, err
	}
	m.logger.Info("▶️ Ladder %s (%s) started", l.ID, l.Symbol)
	return l, nil
}

// StopLadder останавливает наблюдателя (дожидаясь тика в полете) и переводит сетку в stopped
func (m *Manager) StopLadder(ctx context.Context, userID, id string) (*domain.GridLadder, error) {
	if _, err := m.store.GetLadder(ctx, userID, id); err != nil {
		return nil, err
	}
	m.scheduler.Stop(gridWatcherID(userID, id))

	l, err := m.store.UpdateLadder(ctx, userID, id, func(l *domain.GridLadder) error {
		l.Status = domain.LadderStopped
		return nil
	})
	if err != nil {
		return nil, err
	}
	if l.HasPending() {
		m.logger.Warn("⚠️ Ladder %s stopped with %d orders in flight", l.ID, len(l.PendingLevels()))
	}
	m.logger.Info("⏹️ Ladder %s (%s) stopped", l.ID, l.Symbol)
	return l, nil
}

// UpdateLadder редактирует остановленную сетку. Изменение границ или числа уровней
// перестраивает уровни от текущей цены и запрещено при ордерах в полете.
func (m *Manager) UpdateLadder(ctx context.Context, userID, id string, patch LadderPatch) (*domain.GridLadder, error) {
	current, err := m.store.GetLadder(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	reference := current.ReferencePrice
	if patch.rebuildsLevels() {
		lower, upper := current.LowerPrice, current.UpperPrice
		if patch.LowerPrice != nil {
			lower = *patch.LowerPrice
		}
		if patch.UpperPrice != nil {
			upper = *patch.UpperPrice
		}
		if reference, err = m.referencePrice(ctx, current.UserID, current.Symbol, lower, upper); err != nil {
			return nil, err
		}
	}

	l, err := m.store.UpdateLadder(ctx, userID, id, func(l *domain.GridLadder) error {
		if l.Status != domain.LadderStopped {
			return fmt.Errorf("%w: ladder %s must be stopped to edit (status %s)", domain.ErrConflict, l.ID, l.Status)
		}
		applyLadderPatch(l, patch)
		if err := strategy.ValidateLadder(l); err != nil {
			return err
		}
		if !patch.rebuildsLevels() {
			return nil
		}
		if l.HasPending() {
			return fmt.Errorf("%w: ladder %s has orders in flight", domain.ErrConflict, l.ID)
		}
		levels, err := strategy.BuildLevels(l.LowerPrice, l.UpperPrice, l.LevelCount, reference)
		if err != nil {
			return err
		}
		l.Levels = levels
		l.ReferencePrice = reference
		l.LastPrice = 0
		l.OutOfBounds = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("📝 Ladder %s updated", l.ID)
	return l, nil
}

func applyLadderPatch(l *domain.GridLadder, p LadderPatch) {
	if p.LowerPrice != nil {
		l.LowerPrice = *p.LowerPrice
	}
	if p.UpperPrice != nil {
		l.UpperPrice = *p.UpperPrice
	}
	if p.LevelCount != nil {
		l.LevelCount = *p.LevelCount
	}
	if p.QuantityPerLevel != nil {
		l.QuantityPerLevel = *p.QuantityPerLevel
	}
	if p.PollIntervalSeconds != nil {
		l.PollIntervalSeconds = *p.PollIntervalSeconds
	}
	if p.OrderType != nil {
		l.OrderType = *p.OrderType
	}
	if p.StopLossPrice != nil {
		l.StopLossPrice = *p.StopLossPrice
	}
	if p.TakeProfitPrice != nil {
		l.TakeProfitPrice = *p.TakeProfitPrice
	}
	if p.MaxPosition != nil {
		l.MaxPosition = *p.MaxPosition
	}
	if p.MaxCapital != nil {
		l.MaxCapital = *p.MaxCapital
	}
}

// DeleteLadder удаляет сетку; запрещено при ордерах в полете
func (m *Manager) DeleteLadder(ctx context.Context, userID, id string) error {
	l, err := m.store.GetLadder(ctx, userID, id)
	if err != nil {
		return err
	}
	if l.HasPending() {
		return fmt.Errorf("%w: ladder %s has orders in flight", domain.ErrConflict, id)
	}

	wid := gridWatcherID(userID, id)
	m.scheduler.Remove(wid)

	err = m.store.DeleteLadder(ctx, userID, id, func(l *domain.GridLadder) error {
		if l.HasPending() {
			return fmt.Errorf("%w: ladder %s has orders in flight", domain.ErrConflict, id)
		}
		return nil
	})
	if err != nil {
		// ордер появился между проверкой и остановкой
		if l.Status == domain.LadderRunning {
			if startErr := m.scheduler.Start(m.newGridWatcher(l)); startErr != nil {
				m.logger.Error("❌ Failed to restart ladder %s: %v", id, startErr)
			}
		}
		return err
	}

	m.logger.Info("🗑️ Ladder %s (%s) deleted", id, l.Symbol)
	return nil
}
