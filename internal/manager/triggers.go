package manager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/strategy"
)

// TriggerPatch изменения pending-триггера; nil означает "не менять"
type TriggerPatch struct {
	ConditionOperator *string    `json:"condition_operator,omitempty"`
	ThresholdPrice    *float64   `json:"threshold_price,omitempty"`
	Quantity          *float64   `json:"quantity,omitempty"`
	LimitPrice        *float64   `json:"limit_price,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Note              *string    `json:"note,omitempty"`
}

// Действия в журнале ордеров
const (
	logCreated   = "created"
	logUpdated   = "updated"
	logCancelled = "cancelled"
	logExpired   = "expired"
)

func triggerWatcherID(userID string) string {
	return "triggers:" + userID
}

// CreateTrigger сохраняет pending-триггер и запускает пул триггеров пользователя
func (m *Manager) CreateTrigger(ctx context.Context, o *domain.TriggerOrder) (*domain.TriggerOrder, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.OrderType == "" {
		o.OrderType = domain.OrderTypeMarket
		if o.LimitPrice > 0 {
			o.OrderType = domain.OrderTypeLimit
		}
	}
	if o.TradeType == "" {
		o.TradeType = domain.TradeCash
	}
	o.Status = domain.TriggerPending

	if err := strategy.ValidateTrigger(o); err != nil {
		return nil, err
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(m.now()) {
		return nil, fmt.Errorf("%w: expiry %s is in the past", domain.ErrConfiguration, o.ExpiresAt.Format(time.RFC3339))
	}

	if err := m.store.CreateTrigger(ctx, o); err != nil {
		return nil, err
	}
	m.appendLog(ctx, o.Ref(), o.Symbol, o.OrderAction, o.Quantity, o.ThresholdPrice, logCreated,
		fmt.Sprintf("%s %s %.2f", o.Symbol, o.ConditionOperator, o.ThresholdPrice))

	if err := m.scheduler.Start(m.newTriggerWatcher(o.UserID)); err != nil {
		return nil, err
	}

	m.logger.Info("✅ Trigger %s created: %s %s %s %.2f -> %s %.4f",
		o.ID, o.UserID, o.Symbol, o.ConditionOperator, o.ThresholdPrice, o.OrderAction, o.Quantity)
	return o.Clone(), nil
}

// GetTrigger триггер пользователя
func (m *Manager) GetTrigger(ctx context.Context, userID, id string) (*domain.TriggerOrder, error) {
	return m.store.GetTrigger(ctx, userID, id)
}

// CancelTrigger отменяет триггер, по которому еще не ушел ордер. Ордер в полете
// или с неизвестным исходом сначала разбирает сверка.
func (m *Manager) CancelTrigger(ctx context.Context, userID, id string) (*domain.TriggerOrder, error) {
	o, err := m.store.UpdateTrigger(ctx, userID, id, func(o *domain.TriggerOrder) error {
		if m.executor.InFlight(o.Ref()) {
			return fmt.Errorf("%w: trigger %s is being submitted", domain.ErrConflict, o.ID)
		}
		if o.WriteAhead != nil && !o.WriteAhead.Committed {
			return fmt.Errorf("%w: trigger %s has order %s with unknown outcome", domain.ErrConflict, o.ID, o.WriteAhead.ClientOrderID)
		}
		return o.Transition(domain.TriggerCancelled, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.appendLog(ctx, o.Ref(), o.Symbol, o.OrderAction, o.Quantity, o.ThresholdPrice, logCancelled, "cancelled by user")
	m.logger.Info("⛔ Trigger %s cancelled", o.ID)
	return o, nil
}

// UpdateTrigger меняет условие, количество, лимит, срок или заметку pending-триггера
func (m *Manager) UpdateTrigger(ctx context.Context, userID, id string, patch TriggerPatch) (*domain.TriggerOrder, error) {
	o, err := m.store.UpdateTrigger(ctx, userID, id, func(o *domain.TriggerOrder) error {
		if o.Status != domain.TriggerPending {
			return fmt.Errorf("%w: trigger %s is %s", domain.ErrConflict, o.ID, o.Status)
		}
		if patch.ConditionOperator != nil {
			o.ConditionOperator = *patch.ConditionOperator
		}
		if patch.ThresholdPrice != nil {
			o.ThresholdPrice = *patch.ThresholdPrice
		}
		if patch.Quantity != nil {
			o.Quantity = *patch.Quantity
		}
		if patch.LimitPrice != nil {
			o.LimitPrice = *patch.LimitPrice
		}
		if patch.ExpiresAt != nil {
			if !patch.ExpiresAt.After(m.now()) {
				return fmt.Errorf("%w: expiry is in the past", domain.ErrConfiguration)
			}
			t := *patch.ExpiresAt
			o.ExpiresAt = &t
		}
		if patch.Note != nil {
			o.Note = *patch.Note
		}
		return strategy.ValidateTrigger(o)
	})
	if err != nil {
		return nil, err
	}

	m.appendLog(ctx, o.Ref(), o.Symbol, o.OrderAction, o.Quantity, o.ThresholdPrice, logUpdated,
		fmt.Sprintf("%s %s %.2f", o.Symbol, o.ConditionOperator, o.ThresholdPrice))
	m.logger.Info("📝 Trigger %s updated", o.ID)
	return o, nil
}

// ListTriggers триггеры пользователя, по времени создания; пустой status означает все
func (m *Manager) ListTriggers(ctx context.Context, userID, status string) ([]*domain.TriggerOrder, error) {
	all, err := m.store.ListTriggers(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.TriggerOrder, 0, len(all))
	for _, o := range all {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sortTriggers(out)
	return out, nil
}

// TriggerStats количество триггеров пользователя по статусам
func (m *Manager) TriggerStats(ctx context.Context, userID string) (*domain.TriggerStats, error) {
	all, err := m.store.ListTriggers(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &domain.TriggerStats{Total: len(all), ByStatus: make(map[string]int)}
	for _, o := range all {
		stats.ByStatus[o.Status]++
	}
	return stats, nil
}

// OrderLogs журнал ордеров пользователя, новые первыми
func (m *Manager) OrderLogs(ctx context.Context, userID string, limit int) ([]domain.OrderLog, error) {
	return m.store.ListOrderLogs(ctx, userID, limit)
}

func sortTriggers(triggers []*domain.TriggerOrder) {
	sort.SliceStable(triggers, func(i, j int) bool {
		if !triggers[i].CreatedAt.Equal(triggers[j].CreatedAt) {
			return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
		}
		return triggers[i].ID < triggers[j].ID
	})
}
