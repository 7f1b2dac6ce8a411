package manager

import (
	"context"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// SeedLadder создает сетку из файла стратегий, если у пользователя еще нет сетки по символу.
// start запускает новую сетку; существующая остается в сохраненном состоянии.
func (m *Manager) SeedLadder(ctx context.Context, l *domain.GridLadder, start bool) (*domain.GridLadder, bool, error) {
	existing, err := m.store.ListLadders(ctx, l.UserID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range existing {
		if e.Symbol == l.Symbol {
			return e, false, nil
		}
	}

	created, err := m.CreateLadder(ctx, l)
	if err != nil {
		return nil, false, err
	}
	if start {
		if created, err = m.StartLadder(ctx, created.UserID, created.ID); err != nil {
			return nil, true, err
		}
	}
	return created, true, nil
}

// SeedTrigger создает триггер из файла стратегий, если такого же активного еще нет
func (m *Manager) SeedTrigger(ctx context.Context, o *domain.TriggerOrder) (*domain.TriggerOrder, bool, error) {
	existing, err := m.store.ListTriggers(ctx, o.UserID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range existing {
		if !e.IsTerminal() && sameTrigger(e, o) {
			return e, false, nil
		}
	}

	created, err := m.CreateTrigger(ctx, o)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func sameTrigger(a, b *domain.TriggerOrder) bool {
	return a.Symbol == b.Symbol &&
		a.ConditionOperator == b.ConditionOperator &&
		a.ThresholdPrice == b.ThresholdPrice &&
		a.OrderAction == b.OrderAction &&
		a.Quantity == b.Quantity
}
