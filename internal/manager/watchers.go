package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/execution"
	"github.com/kirillm/trigger-bot/internal/strategy"
)

var errNotRunning = errors.New("ladder is not running")

// gridWatcher один наблюдатель на сетку
type gridWatcher struct {
	m        *Manager
	userID   string
	ladderID string
	interval time.Duration
}

func (m *Manager) newGridWatcher(l *domain.GridLadder) *gridWatcher {
	interval := time.Duration(l.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = m.opts.GridPollInterval
	}
	return &gridWatcher{m: m, userID: l.UserID, ladderID: l.ID, interval: interval}
}

func (w *gridWatcher) ID() string              { return gridWatcherID(w.userID, w.ladderID) }
func (w *gridWatcher) Interval() time.Duration { return w.interval }

// Tick: сверка уровней с ордерами в полете, цена, оценка, отправка намерений.
// Пакет намерений доводится до конца даже после запроса остановки.
func (w *gridWatcher) Tick(ctx context.Context, gen uint64) error {
	m := w.m

	l, err := m.store.GetLadder(ctx, w.userID, w.ladderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Status != domain.LadderRunning && !l.HasPending() {
		return nil
	}

	gw, err := m.gateways.Get(ctx, w.userID)
	if err != nil {
		return fmt.Errorf("gateway for %s: %w", w.userID, err)
	}

	if l.HasPending() {
		if err := m.executor.ReconcileLadder(ctx, gw, l); err != nil {
			m.logger.Warn("⚠️ Ladder %s reconcile: %v", l.ID, err)
		}
	}
	if l.Status != domain.LadderRunning || ctx.Err() != nil {
		return nil
	}

	q, err := m.cache.Get(ctx, gw, l.Symbol, gen)
	if err != nil {
		return fmt.Errorf("price for %s: %w", l.Symbol, err)
	}

	// новая цена и write-ahead пересеченных уровней сохраняются одной записью
	var (
		eval strategy.GridEvaluation
		plan execution.LadderPlan
	)
	updated, err := m.store.UpdateLadder(ctx, w.userID, w.ladderID, func(cur *domain.GridLadder) error {
		if cur.Status != domain.LadderRunning {
			return errNotRunning
		}
		eval = m.grid.Evaluate(cur, q.Price, m.now())
		plan = m.executor.PlanLadder(ctx, cur, eval.Intents)
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, ev := range eval.Events {
		if ev.Type == domain.EventLadderHalted {
			m.logger.Warn("🚨 Ladder %s halted: %s", updated.ID, ev.Message)
		}
		m.emit(ev)
	}
	if plan.Stopped != nil {
		m.logger.Warn("⛔ Ladder %s: %d intents dropped, %v", updated.ID, len(eval.Intents), plan.Stopped)
		return nil
	}

	bctx := context.WithoutCancel(ctx)
	for _, b := range plan.Blocked {
		m.executor.ReportBlocked(bctx, updated.Ref(), b)
	}
	for _, p := range plan.Orders {
		_, err := m.executor.SubmitPlanned(bctx, gw, updated.Ref(), p)
		switch {
		case err == nil, isBenign(err):
		case errors.Is(err, domain.ErrEmergencyStop):
			m.logger.Warn("⛔ Ladder %s level %d not sent: %v", updated.ID, p.Intent.LevelIndex, err)
		default:
			m.logger.Error("❌ Ladder %s level %d submit failed: %v", updated.ID, p.Intent.LevelIndex, err)
		}
	}
	return nil
}

// triggerWatcher пул триггеров одного пользователя
type triggerWatcher struct {
	m        *Manager
	userID   string
	interval time.Duration
}

func (m *Manager) newTriggerWatcher(userID string) *triggerWatcher {
	return &triggerWatcher{m: m, userID: userID, interval: m.opts.TriggerPollInterval}
}

func (w *triggerWatcher) ID() string              { return triggerWatcherID(w.userID) }
func (w *triggerWatcher) Interval() time.Duration { return w.interval }

// Tick: сверка triggered/submitted, затем проверка условий pending-триггеров.
// Ошибка цены по символу пропускает только триггеры этого символа.
func (w *triggerWatcher) Tick(ctx context.Context, gen uint64) error {
	m := w.m

	all, err := m.store.ListTriggers(ctx, w.userID)
	if err != nil {
		return err
	}
	active := all[:0]
	for _, o := range all {
		if !o.IsTerminal() {
			active = append(active, o)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sortTriggers(active)

	gw, err := m.gateways.Get(ctx, w.userID)
	if err != nil {
		return fmt.Errorf("gateway for %s: %w", w.userID, err)
	}

	var firstErr error
	for _, o := range active {
		if ctx.Err() != nil {
			return nil
		}
		if o.Status != domain.TriggerPending {
			if err := m.executor.ReconcileTrigger(ctx, gw, o); err != nil {
				m.logger.Warn("⚠️ Trigger %s reconcile: %v", o.ID, err)
			}
			continue
		}

		q, err := m.cache.Get(ctx, gw, o.Symbol, gen)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("price for %s: %w", o.Symbol, err)
			}
			continue
		}

		decision := m.triggers.Evaluate(o, q.Price, m.now())
		switch {
		case decision.Expired:
			w.expire(ctx, o)
		case decision.Intent != nil:
			m.logger.Info("🎯 Trigger %s: %s %s %.2f met at %.2f", o.ID, o.Symbol, o.ConditionOperator, o.ThresholdPrice, q.Price)
			_, err := m.executor.Submit(context.WithoutCancel(ctx), gw, o.Ref(), *decision.Intent)
			switch {
			case err == nil, isBenign(err):
			case errors.Is(err, domain.ErrEmergencyStop):
				m.logger.Warn("⛔ Trigger %s not submitted: %v", o.ID, err)
			default:
				m.logger.Error("❌ Trigger %s submit failed: %v", o.ID, err)
			}
		}
	}
	return firstErr
}

func (w *triggerWatcher) expire(ctx context.Context, o *domain.TriggerOrder) {
	m := w.m
	expired, err := m.store.UpdateTrigger(ctx, o.UserID, o.ID, func(cur *domain.TriggerOrder) error {
		return cur.Transition(domain.TriggerExpired, m.now())
	})
	if err != nil {
		// отменен или сработал параллельно
		m.logger.Debug("Trigger %s not expired: %v", o.ID, err)
		return
	}

	m.appendLog(ctx, expired.Ref(), expired.Symbol, expired.OrderAction, expired.Quantity, expired.ThresholdPrice, logExpired, "expired")
	m.emit(domain.Event{
		Type:       domain.EventOrderExpired,
		UserID:     expired.UserID,
		EntityKind: domain.KindTrigger,
		EntityID:   expired.ID,
		Symbol:     expired.Symbol,
		Side:       expired.OrderAction,
		Price:      expired.ThresholdPrice,
		Quantity:   expired.Quantity,
		LevelIndex: -1,
		Message:    fmt.Sprintf("%s %s %.2f expired", expired.Symbol, expired.ConditionOperator, expired.ThresholdPrice),
	})
	m.logger.Info("⌛ Trigger %s expired", expired.ID)
}
