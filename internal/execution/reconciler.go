package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// ReconcileLadder сверяет с брокером все уровни сетки с ордером в полете.
// Возвращает ошибку только если брокер недоступен: сверка повторится на следующем тике.
func (e *Executor) ReconcileLadder(ctx context.Context, gw domain.BrokerGateway, l *domain.GridLadder) error {
	var firstErr error
	for _, idx := range l.PendingLevels() {
		lv := l.Levels[idx]
		key := claimKey(l.Ref(), idx)
		if !e.claim(key) {
			// Submit этого уровня еще не вернулся
			continue
		}
		err := e.reconcile(ctx, gw, l.Ref(), intentFromWriteAhead(lv.Pending, idx, lv.Price), lv.Pending)
		e.release(key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReconcileTrigger сверяет триггер в статусе triggered или submitted
func (e *Executor) ReconcileTrigger(ctx context.Context, gw domain.BrokerGateway, o *domain.TriggerOrder) error {
	if o.WriteAhead == nil || o.IsTerminal() {
		return nil
	}
	if o.Status != domain.TriggerTriggered && o.Status != domain.TriggerSubmitted {
		return nil
	}
	key := claimKey(o.Ref(), -1)
	if !e.claim(key) {
		return nil
	}
	defer e.release(key)

	return e.reconcile(ctx, gw, o.Ref(), intentFromWriteAhead(o.WriteAhead, -1, o.TriggeredPrice), o.WriteAhead)
}

func (e *Executor) reconcile(ctx context.Context, gw domain.BrokerGateway, ref domain.EntityRef, intent domain.OrderIntent, wa *domain.WriteAhead) error {
	wctx := context.WithoutCancel(ctx)

	if !wa.Committed {
		e.notifyUnknown(wctx, ref, intent, wa.ClientOrderID, nil)
	}

	h, err := gw.GetOrderStatus(ctx, intent.Symbol, wa.ClientOrderID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		if wa.Committed {
			e.logger.Warn("⚠️ Broker does not know committed order %s (%s)", wa.ClientOrderID, ref)
			return nil
		}
		if e.now().Sub(wa.RecordedAt) < e.reconcileGrace {
			return nil
		}
		return e.commit(wctx, ref, intent, wa.ClientOrderID, domain.Outcome{
			Kind:   domain.OutcomeLost,
			Reason: "order never reached the broker",
			At:     e.now(),
		})
	default:
		return fmt.Errorf("failed to reconcile %s: %w", wa.ClientOrderID, err)
	}

	out := outcomeFromHandle(h, e.now())
	if out.Kind == domain.OutcomeAccepted && wa.Committed {
		// ордер все еще открыт
		return nil
	}
	if out.Kind == domain.OutcomeRejected {
		e.recordResult(true)
	}
	return e.commit(wctx, ref, intent, wa.ClientOrderID, *out)
}

func intentFromWriteAhead(wa *domain.WriteAhead, levelIndex int, price float64) domain.OrderIntent {
	return domain.OrderIntent{
		LevelIndex: levelIndex,
		Symbol:     wa.Request.Symbol,
		Side:       wa.Request.Side,
		OrderType:  wa.Request.OrderType,
		TradeType:  wa.Request.TradeType,
		Quantity:   wa.Request.Quantity,
		LimitPrice: wa.Request.LimitPrice,
		Price:      price,
	}
}
