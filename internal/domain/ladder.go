package domain

import (
	"fmt"
	"time"
)

// Ref возвращает адрес сетки в хранилище
func (l *GridLadder) Ref() EntityRef {
	return EntityRef{UserID: l.UserID, Kind: KindLadder, ID: l.ID}
}

// HasPending проверяет есть ли уровни с ордером в полете
func (l *GridLadder) HasPending() bool {
	for i := range l.Levels {
		if l.Levels[i].Pending != nil {
			return true
		}
	}
	return false
}

// PendingLevels возвращает индексы уровней с ордером в полете
func (l *GridLadder) PendingLevels() []int {
	var idx []int
	for i := range l.Levels {
		if l.Levels[i].Pending != nil {
			idx = append(idx, i)
		}
	}
	return idx
}

// PendingExposure суммарное количество и стоимость ордеров в полете на покупку
func (l *GridLadder) PendingExposure() (qty, notional float64) {
	for i := range l.Levels {
		lv := &l.Levels[i]
		if lv.Pending == nil || lv.Side != SideBuy {
			continue
		}
		qty += lv.Pending.Request.Quantity
		notional += lv.Pending.Request.Quantity * lv.Price
	}
	return qty, notional
}

// BeginOrder записывает write-ahead на уровень
func (l *GridLadder) BeginOrder(idx int, wa *WriteAhead) error {
	if idx < 0 || idx >= len(l.Levels) {
		return fmt.Errorf("%w: level %d out of range", ErrConflict, idx)
	}
	lv := &l.Levels[idx]
	if lv.Side == SideNeutral {
		return fmt.Errorf("%w: level %d is neutral", ErrConflict, idx)
	}
	if lv.Pending != nil {
		return fmt.Errorf("%w: level %d already has order %s", ErrConflict, idx, lv.Pending.ClientOrderID)
	}
	lv.Pending = wa
	return nil
}

// ApplyOutcome применяет ответ брокера к уровню с ордером clientOrderID
func (l *GridLadder) ApplyOutcome(idx int, clientOrderID string, out Outcome) error {
	if idx < 0 || idx >= len(l.Levels) {
		return fmt.Errorf("%w: level %d out of range", ErrConflict, idx)
	}
	lv := &l.Levels[idx]
	if lv.Pending == nil || lv.Pending.ClientOrderID != clientOrderID {
		return fmt.Errorf("%w: level %d has no order %s", ErrConflict, idx, clientOrderID)
	}

	at := out.At
	if at.IsZero() {
		at = time.Now()
	}

	switch out.Kind {
	case OutcomeAccepted:
		lv.Pending.Committed = true
		if out.BrokerOrderID != "" {
			lv.Pending.BrokerOrderID = out.BrokerOrderID
		}
	case OutcomeFilled:
		qty := out.FilledQty
		if qty <= 0 {
			qty = lv.Pending.Request.Quantity
		}
		price := out.FilledPrice
		if price <= 0 {
			price = lv.Price
		}
		lv.Pending = nil
		if lv.Side == SideBuy {
			lv.LastAction = ActionBought
			l.FilledBuys++
			l.applyFill(qty, price)
			l.rearm(SideSell, ActionSold)
		} else {
			lv.LastAction = ActionSold
			l.FilledSells++
			l.applyFill(-qty, price)
			l.rearm(SideBuy, ActionBought)
		}
	case OutcomeRejected, OutcomeLost:
		// уровень освобождается, lastAction не меняется
		lv.Pending = nil
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrConflict, out.Kind)
	}

	l.CommittedAt = at
	return nil
}

// applyFill обновляет нетто-позицию; qty < 0 для продажи
func (l *GridLadder) applyFill(qty, price float64) {
	if qty > 0 || l.NetQuantity <= 0 {
		l.NetQuantity += qty
		l.NetCost += qty * price
		return
	}
	sold := -qty
	if sold >= l.NetQuantity {
		l.NetQuantity -= sold
		l.NetCost = l.NetQuantity * price
		return
	}
	avg := l.NetCost / l.NetQuantity
	l.NetQuantity -= sold
	l.NetCost -= avg * sold
}

// rearm освобождает один уровень противоположной стороны:
// самый высокий купленный buy-уровень или самый низкий проданный sell-уровень
func (l *GridLadder) rearm(side, action string) {
	if side == SideBuy {
		for i := len(l.Levels) - 1; i >= 0; i-- {
			if l.Levels[i].Side == SideBuy && l.Levels[i].LastAction == action {
				l.Levels[i].LastAction = ActionNone
				return
			}
		}
		return
	}
	for i := range l.Levels {
		if l.Levels[i].Side == SideSell && l.Levels[i].LastAction == action {
			l.Levels[i].LastAction = ActionNone
			return
		}
	}
}

// Clone глубокая копия сетки
func (l *GridLadder) Clone() *GridLadder {
	c := *l
	c.Levels = make([]GridLevel, len(l.Levels))
	for i, lv := range l.Levels {
		c.Levels[i] = lv
		if lv.Pending != nil {
			wa := *lv.Pending
			c.Levels[i].Pending = &wa
		}
	}
	return &c
}
