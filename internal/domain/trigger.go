package domain

import (
	"fmt"
	"time"
)

var triggerTransitions = map[string][]string{
	TriggerPending:   {TriggerTriggered, TriggerFailed, TriggerCancelled, TriggerExpired},
	TriggerTriggered: {TriggerSubmitted, TriggerFailed, TriggerCancelled},
	TriggerSubmitted: {TriggerFilled, TriggerFailed},
}

// CanTransition проверяет допустимость перехода статуса триггера
func CanTransition(from, to string) bool {
	for _, s := range triggerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalTrigger терминальные статусы неизменяемы
func IsTerminalTrigger(status string) bool {
	switch status {
	case TriggerFilled, TriggerFailed, TriggerCancelled, TriggerExpired:
		return true
	}
	return false
}

// Ref возвращает адрес триггера в хранилище
func (o *TriggerOrder) Ref() EntityRef {
	return EntityRef{UserID: o.UserID, Kind: KindTrigger, ID: o.ID}
}

// IsTerminal true для filled, failed, cancelled, expired
func (o *TriggerOrder) IsTerminal() bool {
	return IsTerminalTrigger(o.Status)
}

// Transition меняет статус, если переход допустим
func (o *TriggerOrder) Transition(to string, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: trigger %s cannot move %s -> %s", ErrConflict, o.ID, o.Status, to)
	}
	o.Status = to
	switch to {
	case TriggerTriggered:
		t := at
		o.TriggeredAt = &t
	case TriggerFilled, TriggerFailed, TriggerCancelled, TriggerExpired:
		t := at
		o.ResolvedAt = &t
	}
	return nil
}

// ApplyOutcome применяет ответ брокера к триггеру
func (o *TriggerOrder) ApplyOutcome(clientOrderID string, out Outcome) error {
	if o.WriteAhead == nil || o.WriteAhead.ClientOrderID != clientOrderID {
		return fmt.Errorf("%w: trigger %s has no order %s", ErrConflict, o.ID, clientOrderID)
	}
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}

	switch out.Kind {
	case OutcomeAccepted, OutcomeFilled:
		if o.Status == TriggerTriggered {
			if err := o.Transition(TriggerSubmitted, at); err != nil {
				return err
			}
		}
		o.WriteAhead.Committed = true
		if out.BrokerOrderID != "" {
			o.WriteAhead.BrokerOrderID = out.BrokerOrderID
			o.BrokerOrderID = out.BrokerOrderID
		}
		if out.Kind == OutcomeFilled {
			if err := o.Transition(TriggerFilled, at); err != nil {
				return err
			}
			o.FilledPrice = out.FilledPrice
		}
	case OutcomeRejected, OutcomeLost:
		if err := o.Transition(TriggerFailed, at); err != nil {
			return err
		}
		o.WriteAhead.Committed = true
		o.FailureReason = out.Reason
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrConflict, out.Kind)
	}

	o.CommittedAt = at
	return nil
}

// Clone копия триггера
func (o *TriggerOrder) Clone() *TriggerOrder {
	c := *o
	if o.WriteAhead != nil {
		wa := *o.WriteAhead
		c.WriteAhead = &wa
	}
	return &c
}
