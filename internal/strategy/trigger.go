package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// DefaultPriceTolerance допуск для условия "=" (один минимальный тик цены)
const DefaultPriceTolerance = 0.01

// TriggerEngine проверяет условия одноразовых триггер-ордеров
type TriggerEngine struct {
	tolerance float64
}

// TriggerDecision результат проверки одного триггера
type TriggerDecision struct {
	Intent  *domain.OrderIntent
	Expired bool
}

func NewTriggerEngine(tolerance float64) *TriggerEngine {
	if tolerance <= 0 {
		tolerance = DefaultPriceTolerance
	}
	return &TriggerEngine{tolerance: tolerance}
}

// Tolerance текущий допуск для "="
func (e *TriggerEngine) Tolerance() float64 {
	return e.tolerance
}

// Matches проверяет условие: >= и <= нестрогие, = в пределах допуска
func (e *TriggerEngine) Matches(op string, threshold, price float64) bool {
	switch op {
	case domain.OpGreaterOrEqual:
		return price >= threshold
	case domain.OpLessOrEqual:
		return price <= threshold
	case domain.OpEqual:
		return math.Abs(price-threshold) <= e.tolerance+1e-9
	}
	return false
}

// Evaluate проверяет только pending-триггеры; истечение срока важнее условия.
// Переход в triggered выполняет хранилище вместе с write-ahead записью.
func (e *TriggerEngine) Evaluate(o *domain.TriggerOrder, price float64, now time.Time) TriggerDecision {
	if o.Status != domain.TriggerPending {
		return TriggerDecision{}
	}
	if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
		return TriggerDecision{Expired: true}
	}
	if price <= 0 || !e.Matches(o.ConditionOperator, o.ThresholdPrice, price) {
		return TriggerDecision{}
	}

	intent := &domain.OrderIntent{
		LevelIndex: -1,
		Symbol:     o.Symbol,
		Side:       o.OrderAction,
		OrderType:  o.OrderType,
		TradeType:  o.TradeType,
		Quantity:   o.Quantity,
		Price:      price,
	}
	if o.OrderType == domain.OrderTypeLimit {
		intent.LimitPrice = o.LimitPrice
	}
	return TriggerDecision{Intent: intent}
}

// ValidateTrigger проверяет параметры триггера при создании
func ValidateTrigger(o *domain.TriggerOrder) error {
	switch {
	case o.UserID == "" || o.Symbol == "":
		return fmt.Errorf("%w: user and symbol are required", domain.ErrConfiguration)
	case o.ThresholdPrice <= 0:
		return fmt.Errorf("%w: threshold price must be positive", domain.ErrConfiguration)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", domain.ErrConfiguration)
	}

	switch o.ConditionOperator {
	case domain.OpGreaterOrEqual, domain.OpLessOrEqual, domain.OpEqual:
	default:
		return fmt.Errorf("%w: unknown operator %q", domain.ErrConfiguration, o.ConditionOperator)
	}

	if o.OrderAction != domain.SideBuy && o.OrderAction != domain.SideSell {
		return fmt.Errorf("%w: unknown action %q", domain.ErrConfiguration, o.OrderAction)
	}

	switch o.OrderType {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order requires limit price", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", domain.ErrConfiguration, o.OrderType)
	}

	if !validTradeType(o.TradeType) {
		return fmt.Errorf("%w: unknown trade type %q", domain.ErrConfiguration, o.TradeType)
	}
	return nil
}
