package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// GridEngine решает, какие уровни сетки пересечены и какие ордера отправить.
// Не выполняет сетевых вызовов, только меняет поля наблюдения у рабочей копии сетки.
type GridEngine struct {
	staleAfter time.Duration
}

// GridEvaluation результат одного тика для сетки
type GridEvaluation struct {
	Intents []domain.OrderIntent
	Events  []domain.Event
}

// GridMetrics сводка по сетке для отчетов
type GridMetrics struct {
	CurrentPrice  float64
	NetQuantity   float64
	AvgCost       float64
	UnrealizedPnL float64
	PendingOrders int
	FilledBuys    int
	FilledSells   int
}

func NewGridEngine(staleAfter time.Duration) *GridEngine {
	return &GridEngine{staleAfter: staleAfter}
}

// ValidateLadder проверяет параметры сетки при создании или редактировании
func ValidateLadder(l *domain.GridLadder) error {
	switch {
	case l.UserID == "" || l.Symbol == "":
		return fmt.Errorf("%w: user and symbol are required", domain.ErrConfiguration)
	case l.LowerPrice <= 0 || l.UpperPrice <= 0:
		return fmt.Errorf("%w: bounds must be positive", domain.ErrConfiguration)
	case l.LowerPrice >= l.UpperPrice:
		return fmt.Errorf("%w: lower price %.2f must be below upper price %.2f", domain.ErrConfiguration, l.LowerPrice, l.UpperPrice)
	case l.LevelCount < domain.MinLevelCount:
		return fmt.Errorf("%w: level count must be at least %d", domain.ErrConfiguration, domain.MinLevelCount)
	case l.QuantityPerLevel <= 0:
		return fmt.Errorf("%w: quantity per level must be positive", domain.ErrConfiguration)
	case l.PollIntervalSeconds <= 0:
		return fmt.Errorf("%w: poll interval must be positive", domain.ErrConfiguration)
	case l.StopLossPrice < 0 || l.TakeProfitPrice < 0 || l.MaxPosition < 0 || l.MaxCapital < 0:
		return fmt.Errorf("%w: risk limits cannot be negative", domain.ErrConfiguration)
	}
	if l.OrderType != domain.OrderTypeMarket && l.OrderType != domain.OrderTypeLimit {
		return fmt.Errorf("%w: unknown order type %q", domain.ErrConfiguration, l.OrderType)
	}
	if !validTradeType(l.TradeType) {
		return fmt.Errorf("%w: unknown trade type %q", domain.ErrConfiguration, l.TradeType)
	}
	return nil
}

// BuildLevels рассчитывает levelCount+1 равноотстоящих уровней между границами,
// округленных до 2 знаков. Роль уровня фиксируется относительно reference:
// ниже покупка, выше продажа, на уровне reference нейтральный.
func BuildLevels(lower, upper float64, levelCount int, reference float64) ([]domain.GridLevel, error) {
	if levelCount < domain.MinLevelCount || lower >= upper {
		return nil, fmt.Errorf("%w: bad ladder bounds", domain.ErrConfiguration)
	}

	lo := decimal.NewFromFloat(lower)
	step := decimal.NewFromFloat(upper).Sub(lo).Div(decimal.NewFromInt(int64(levelCount)))
	ref := decimal.NewFromFloat(reference).Round(2)

	levels := make([]domain.GridLevel, 0, levelCount+1)
	for i := 0; i <= levelCount; i++ {
		p := lo.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(2)
		if i > 0 && !p.GreaterThan(decimal.NewFromFloat(levels[i-1].Price)) {
			return nil, fmt.Errorf("%w: levels collide after rounding at %s", domain.ErrConfiguration, p.String())
		}

		side := domain.SideNeutral
		switch p.Cmp(ref) {
		case -1:
			side = domain.SideBuy
		case 1:
			side = domain.SideSell
		}

		price, _ := p.Float64()
		levels = append(levels, domain.GridLevel{
			Index:      i,
			Price:      price,
			Side:       side,
			LastAction: domain.ActionNone,
		})
	}
	return levels, nil
}

// Evaluate сравнивает текущую цену с последней наблюдаемой и возвращает ордера
// для пересеченных уровней. Покупки идут от ближнего уровня к дальнему
// (по убыванию цены), продажи по возрастанию.
func (g *GridEngine) Evaluate(l *domain.GridLadder, price float64, now time.Time) GridEvaluation {
	var eval GridEvaluation
	if l.Status != domain.LadderRunning || price <= 0 {
		return eval
	}

	g.checkStale(l, now, &eval)

	if reason := haltReason(l, price); reason != "" {
		l.Status = domain.LadderHalted
		l.HaltReason = reason
		l.LastPrice = price
		eval.Events = append(eval.Events, ladderEvent(l, domain.EventLadderHalted, price, now, reason))
		return eval
	}

	g.checkBoundary(l, price, now, &eval)

	prev := l.LastPrice
	l.LastPrice = price
	if prev <= 0 || prev == price {
		return eval
	}

	var crossed []int
	side := domain.SideBuy
	if price < prev {
		for i := len(l.Levels) - 1; i >= 0; i-- {
			lv := &l.Levels[i]
			if lv.Side == domain.SideBuy && price <= lv.Price && lv.Price < prev {
				crossed = append(crossed, i)
			}
		}
	} else {
		side = domain.SideSell
		for i := range l.Levels {
			lv := &l.Levels[i]
			if lv.Side == domain.SideSell && prev < lv.Price && lv.Price <= price {
				crossed = append(crossed, i)
			}
		}
	}

	pendingQty, pendingNotional := l.PendingExposure()
	for _, i := range crossed {
		lv := &l.Levels[i]
		if lv.Pending != nil {
			continue
		}
		if side == domain.SideBuy && lv.LastAction == domain.ActionBought {
			continue
		}
		if side == domain.SideSell && lv.LastAction == domain.ActionSold {
			continue
		}

		if side == domain.SideBuy {
			if msg := riskBreach(l, lv.Price, pendingQty, pendingNotional); msg != "" {
				ev := ladderEvent(l, domain.EventRiskLimit, price, now, msg)
				ev.LevelIndex = i
				eval.Events = append(eval.Events, ev)
				continue
			}
			pendingQty += l.QuantityPerLevel
			pendingNotional += l.QuantityPerLevel * lv.Price
		}

		intent := domain.OrderIntent{
			LevelIndex: i,
			Symbol:     l.Symbol,
			Side:       side,
			OrderType:  l.OrderType,
			TradeType:  l.TradeType,
			Quantity:   l.QuantityPerLevel,
			Price:      price,
		}
		if l.OrderType == domain.OrderTypeLimit {
			intent.LimitPrice = lv.Price
		}
		eval.Intents = append(eval.Intents, intent)
	}

	return eval
}

// checkStale отмечает ордера в полете дольше staleAfter, один раз на ордер
func (g *GridEngine) checkStale(l *domain.GridLadder, now time.Time, eval *GridEvaluation) {
	if g.staleAfter <= 0 {
		return
	}
	for i := range l.Levels {
		wa := l.Levels[i].Pending
		if wa == nil || wa.StaleNotified || now.Sub(wa.RecordedAt) < g.staleAfter {
			continue
		}
		wa.StaleNotified = true
		ev := ladderEvent(l, domain.EventStaleOrder, l.Levels[i].Price, now,
			fmt.Sprintf("order %s pending since %s", wa.ClientOrderID, wa.RecordedAt.Format(time.RFC3339)))
		ev.LevelIndex = i
		ev.OrderID = wa.ClientOrderID
		ev.Side = l.Levels[i].Side
		eval.Events = append(eval.Events, ev)
	}
}

// checkBoundary сообщает о выходе цены за границы один раз за выход
func (g *GridEngine) checkBoundary(l *domain.GridLadder, price float64, now time.Time, eval *GridEvaluation) {
	state := ""
	switch {
	case price < l.LowerPrice:
		state = "below"
	case price > l.UpperPrice:
		state = "above"
	}
	if state == l.OutOfBounds {
		return
	}
	l.OutOfBounds = state
	if state != "" {
		eval.Events = append(eval.Events, ladderEvent(l, domain.EventBoundaryReached, price, now,
			fmt.Sprintf("price %.2f is %s range [%.2f, %.2f]", price, state, l.LowerPrice, l.UpperPrice)))
	}
}

// Metrics рассчитывает показатели сетки для отчета
func (g *GridEngine) Metrics(l *domain.GridLadder, price float64) GridMetrics {
	m := GridMetrics{
		CurrentPrice:  price,
		NetQuantity:   l.NetQuantity,
		PendingOrders: len(l.PendingLevels()),
		FilledBuys:    l.FilledBuys,
		FilledSells:   l.FilledSells,
	}
	if l.NetQuantity != 0 {
		m.AvgCost = l.NetCost / l.NetQuantity
		m.UnrealizedPnL = l.NetQuantity*price - l.NetCost
	}
	return m
}

func haltReason(l *domain.GridLadder, price float64) string {
	if l.StopLossPrice > 0 && price <= l.StopLossPrice {
		return fmt.Sprintf("stop loss %.2f reached at %.2f", l.StopLossPrice, price)
	}
	if l.TakeProfitPrice > 0 && price >= l.TakeProfitPrice {
		return fmt.Sprintf("take profit %.2f reached at %.2f", l.TakeProfitPrice, price)
	}
	return ""
}

func riskBreach(l *domain.GridLadder, levelPrice, pendingQty, pendingNotional float64) string {
	if l.MaxPosition > 0 && l.NetQuantity+pendingQty+l.QuantityPerLevel > l.MaxPosition {
		return fmt.Sprintf("max position %.4f would be exceeded", l.MaxPosition)
	}
	if l.MaxCapital > 0 && l.NetCost+pendingNotional+l.QuantityPerLevel*levelPrice > l.MaxCapital {
		return fmt.Sprintf("max capital %.2f would be exceeded", l.MaxCapital)
	}
	return ""
}

func ladderEvent(l *domain.GridLadder, typ string, price float64, now time.Time, msg string) domain.Event {
	return domain.Event{
		Type:       typ,
		UserID:     l.UserID,
		EntityKind: domain.KindLadder,
		EntityID:   l.ID,
		Symbol:     l.Symbol,
		Price:      price,
		LevelIndex: -1,
		Message:    msg,
		CreatedAt:  now,
	}
}

func validTradeType(t string) bool {
	switch t {
	case domain.TradeCash, domain.TradeDayTrade, domain.TradeMarginBuy, domain.TradeShortSell:
		return true
	}
	return false
}
