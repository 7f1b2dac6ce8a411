package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/metrics"
	"github.com/kirillm/trigger-bot/internal/policy"
	"github.com/kirillm/trigger-bot/internal/storage"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// Результаты в журнале ордеров и метриках
const (
	ResultAccepted = "accepted"
	ResultFilled   = "filled"
	ResultRejected = "rejected"
	ResultUnknown  = "unknown"
	ResultLost     = "lost"
	ResultPolicy   = "policy_violation"
)

// PolicyEngine интерфейс policy engine
type PolicyEngine interface {
	ValidateAction(ctx context.Context, action policy.ActionRequest) (*policy.ValidationResult, error)
	RecordOrder(userID string, at time.Time)
	RecordResult(rejected bool) *policy.CircuitBreakerEvent
}

// SubmitResult результат отправки. Outcome == nil, если исход неизвестен.
type SubmitResult struct {
	ClientOrderID string
	Outcome       *domain.Outcome
}

// Executor отправляет ордера по протоколу write-ahead -> PlaceOrder -> commit
type Executor struct {
	store          *storage.Store
	policyEngine   PolicyEngine
	killSwitch     *KillSwitch
	slippageGuard  *SlippageGuard
	sink           domain.NotificationSink
	logger         *utils.Logger
	reconcileGrace time.Duration
	now            func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewExecutor создает новый executor; policyEngine может быть nil
func NewExecutor(
	store *storage.Store,
	policyEngine PolicyEngine,
	killSwitch *KillSwitch,
	sink domain.NotificationSink,
	logger *utils.Logger,
) *Executor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Executor{
		store:          store,
		policyEngine:   policyEngine,
		killSwitch:     killSwitch,
		slippageGuard:  NewSlippageGuard(0),
		sink:           sink,
		logger:         logger,
		reconcileGrace: 2 * time.Minute,
		now:            time.Now,
		inflight:       make(map[string]struct{}),
	}
}

// SetSlippageThreshold устанавливает порог slippage в процентах
func (e *Executor) SetSlippageThreshold(thresholdPercent float64) {
	e.slippageGuard = NewSlippageGuard(thresholdPercent)
}

// SetReconcileGrace сколько ждать, прежде чем считать ненайденный ордер потерянным
func (e *Executor) SetReconcileGrace(d time.Duration) {
	e.reconcileGrace = d
}

// SetClock подменяет часы (для тестов)
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// KillSwitch общий выключатель
func (e *Executor) KillSwitch() *KillSwitch {
	return e.killSwitch
}

// Submit выполняет одно намерение. Ошибки: ErrEmergencyStop, ErrRiskLimitExceeded,
// ErrConflict (уровень или триггер уже занят), ErrRejected, ErrUnknownOutcome.
func (e *Executor) Submit(ctx context.Context, gw domain.BrokerGateway, ref domain.EntityRef, intent domain.OrderIntent) (*SubmitResult, error) {
	// 1. Проверка kill switch
	if err := e.checkKillSwitch(); err != nil {
		return nil, err
	}

	// 2. Валидация через policy engine
	reason, err := e.validate(ctx, ref, intent)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, e.failByPolicy(ctx, ref, intent, reason)
	}

	// 3. Захват: один ордер в полете на уровень или триггер
	key := claimKey(ref, intent.LevelIndex)
	if !e.claim(key) {
		return nil, fmt.Errorf("%w: %s already in flight", domain.ErrConflict, key)
	}
	defer e.release(key)

	// 4. Write-ahead до сетевого вызова
	wa, err := e.store.WriteAheadPending(ctx, ref, intent)
	if err != nil {
		return nil, err
	}
	if ref.Kind == domain.KindTrigger {
		e.emit(orderEvent(domain.EventOrderTriggered, ref, intent, wa.ClientOrderID, intent.Price,
			fmt.Sprintf("%s %s condition met at %.2f", intent.Side, intent.Symbol, intent.Price)))
	}
	if e.policyEngine != nil {
		e.policyEngine.RecordOrder(ref.UserID, e.now())
	}

	return e.send(ctx, gw, ref, intent, wa)
}

// PlannedOrder намерение, write-ahead которого уже лежит в записи сетки
type PlannedOrder struct {
	Intent     domain.OrderIntent
	WriteAhead *domain.WriteAhead
}

// BlockedIntent намерение, отклоненное policy до записи
type BlockedIntent struct {
	Intent domain.OrderIntent
	Reason string
}

// LadderPlan результат PlanLadder. Stopped != nil: kill switch, намерения отброшены.
type LadderPlan struct {
	Orders  []PlannedOrder
	Blocked []BlockedIntent
	Stopped error
}

// PlanLadder вызывается внутри UpdateLadder, в той же записи, что и новая цена:
// каждый допущенный уровень получает write-ahead до сохранения. Пересечение
// не теряется, даже если процесс упадет до отправки.
func (e *Executor) PlanLadder(ctx context.Context, l *domain.GridLadder, intents []domain.OrderIntent) LadderPlan {
	var plan LadderPlan
	if len(intents) == 0 {
		return plan
	}
	if err := e.checkKillSwitch(); err != nil {
		plan.Stopped = err
		return plan
	}

	ref := l.Ref()
	for _, intent := range intents {
		reason, err := e.validate(ctx, ref, intent)
		if err != nil {
			reason = err.Error()
		}
		if reason != "" {
			plan.Blocked = append(plan.Blocked, BlockedIntent{Intent: intent, Reason: reason})
			continue
		}

		wa := e.store.NewWriteAhead(intent)
		if err := l.BeginOrder(intent.LevelIndex, wa); err != nil {
			e.logger.Warn("⚠️ Ladder %s level %d skipped: %v", l.ID, intent.LevelIndex, err)
			continue
		}
		if e.policyEngine != nil {
			e.policyEngine.RecordOrder(ref.UserID, e.now())
		}
		copied := *wa
		plan.Orders = append(plan.Orders, PlannedOrder{Intent: intent, WriteAhead: &copied})
	}
	return plan
}

// SubmitPlanned отправляет ордер, записанный PlanLadder. Если kill switch включился
// после записи, ордер не уходит и уровень освобождается как lost.
func (e *Executor) SubmitPlanned(ctx context.Context, gw domain.BrokerGateway, ref domain.EntityRef, p PlannedOrder) (*SubmitResult, error) {
	key := claimKey(ref, p.Intent.LevelIndex)
	if !e.claim(key) {
		return nil, fmt.Errorf("%w: %s already in flight", domain.ErrConflict, key)
	}
	defer e.release(key)

	if err := e.checkKillSwitch(); err != nil {
		out := domain.Outcome{Kind: domain.OutcomeLost, Reason: "not sent: " + err.Error(), At: e.now()}
		if cerr := e.commit(ctx, ref, p.Intent, p.WriteAhead.ClientOrderID, out); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return e.send(ctx, gw, ref, p.Intent, p.WriteAhead)
}

// ReportBlocked событие и журнал для намерения, отклоненного policy
// Уровень сетки остается взведенным.
func (e *Executor) ReportBlocked(ctx context.Context, ref domain.EntityRef, b BlockedIntent) {
	_ = e.failByPolicy(ctx, ref, b.Intent, b.Reason)
}

// send PlaceOrder и фиксация. Вызов доводится до конца даже при остановке наблюдателя.
func (e *Executor) send(ctx context.Context, gw domain.BrokerGateway, ref domain.EntityRef, intent domain.OrderIntent, wa *domain.WriteAhead) (*SubmitResult, error) {
	wctx := context.WithoutCancel(ctx)
	handle, placeErr := gw.PlaceOrder(wctx, wa.Request)

	res := &SubmitResult{ClientOrderID: wa.ClientOrderID}
	var outcome *domain.Outcome
	switch {
	case placeErr == nil:
		outcome = outcomeFromHandle(handle, e.now())
	case errors.Is(placeErr, domain.ErrRejected):
		outcome = &domain.Outcome{Kind: domain.OutcomeRejected, Reason: placeErr.Error(), At: e.now()}
	}

	if outcome == nil {
		e.logger.Warn("⚠️ Order %s for %s has unknown outcome: %v", wa.ClientOrderID, ref, placeErr)
		e.notifyUnknown(wctx, ref, intent, wa.ClientOrderID, placeErr)
		e.appendLog(wctx, ref, intent, wa.ClientOrderID, ResultUnknown, placeErr.Error())
		metrics.IncOrder(ref.Kind, intent.Side, ResultUnknown)
		return res, fmt.Errorf("%w: %v", domain.ErrUnknownOutcome, placeErr)
	}

	res.Outcome = outcome
	e.recordResult(outcome.Kind == domain.OutcomeRejected)
	if err := e.commit(wctx, ref, intent, wa.ClientOrderID, *outcome); err != nil {
		return res, err
	}
	if outcome.Kind == domain.OutcomeRejected {
		return res, fmt.Errorf("%w: %s", domain.ErrRejected, outcome.Reason)
	}
	return res, nil
}

func (e *Executor) checkKillSwitch() error {
	if e.killSwitch != nil && e.killSwitch.IsActive() {
		return fmt.Errorf("%w: %s", domain.ErrEmergencyStop, e.killSwitch.GetStatus().Reason)
	}
	return nil
}

// validate возвращает причину отказа policy или "" если ордер допущен
func (e *Executor) validate(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent) (string, error) {
	if e.policyEngine == nil {
		return "", nil
	}
	validation, err := e.policyEngine.ValidateAction(ctx, policy.ActionRequest{
		UserID:    ref.UserID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		TradeType: intent.TradeType,
		Quantity:  intent.Quantity,
		Price:     intentPrice(intent),
	})
	if err != nil {
		return "", fmt.Errorf("policy validation error: %w", err)
	}
	if !validation.Approved {
		return validation.Reason(), nil
	}
	return "", nil
}

// InFlight true, пока Submit по триггеру не зафиксировал результат
func (e *Executor) InFlight(ref domain.EntityRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[claimKey(ref, -1)]
	return ok
}

// commit сохраняет исход и рассылает события, журнал и метрики
func (e *Executor) commit(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent, clientOrderID string, out domain.Outcome) error {
	if err := e.store.CommitResult(ctx, ref, clientOrderID, out); err != nil {
		// write-ahead остается, исход подберет сверка
		e.logger.Error("❌ Failed to commit %s for %s: %v", clientOrderID, ref, err)
		return fmt.Errorf("failed to commit order %s: %w", clientOrderID, err)
	}

	result := ResultAccepted
	message := fmt.Sprintf("%s %.8g %s accepted", intent.Side, intent.Quantity, intent.Symbol)
	switch out.Kind {
	case domain.OutcomeFilled:
		result = ResultFilled
		message = fmt.Sprintf("%s %.8g %s filled at %.2f", intent.Side, intent.Quantity, intent.Symbol, out.FilledPrice)
		typ := domain.EventOrderFilled
		if ref.Kind == domain.KindLadder {
			typ = domain.EventLevelFilled
		}
		e.emit(orderEvent(typ, ref, intent, out.BrokerOrderID, out.FilledPrice, message))
		e.checkSlippage(ref, intent, out)
	case domain.OutcomeAccepted:
		e.emit(orderEvent(domain.EventOrderSubmitted, ref, intent, out.BrokerOrderID, intentPrice(intent), message))
	case domain.OutcomeRejected, domain.OutcomeLost:
		result = ResultRejected
		if out.Kind == domain.OutcomeLost {
			result = ResultLost
		}
		message = fmt.Sprintf("%s %s %s: %s", intent.Side, intent.Symbol, result, out.Reason)
		e.emit(orderEvent(domain.EventOrderFailed, ref, intent, clientOrderID, intentPrice(intent), message))
	}

	e.appendLog(ctx, ref, intent, clientOrderID, result, message)
	metrics.IncOrder(ref.Kind, intent.Side, result)
	e.logger.Info("📝 %s %s: %s", ref, clientOrderID, message)
	return nil
}

// checkSlippage событие Slippage, если цена исполнения ушла от цены срабатывания дальше порога
func (e *Executor) checkSlippage(ref domain.EntityRef, intent domain.OrderIntent, out domain.Outcome) {
	slip, exceeded := e.slippageGuard.Exceeded(out.FilledPrice, intentPrice(intent))
	if !exceeded {
		return
	}
	metrics.IncSlippage(ref.Kind)
	msg := fmt.Sprintf("%s %s filled at %.2f, expected %.2f (slippage %.2f%%)",
		intent.Side, intent.Symbol, out.FilledPrice, intentPrice(intent), slip)
	e.emit(orderEvent(domain.EventSlippage, ref, intent, out.BrokerOrderID, out.FilledPrice, msg))
	e.logger.Warn("⚠️ Slippage %.2f%% on %s", slip, ref)
}

// failByPolicy: триггер уходит в failed, уровень сетки остается взведенным
func (e *Executor) failByPolicy(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent, reason string) error {
	if ref.Kind == domain.KindTrigger {
		_, err := e.store.UpdateTrigger(ctx, ref.UserID, ref.ID, func(o *domain.TriggerOrder) error {
			if err := o.Transition(domain.TriggerFailed, e.now()); err != nil {
				return err
			}
			o.FailureReason = reason
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to mark trigger %s failed: %w", ref.ID, err)
		}
	}

	message := fmt.Sprintf("%s %s blocked by policy: %s", intent.Side, intent.Symbol, reason)
	e.emit(orderEvent(domain.EventOrderFailed, ref, intent, "", intentPrice(intent), message))
	e.appendLog(ctx, ref, intent, "", ResultPolicy, message)
	metrics.IncOrder(ref.Kind, intent.Side, ResultPolicy)
	e.logger.Warn("⛔ %s: %s", ref, message)
	return fmt.Errorf("%w: %s", domain.ErrRiskLimitExceeded, reason)
}

// notifyUnknown ReconciliationNeeded ровно один раз на ордер
func (e *Executor) notifyUnknown(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent, clientOrderID string, cause error) {
	first, err := e.store.MarkReconcileNotified(ctx, ref, clientOrderID)
	if err != nil {
		e.logger.Error("❌ Failed to mark %s for reconciliation: %v", clientOrderID, err)
		return
	}
	if !first {
		return
	}
	msg := fmt.Sprintf("order %s outcome unknown, reconciling", clientOrderID)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	e.emit(orderEvent(domain.EventReconciliationNeeded, ref, intent, clientOrderID, intentPrice(intent), msg))
}

func (e *Executor) recordResult(rejected bool) {
	if e.policyEngine == nil {
		return
	}
	if ev := e.policyEngine.RecordResult(rejected); ev != nil {
		if ev.Action == policy.ActionKillSwitch && e.killSwitch != nil {
			e.killSwitch.Activate("circuit breaker: " + ev.Reason)
			return
		}
		e.logger.Warn("⚠️ Circuit breaker: %s", ev.Reason)
	}
}

func (e *Executor) appendLog(ctx context.Context, ref domain.EntityRef, intent domain.OrderIntent, clientOrderID, result, message string) {
	err := e.store.AppendOrderLog(ctx, &domain.OrderLog{
		UserID:        ref.UserID,
		EntityKind:    ref.Kind,
		EntityID:      ref.ID,
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         intentPrice(intent),
		Result:        result,
		Message:       message,
		CreatedAt:     e.now(),
	})
	if err != nil {
		e.logger.Error("❌ Failed to save order log: %v", err)
	}
}

func (e *Executor) emit(ev domain.Event) {
	if e.sink == nil {
		return
	}
	ev.CreatedAt = e.now()
	e.sink.Emit(ev)
}

func (e *Executor) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

func claimKey(ref domain.EntityRef, levelIndex int) string {
	if ref.Kind == domain.KindTrigger || levelIndex < 0 {
		return ref.String()
	}
	return fmt.Sprintf("%s#%d", ref, levelIndex)
}

func intentPrice(intent domain.OrderIntent) float64 {
	if intent.OrderType == domain.OrderTypeLimit && intent.LimitPrice > 0 {
		return intent.LimitPrice
	}
	return intent.Price
}

// outcomeFromHandle переводит ответ брокера в исход для commit
func outcomeFromHandle(h *domain.OrderHandle, at time.Time) *domain.Outcome {
	out := &domain.Outcome{Kind: domain.OutcomeAccepted, At: at}
	if h == nil {
		return out
	}
	out.BrokerOrderID = h.OrderID
	switch h.Status {
	case domain.OrderStatusFilled:
		out.Kind = domain.OutcomeFilled
		out.FilledQty = h.FilledQty
		out.FilledPrice = h.AvgPrice
	case domain.OrderStatusRejected:
		out.Kind = domain.OutcomeRejected
		out.Reason = "rejected by broker"
	case domain.OrderStatusCancelled:
		out.Kind = domain.OutcomeRejected
		out.Reason = "cancelled by broker"
	}
	return out
}

func orderEvent(typ string, ref domain.EntityRef, intent domain.OrderIntent, orderID string, price float64, msg string) domain.Event {
	return domain.Event{
		Type:       typ,
		UserID:     ref.UserID,
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Price:      price,
		Quantity:   intent.Quantity,
		LevelIndex: intent.LevelIndex,
		OrderID:    orderID,
		Message:    msg,
	}
}
