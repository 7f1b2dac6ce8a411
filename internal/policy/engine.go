package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultProfile профиль, если POLICY_PROFILE не задан
const DefaultProfile = "moderate"

// Engine движок policy-based risk management для отдельных ордеров
type Engine struct {
	mu                    sync.Mutex
	policy                *Policy
	trades                map[string][]time.Time
	consecutiveRejections int
	tripped               bool
	now                   func() time.Time
}

// NewEngine создает policy engine из YAML файла
func NewEngine(policyPath, profileName string) (*Engine, error) {
	policy, err := loadPolicy(policyPath, profileName)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return NewEngineFromPolicy(*policy), nil
}

// NewEngineFromPolicy создает engine с готовой политикой
func NewEngineFromPolicy(p Policy) *Engine {
	return &Engine{
		policy: &p,
		trades: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetClock подменяет часы (для тестов)
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// loadPolicy загружает policy из YAML
func loadPolicy(path, profileName string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config struct {
		RiskProfiles map[string]Policy `yaml:"risk_profiles"`
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	if profileName == "" {
		profileName = DefaultProfile
	}

	policy, ok := config.RiskProfiles[profileName]
	if !ok {
		return nil, fmt.Errorf("policy profile %s not found", profileName)
	}

	policy.ProfileName = profileName
	return &policy, nil
}

// ValidateAction проверяет ордер на соответствие политике
func (e *Engine) ValidateAction(_ context.Context, action ActionRequest) (*ValidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	result := &ValidationResult{
		Approved:   true,
		Violations: []Violation{},
		CheckedAt:  now,
	}

	if !e.tradeTypeAllowed(action.TradeType) {
		result.Violations = append(result.Violations, Violation{
			Type:      "trade_type",
			LimitName: "allowed_trade_types",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("Trade type %s is not allowed by profile %s", action.TradeType, e.policy.ProfileName),
		})
	}

	// Проверка размера ордера
	if value := action.Value(); e.policy.MaxOrderValue > 0 && value > e.policy.MaxOrderValue {
		result.Violations = append(result.Violations, Violation{
			Type:           "order_size",
			LimitName:      "max_order_value",
			LimitValue:     e.policy.MaxOrderValue,
			AttemptedValue: value,
			Severity:       SeverityCritical,
			Message:        fmt.Sprintf("Order value %.2f exceeds limit %.2f", value, e.policy.MaxOrderValue),
		})
	}

	// Проверка частоты трейдов
	if e.policy.TradesPerHour > 0 {
		count := len(e.recentTrades(action.UserID, now))
		if count >= e.policy.TradesPerHour {
			result.Violations = append(result.Violations, Violation{
				Type:           "trade_frequency",
				LimitName:      "trades_per_hour",
				LimitValue:     float64(e.policy.TradesPerHour),
				AttemptedValue: float64(count + 1),
				Severity:       SeverityCritical,
				Message:        fmt.Sprintf("Hourly trade limit %d reached", e.policy.TradesPerHour),
			})
		}
	}

	// Если есть critical нарушения - отклоняем
	for _, v := range result.Violations {
		if v.Severity == SeverityCritical {
			result.Approved = false
		}
	}

	return result, nil
}

// RecordOrder учитывает отправленный ордер в лимите trades_per_hour
func (e *Engine) RecordOrder(userID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades[userID] = append(e.recentTrades(userID, at), at)
}

// RecordResult учитывает ответ брокера. Возвращает событие, если
// серия отказов подряд достигла порога предохранителя.
func (e *Engine) RecordResult(rejected bool) *CircuitBreakerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !rejected {
		e.consecutiveRejections = 0
		e.tripped = false
		return nil
	}
	e.consecutiveRejections++

	for _, cb := range e.policy.CircuitBreakers {
		if cb.Type != BreakerConsecutiveRejections || cb.Threshold <= 0 {
			continue
		}
		if !e.tripped && float64(e.consecutiveRejections) >= cb.Threshold {
			e.tripped = true
			return &CircuitBreakerEvent{
				Reason: fmt.Sprintf("%d consecutive rejections >= %.0f", e.consecutiveRejections, cb.Threshold),
				Action: cb.Action,
			}
		}
	}
	return nil
}

// recentTrades отсекает записи старше часа, вызывается под e.mu
func (e *Engine) recentTrades(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	trades := e.trades[userID]
	i := 0
	for i < len(trades) && !trades[i].After(cutoff) {
		i++
	}
	trades = trades[i:]
	e.trades[userID] = trades
	return trades
}

func (e *Engine) tradeTypeAllowed(tradeType string) bool {
	if len(e.policy.AllowedTradeTypes) == 0 {
		return true
	}
	for _, t := range e.policy.AllowedTradeTypes {
		if t == tradeType {
			return true
		}
	}
	return false
}

// GetPolicy возвращает текущую политику
func (e *Engine) GetPolicy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.policy
}

// GetMetrics возвращает снимок текущих метрик
func (e *Engine) GetMetrics() RiskMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	m := RiskMetrics{
		TradesLastHour:        make(map[string]int, len(e.trades)),
		ConsecutiveRejections: e.consecutiveRejections,
		LastUpdated:           now,
	}
	for user := range e.trades {
		if n := len(e.recentTrades(user, now)); n > 0 {
			m.TradesLastHour[user] = n
		}
	}
	return m
}
