package policy

import "time"

// Policy представляет профиль риск-менеджмента
type Policy struct {
	ProfileName       string           `yaml:"profile_name"`
	MaxOrderValue     float64          `yaml:"max_order_value"`
	TradesPerHour     int              `yaml:"trades_per_hour"`
	AllowedTradeTypes []string         `yaml:"allowed_trade_types"`
	SlippageThreshold float64          `yaml:"slippage_threshold"`
	CircuitBreakers   []CircuitBreaker `yaml:"circuit_breakers"`
}

// CircuitBreaker описывает автоматический предохранитель
type CircuitBreaker struct {
	Type      string  `yaml:"type"`      // consecutive_rejections
	Threshold float64 `yaml:"threshold"` // Пороговое значение
	Action    string  `yaml:"action"`    // killswitch, warn
}

// Типы предохранителей и действий
const (
	BreakerConsecutiveRejections = "consecutive_rejections"
	ActionKillSwitch             = "killswitch"
	ActionWarn                   = "warn"
)

// ActionRequest представляет запрос на отправку ордера
type ActionRequest struct {
	UserID    string  `json:"user_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	TradeType string  `json:"trade_type"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
}

// Value стоимость ордера
func (a ActionRequest) Value() float64 {
	return a.Quantity * a.Price
}

// ValidationResult результат проверки действия политикой
type ValidationResult struct {
	Approved   bool
	Violations []Violation
	CheckedAt  time.Time
}

// Reason первое критическое нарушение
func (r *ValidationResult) Reason() string {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return v.Message
		}
	}
	return ""
}

// Violation описывает нарушение политики
type Violation struct {
	Type           string // order_size, trade_frequency, trade_type
	LimitName      string
	LimitValue     float64
	AttemptedValue float64
	Severity       string // warning, critical
	Message        string
}

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// CircuitBreakerEvent событие срабатывания предохранителя
type CircuitBreakerEvent struct {
	Reason string
	Action string
}

// RiskMetrics текущие метрики риска
type RiskMetrics struct {
	TradesLastHour        map[string]int `json:"trades_last_hour"`
	ConsecutiveRejections int            `json:"consecutive_rejections"`
	LastUpdated           time.Time      `json:"last_updated"`
}
