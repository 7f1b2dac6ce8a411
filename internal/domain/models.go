package domain

import "time"

// GridLadder представляет сетку уровней для одной пары (пользователь, символ)
type GridLadder struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	Symbol              string      `json:"symbol"`
	SymbolName          string      `json:"symbol_name,omitempty"`
	LowerPrice          float64     `json:"lower_price"`
	UpperPrice          float64     `json:"upper_price"`
	LevelCount          int         `json:"level_count"`
	QuantityPerLevel    float64     `json:"quantity_per_level"`
	PollIntervalSeconds int         `json:"poll_interval_seconds"`
	ReferencePrice      float64     `json:"reference_price"`
	OrderType           string      `json:"order_type"`
	TradeType           string      `json:"trade_type"`
	StopLossPrice       float64     `json:"stop_loss_price,omitempty"`
	TakeProfitPrice     float64     `json:"take_profit_price,omitempty"`
	MaxPosition         float64     `json:"max_position,omitempty"` // в единицах актива, 0 = без лимита
	MaxCapital          float64     `json:"max_capital,omitempty"`  // в валюте котировки, 0 = без лимита
	Status              string      `json:"status"`
	HaltReason          string      `json:"halt_reason,omitempty"`
	Levels              []GridLevel `json:"levels"`

	// Наблюдение за ценой
	LastPrice   float64 `json:"last_price,omitempty"`
	OutOfBounds string  `json:"out_of_bounds,omitempty"` // "", "below", "above"

	// Результаты исполнения
	NetQuantity float64 `json:"net_quantity"`
	NetCost     float64 `json:"net_cost"`
	FilledBuys  int     `json:"filled_buys"`
	FilledSells int     `json:"filled_sells"`

	Version     int64     `json:"version"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GridLevel представляет один ценовой уровень сетки
type GridLevel struct {
	Index      int         `json:"index"`
	Price      float64     `json:"price"`
	Side       string      `json:"side"`
	LastAction string      `json:"last_action"`
	Pending    *WriteAhead `json:"pending,omitempty"`
}

// PendingOrderID возвращает client order id ордера в полете или пустую строку
func (l *GridLevel) PendingOrderID() string {
	if l.Pending == nil {
		return ""
	}
	return l.Pending.ClientOrderID
}

// TriggerOrder условный ордер, исполняется один раз
type TriggerOrder struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	Symbol            string      `json:"symbol"`
	SymbolName        string      `json:"symbol_name,omitempty"`
	ConditionOperator string      `json:"condition_operator"`
	ThresholdPrice    float64     `json:"threshold_price"`
	OrderAction       string      `json:"order_action"`
	OrderType         string      `json:"order_type"`
	LimitPrice        float64     `json:"limit_price,omitempty"`
	TradeType         string      `json:"trade_type"`
	Quantity          float64     `json:"quantity"`
	Status            string      `json:"status"`
	Note              string      `json:"note,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	TriggeredPrice    float64     `json:"triggered_price,omitempty"`
	TriggeredAt       *time.Time  `json:"triggered_at,omitempty"`
	BrokerOrderID     string      `json:"broker_order_id,omitempty"`
	FilledPrice       float64     `json:"filled_price,omitempty"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	WriteAhead        *WriteAhead `json:"write_ahead,omitempty"`
	Version           int64       `json:"version"`
	CommittedAt       time.Time   `json:"committed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// WriteAhead запись "собираемся отправить" до любого сетевого вызова
type WriteAhead struct {
	ClientOrderID     string       `json:"client_order_id"`
	Request           OrderRequest `json:"request"`
	RecordedAt        time.Time    `json:"recorded_at"`
	Committed         bool         `json:"committed"`
	BrokerOrderID     string       `json:"broker_order_id,omitempty"`
	ReconcileNotified bool         `json:"reconcile_notified,omitempty"`
	StaleNotified     bool         `json:"stale_notified,omitempty"`
}

// OrderIntent решение движка отправить ордер
type OrderIntent struct {
	LevelIndex int // -1 для триггеров
	Symbol     string
	Side       string
	OrderType  string
	TradeType  string
	Quantity   float64
	LimitPrice float64
	Price      float64 // цена, при которой принято решение
}

// OrderRequest запрос на размещение ордера у брокера
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	TradeType     string  `json:"trade_type"`
	Quantity      float64 `json:"quantity"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
}

// OrderHandle ответ брокера по ордеру
type OrderHandle struct {
	OrderID       string
	ClientOrderID string
	Status        string
	FilledQty     float64
	AvgPrice      float64
}

// Quote последняя цена инструмента
type Quote struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Position позиция по символу
type Position struct {
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
}

// Balance баланс счета в валюте котировки
type Balance struct {
	Currency  string
	Cash      float64
	Available float64
}

// Outcome результат, фиксируемый в StateStore после ответа брокера
type Outcome struct {
	Kind          string // OutcomeAccepted, OutcomeFilled, OutcomeRejected, OutcomeLost
	BrokerOrderID string
	FilledQty     float64
	FilledPrice   float64
	Reason        string
	At            time.Time
}

// EntityRef адрес сущности в хранилище
type EntityRef struct {
	UserID string
	Kind   string
	ID     string
}

func (r EntityRef) String() string {
	return r.UserID + "/" + r.Kind + "/" + r.ID
}

// Event событие движка для NotificationSink
type Event struct {
	Type       string
	UserID     string
	EntityKind string
	EntityID   string
	Symbol     string
	Side       string
	Price      float64
	Quantity   float64
	LevelIndex int
	OrderID    string
	Message    string
	Data       map[string]interface{}
	CreatedAt  time.Time
}

// OrderLog запись журнала ордеров
type OrderLog struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	EntityKind    string    `db:"entity_kind" json:"entity_kind"`
	EntityID      string    `db:"entity_id" json:"entity_id"`
	ClientOrderID string    `db:"client_order_id" json:"client_order_id"`
	Symbol        string    `db:"symbol" json:"symbol"`
	Side          string    `db:"side" json:"side"`
	Quantity      float64   `db:"quantity" json:"quantity"`
	Price         float64   `db:"price" json:"price"`
	Result        string    `db:"result" json:"result"`
	Message       string    `db:"message" json:"message,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TriggerStats количество триггеров по статусам
type TriggerStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// StateRecord долговременная запись сущности: атомарно заменяется целиком
type StateRecord struct {
	UserID      string    `db:"user_id" json:"user_id"`
	Kind        string    `db:"kind" json:"kind"`
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Version     int64     `db:"version" json:"version"`
	Status      string    `db:"status" json:"status"`
	WriteAhead  bool      `db:"write_ahead" json:"write_ahead"`
	CommittedAt time.Time `db:"committed_at" json:"committed_at,omitempty"`
	Data        []byte    `db:"data" json:"data"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
