package domain

// Order sides
const (
	SideBuy     = "BUY"
	SideSell    = "SELL"
	SideNeutral = "NEUTRAL"
)

// Last action of a grid level
const (
	ActionNone   = "none"
	ActionBought = "bought"
	ActionSold   = "sold"
)

// Ladder statuses
const (
	LadderStopped = "stopped"
	LadderRunning = "running"
	LadderHalted  = "halted"
)

// Trigger order statuses
const (
	TriggerPending   = "pending"
	TriggerTriggered = "triggered"
	TriggerSubmitted = "submitted"
	TriggerFilled    = "filled"
	TriggerFailed    = "failed"
	TriggerCancelled = "cancelled"
	TriggerExpired   = "expired"
)

// Condition operators
const (
	OpGreaterOrEqual = ">="
	OpLessOrEqual    = "<="
	OpEqual          = "="
)

// Order types
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Trade types
const (
	TradeCash      = "cash"
	TradeDayTrade  = "day_trade"
	TradeMarginBuy = "margin_buy"
	TradeShortSell = "short_sell"
)

// Broker order statuses
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// Entity kinds in the state store
const (
	KindLadder  = "grid"
	KindTrigger = "trigger"
)

// Event types
const (
	EventLevelFilled          = "LevelFilled"
	EventOrderTriggered       = "OrderTriggered"
	EventOrderSubmitted       = "OrderSubmitted"
	EventOrderFilled          = "OrderFilled"
	EventOrderFailed          = "OrderFailed"
	EventOrderExpired         = "OrderExpired"
	EventBoundaryReached      = "BoundaryReached"
	EventReconciliationNeeded = "ReconciliationNeeded"
	EventStaleOrder           = "StaleOrder"
	EventLadderHalted         = "LadderHalted"
	EventRiskLimit            = "RiskLimit"
	EventStatusReport         = "StatusReport"
	EventSlippage             = "Slippage"
)

// Outcome kinds committed to the state store
const (
	OutcomeAccepted = "accepted"
	OutcomeFilled   = "filled"
	OutcomeRejected = "rejected"
	OutcomeLost     = "lost"
)

// Broker names
const (
	BrokerPaper  = "paper"
	BrokerBybit  = "bybit"
	BrokerAlpaca = "alpaca"
)

// Bybit constants
const (
	BybitCategorySpot   = "spot"
	BybitAccountUnified = "UNIFIED"
	BybitRecvWindow     = "5000"
)

// Limits
const (
	MaxGridsPerUser = 50
	MinLevelCount   = 2
)
