package models

import "time"

type OrderSide string
type OrderType string
type OrderStatus string
type OrderRole string
type Direction string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"

	OrderRoleEntry  OrderRole = "ENTRY"
	OrderRoleStop   OrderRole = "STOP"
	OrderRoleTarget OrderRole = "TARGET"
	OrderRoleClose  OrderRole = "CLOSE"

	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

type Order struct {
	ID           string      `json:"id"`
	LinkID       string      `json:"link_id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Role         OrderRole   `json:"role"`
	Price        float64     `json:"price"`
	TriggerPrice float64     `json:"trigger_price"`
	Qty          float64     `json:"qty"`
	FilledQty    float64     `json:"filled_qty"`
	AvgPrice     float64     `json:"avg_price"`
	Status       OrderStatus `json:"status"`
	Sequence     int64       `json:"sequence"`
	CreateTime   time.Time   `json:"create_time"`
	UpdateTime   time.Time   `json:"update_time"`
	IsReduce     bool        `json:"is_reduce"`
	TimeInForce  string      `json:"time_in_force"`
	QtyStep      float64     `json:"-"`
	PriceStep    float64     `json:"-"`
}

type Fill struct {
	OrderID   string    `json:"order_id"`
	LinkID    string    `json:"link_id"`
	ExecID    string    `json:"exec_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// TradePlanStatus: жизненный цикл плана сделки.
type TradePlanStatus string

const (
	PlanStatusPlanned   TradePlanStatus = "PLANNED"
	PlanStatusSubmitted TradePlanStatus = "SUBMITTED"
	PlanStatusFilled    TradePlanStatus = "FILLED"
	PlanStatusCancelled TradePlanStatus = "CANCELLED"
	PlanStatusFailed    TradePlanStatus = "FAILED"
)

// TradePlan: полностью рассчитанный план сделки. Stop, TP и R фиксируются
// при создании и не пересчитываются после подтверждения входа.
type TradePlan struct {
	ID                 string          `json:"id"`
	CreatedAt          time.Time       `json:"created_at"`
	EvalTimestamp      time.Time       `json:"eval_timestamp"`
	Symbol             string          `json:"symbol"`
	BundleVersion      int             `json:"bundle_version"`
	Direction          Direction       `json:"direction"`
	EntryPrice         float64         `json:"entry_price"`
	StopPrice          float64         `json:"stop_price"`
	TPPrice            float64         `json:"tp_price"`
	RValue             float64         `json:"r_value"`
	RiskFraction       float64         `json:"risk_fraction"`
	EquityTotal        float64         `json:"equity_total"`
	EquityAvailable    float64         `json:"equity_available"`
	RiskIntentAmount   float64         `json:"risk_intent_amount"`
	MarginRequired     float64         `json:"margin_required"`
	CapitalConstrained bool            `json:"capital_constrained"`
	RealisedRiskAtStop float64         `json:"realised_risk_at_stop"`
	Qty                float64         `json:"qty"`
	Status             TradePlanStatus `json:"status"`
	FailureReason      string          `json:"failure_reason,omitempty"`
}

type PositionStatus string

const (
	PositionOpening PositionStatus = "OPENING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
)

// Live сообщает, занимает ли позиция глобальный слот (OPENING/OPEN/CLOSING).
func (s PositionStatus) Live() bool {
	return s == PositionOpening || s == PositionOpen || s == PositionClosing
}

type ExitReason string

const (
	ExitReasonTP             ExitReason = "TP"
	ExitReasonSL             ExitReason = "SL"
	ExitReasonTrendInvalid   ExitReason = "TREND_INVALID"
	ExitReasonVolContraction ExitReason = "VOL_CONTRACTION"
	ExitReasonMomentumFail   ExitReason = "MOMENTUM_FAIL"
	ExitReasonFundingExtreme ExitReason = "FUNDING_EXTREME"
	ExitReasonSafetyHalt     ExitReason = "SAFETY_HALT"
)

type Position struct {
	ID           string         `json:"id"`
	TradePlanID  string         `json:"trade_plan_id"`
	Symbol       string         `json:"symbol"`
	Direction    Direction      `json:"direction"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	EntryAvg     float64        `json:"entry_avg"`
	ExitAvg      float64        `json:"exit_avg"`
	QtyFilled    float64        `json:"qty_filled"`
	QtyClosed    float64        `json:"qty_closed"`
	PnLRealised  float64        `json:"pnl_realised"`
	RRealised    float64        `json:"r_realised"`
	ExitReason   ExitReason     `json:"exit_reason,omitempty"`
	Status       PositionStatus `json:"status"`
	LossesAtOpen int            `json:"losses_at_open"`
}

type OrderEventKind string

const (
	OrderEventSubmitted   OrderEventKind = "SUBMITTED"
	OrderEventAck         OrderEventKind = "ACK"
	OrderEventRejected    OrderEventKind = "REJECTED"
	OrderEventPartialFill OrderEventKind = "PARTIAL_FILL"
	OrderEventFill        OrderEventKind = "FILL"
	OrderEventCancelled   OrderEventKind = "CANCELLED"
	OrderEventExpired     OrderEventKind = "EXPIRED"
	OrderEventError       OrderEventKind = "ERROR"
)

// OrderEvent: append-only запись одного взаимодействия с биржей.
// Никогда не изменяется и не удаляется.
type OrderEvent struct {
	ID              string         `json:"id"`
	TradePlanID     string         `json:"trade_plan_id"`
	PositionID      string         `json:"position_id,omitempty"`
	Symbol          string         `json:"symbol"`
	Role            OrderRole      `json:"role"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	ClientOrderID   string         `json:"client_order_id"`
	Kind            OrderEventKind `json:"kind"`
	EventTime       time.Time      `json:"event_time"`
	Price           float64        `json:"price,omitempty"`
	Qty             float64        `json:"qty,omitempty"`
	Note            string         `json:"note,omitempty"`
}

// CooldownState: единственная на процесс запись. Снимается только когда
// тик наблюдает закрытие HTF-свечи не раньше ReleaseAfter, не по часам.
type CooldownState struct {
	Active            bool       `json:"active"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	ReleaseAfter      *time.Time `json:"release_after,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HaltState: единственная на процесс запись, меняет её только Safety Supervisor.
type HaltState struct {
	Halted    bool       `json:"halted"`
	Reason    string     `json:"reason,omitempty"`
	HaltedAt  *time.Time `json:"halted_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type TrendState string
type GateState string

const (
	TrendBull    TrendState = "BULL"
	TrendBear    TrendState = "BEAR"
	TrendNeutral TrendState = "NEUTRAL_BUFFER"

	GatePass    GateState = "PASS"
	GateFail    GateState = "FAIL"
	GateUnknown GateState = "UNKNOWN"
)

// EligibleSignal: факт пригодности инструмента за один тик. Неизменяем.
type EligibleSignal struct {
	Symbol             string     `json:"symbol"`
	Direction          Direction  `json:"direction"`
	EvalTimestamp      time.Time  `json:"eval_timestamp"`
	TrendState         TrendState `json:"trend_state"`
	VolGateState       GateState  `json:"vol_gate_state"`
	MomentumState      GateState  `json:"momentum_state"`
	FundingState       GateState  `json:"funding_state"`
	Eligible           bool       `json:"eligible"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	TrendStrengthScore float64    `json:"trend_strength_score"`
	VolExpansionScore  float64    `json:"vol_expansion_score"`
	LiquidityRank      int        `json:"liquidity_rank"`
	PriorityIndex      int        `json:"priority_index"`
}

type VolGateType string

const (
	VolGateATRAboveMA    VolGateType = "ATR_GT_ATRMA"
	VolGateATRPercentile VolGateType = "ATR_PERCENTILE"
)

// ParameterBundle: версионированный набор констант стратегии для инструмента.
// Публикуется подсистемой оптимизации, активируется только при FLAT.
type ParameterBundle struct {
	Symbol             string      `json:"symbol"`
	Version            int         `json:"version"`
	ATRStopMultiplier  float64     `json:"atr_stop_multiplier"`
	VolGateType        VolGateType `json:"vol_gate_type"`
	ATRMALength        int         `json:"atr_ma_length,omitempty"`
	ATRPercentileFloor int         `json:"atr_percentile_floor,omitempty"`
	RSIReference       int         `json:"rsi_reference"`
	Active             bool        `json:"active"`
	ActiveFrom         time.Time   `json:"active_from"`
}

type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// SideForEntry возвращает сторону входного ордера для направления позиции.
func (d Direction) SideForEntry() OrderSide {
	if d == DirectionLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// SideForClose возвращает сторону закрывающего ордера.
func (d Direction) SideForClose() OrderSide {
	if d == DirectionLong {
		return OrderSideSell
	}
	return OrderSideBuy
}
