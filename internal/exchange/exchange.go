package exchange

import (
	"context"

	"perpbot/internal/models"
)

type EventType string

const (
	EventTypeOrder     EventType = "Order"
	EventTypeFill      EventType = "Fill"
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Order  *models.Order
	Fill   *models.Fill
	Ticker *models.Ticker
}

type InstrumentRules struct {
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
	BaseCoin    string
	QuoteCoin   string
}

// AccountConfig: отчёт биржи о режиме маржи и плече по инструменту.
// Preflight требует isolated и плечо 1x.
type AccountConfig struct {
	Symbol     string
	Leverage   int
	MarginMode string
	LiqPrice   float64
}

// AccountState: снимок капитала для расчёта размера позиции.
type AccountState struct {
	TotalEquity     float64
	AvailableEquity float64
}

// PositionSnapshot: позиция глазами биржи, используется при сверке на старте.
type PositionSnapshot struct {
	Symbol     string
	Direction  models.Direction
	Qty        float64
	EntryPrice float64
	LiqPrice   float64
}

type Client interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	GetAccountConfig(ctx context.Context, symbol string) (AccountConfig, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetIsolatedMargin(ctx context.Context, symbol string) error
	GetAccountState(ctx context.Context) (AccountState, error)
	GetPosition(ctx context.Context, symbol string) (PositionSnapshot, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	Subscribe(ctx context.Context, symbols []string) (<-chan Event, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetFills(ctx context.Context, symbol string) ([]models.Fill, error)
}
