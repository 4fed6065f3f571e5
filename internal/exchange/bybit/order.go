package bybit

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perpbot/internal/models"
)

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {

	body := map[string]any{
		"category":    c.category,
		"symbol":      order.Symbol,
		"side":        sideToAPI(order.Side),
		"orderType":   orderTypeToAPI(order.Type),
		"qty":         formatWithStep(order.Qty, order.QtyStep),
		"orderLinkId": order.LinkID,
	}

	switch order.Type {
	case models.OrderTypeLimit:
		body["price"] = formatWithStep(order.Price, order.PriceStep)
		body["timeInForce"] = order.TimeInForce
	case models.OrderTypeStopMarket:
		// Условный market: triggerPrice вместо price.
		body["orderType"] = "Market"
		body["triggerPrice"] = formatWithStep(order.TriggerPrice, order.PriceStep)
		body["triggerDirection"] = triggerDirection(order)
	case models.OrderTypeMarket:
		if order.TimeInForce != "" {
			body["timeInForce"] = order.TimeInForce
		}
	}

	if order.IsReduce {
		body["reduceOnly"] = true
	}

	var resp bybitResponse[struct {
		OrderID string `json:"orderId"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		return models.Order{}, err
	}

	order.ID = resp.Result.OrderID
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	var resp bybitResponse[struct{}]

	return c.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, &resp)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderLink    string `json:"orderLinkId"`
			Side         string `json:"side"`
			OrderType    string `json:"orderType"`
			Price        string `json:"price"`
			TriggerPrice string `json:"triggerPrice"`
			Qty          string `json:"qty"`
			LeavesQty    string `json:"leavesQty"`
			OrderStatus  string `json:"orderStatus"`
			IsReduceOnly bool   `json:"reduceOnly"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, nil, true, &resp); err != nil {
		return nil, err
	}

	var orders []models.Order
	for _, item := range resp.Result.List {
		qty := parseFloatOrZero(item.Qty)
		leaves := parseFloatOrZero(item.LeavesQty)

		orders = append(orders, models.Order{
			ID:           item.OrderID,
			LinkID:       item.OrderLink,
			Symbol:       symbol,
			Side:         sideFromAPI(item.Side),
			Type:         models.OrderType(item.OrderType),
			Price:        parseFloatOrZero(item.Price),
			TriggerPrice: parseFloatOrZero(item.TriggerPrice),
			Qty:          qty,
			FilledQty:    qty - leaves,
			Status:       statusFromAPI(item.OrderStatus),
			IsReduce:     item.IsReduceOnly,
		})
	}
	return orders, nil
}

func (c *Client) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[struct {
		List []struct {
			OrderID   string `json:"orderId"`
			OrderLink string `json:"orderLinkId"`
			ExecID    string `json:"execId"`
			Side      string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecFee   string `json:"execFee"`
			ExecTime  string `json:"execTime"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/execution/list", params, nil, true, &resp); err != nil {
		return nil, err
	}

	var fills []models.Fill
	for _, item := range resp.Result.List {
		tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)

		fills = append(fills, models.Fill{
			OrderID:   item.OrderID,
			LinkID:    item.OrderLink,
			ExecID:    item.ExecID,
			Symbol:    symbol,
			Side:      sideFromAPI(item.Side),
			Price:     parseFloatOrZero(item.ExecPrice),
			Qty:       parseFloatOrZero(item.ExecQty),
			Fee:       parseFloatOrZero(item.ExecFee),
			Timestamp: time.UnixMilli(tsMs),
		})
	}
	return fills, nil
}

func sideToAPI(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

func sideFromAPI(side string) models.OrderSide {
	if side == "Buy" {
		return models.OrderSideBuy
	}
	return models.OrderSideSell
}

func orderTypeToAPI(t models.OrderType) string {
	if t == models.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func statusFromAPI(status string) models.OrderStatus {
	switch status {
	case "New", "Untriggered":
		return models.OrderStatusNew
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Cancelled", "Deactivated":
		return models.OrderStatusCanceled
	case "Rejected":
		return models.OrderStatusRejected
	}
	return models.OrderStatus(status)
}

// Для стопа лонга триггер снизу (2), для шорта сверху (1).
func triggerDirection(order models.Order) int {
	if order.Side == models.OrderSideSell {
		return 2
	}
	return 1
}
