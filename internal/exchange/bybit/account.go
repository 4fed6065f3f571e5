package bybit

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

func (c *Client) GetAccountState(ctx context.Context) (exchange.AccountState, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	var resp bybitResponse[struct {
		List []struct {
			TotalEquity         string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &resp); err != nil {
		return exchange.AccountState{}, err
	}
	if len(resp.Result.List) == 0 {
		return exchange.AccountState{}, nil
	}

	account := resp.Result.List[0]
	return exchange.AccountState{
		TotalEquity:     parseFloatOrZero(account.TotalEquity),
		AvailableEquity: parseFloatOrZero(account.TotalAvailableBalance),
	}, nil
}

func (c *Client) GetAccountConfig(ctx context.Context, symbol string) (exchange.AccountConfig, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Leverage  string `json:"leverage"`
			TradeMode int    `json:"tradeMode"`
			LiqPrice  string `json:"liqPrice"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &resp); err != nil {
		return exchange.AccountConfig{}, err
	}
	if len(resp.Result.List) == 0 {
		return exchange.AccountConfig{Symbol: symbol, Leverage: 1, MarginMode: "isolated"}, nil
	}

	item := resp.Result.List[0]
	leverage, _ := strconv.Atoi(strings.TrimSuffix(item.Leverage, ".0"))
	if leverage == 0 {
		lev := parseFloatOrZero(item.Leverage)
		leverage = int(lev)
	}

	marginMode := "cross"
	if item.TradeMode == 1 {
		marginMode = "isolated"
	}

	return exchange.AccountConfig{
		Symbol:     symbol,
		Leverage:   leverage,
		MarginMode: marginMode,
		LiqPrice:   parseFloatOrZero(item.LiqPrice),
	}, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (exchange.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
			LiqPrice string `json:"liqPrice"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &resp); err != nil {
		return exchange.PositionSnapshot{}, err
	}

	for _, item := range resp.Result.List {
		size := parseFloatOrZero(item.Size)
		if size == 0 {
			continue
		}
		direction := models.DirectionLong
		if item.Side == "Sell" {
			direction = models.DirectionShort
		}
		return exchange.PositionSnapshot{
			Symbol:     item.Symbol,
			Direction:  direction,
			Qty:        size,
			EntryPrice: parseFloatOrZero(item.AvgPrice),
			LiqPrice:   parseFloatOrZero(item.LiqPrice),
		}, nil
	}
	return exchange.PositionSnapshot{Symbol: symbol}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]any{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}

	var resp bybitResponse[struct{}]

	err := c.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, true, &resp)
	if err != nil && isLeverageNotModified(err) {
		return nil
	}
	return err
}

func (c *Client) SetIsolatedMargin(ctx context.Context, symbol string) error {
	body := map[string]any{
		"category":     c.category,
		"symbol":       symbol,
		"tradeMode":    1,
		"buyLeverage":  "1",
		"sellLeverage": "1",
	}

	var resp bybitResponse[struct{}]

	err := c.doRequest(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, body, true, &resp)
	if err != nil && isMarginNotModified(err) {
		return nil
	}
	return err
}

func isLeverageNotModified(err error) bool {
	return strings.Contains(err.Error(), "110043") || strings.Contains(err.Error(), "leverage not modified")
}

func isMarginNotModified(err error) bool {
	return strings.Contains(err.Error(), "110026") || strings.Contains(err.Error(), "Cross/isolated margin mode is not modified")
}
