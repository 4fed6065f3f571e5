package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	var resp bybitResponse[struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep        string `json:"qtyStep"`
				MinOrderQty    string `json:"minOrderQty"`
				MinNotionalVal string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}
	if len(resp.Result.List) == 0 {
		return exchange.InstrumentRules{}, fmt.Errorf("Торговая пара не найдена: %s", symbol)
	}

	info := resp.Result.List[0]

	return exchange.InstrumentRules{
		TickSize:    parseFloatOrZero(info.PriceFilter.TickSize),
		LotSize:     parseFloatOrZero(info.LotSizeFilter.QtyStep),
		MinQty:      parseFloatOrZero(info.LotSizeFilter.MinOrderQty),
		MinNotional: parseFloatOrZero(info.LotSizeFilter.MinNotionalVal),
		BaseCoin:    info.BaseCoin,
		QuoteCoin:   info.QuoteCoin,
	}, nil
}

func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("limit", "1")

	var resp bybitResponse[struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/funding/history", params, nil, false, &resp); err != nil {
		return 0, err
	}
	if len(resp.Result.List) == 0 {
		return 0, nil
	}
	return parseFloatOrZero(resp.Result.List[0].FundingRate), nil
}

var intervalByTimeframe = map[string]string{
	"1m": "1", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "4h": "240", "1d": "D",
}

func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	interval, ok := intervalByTimeframe[timeframe]
	if !ok {
		return nil, fmt.Errorf("Неизвестный таймфрейм: %s", timeframe)
	}

	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var resp bybitResponse[struct {
		List [][]string `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, &resp); err != nil {
		return nil, err
	}

	// Bybit отдаёт свечи от новых к старым, переворачиваем. Последняя свеча
	// ещё не закрыта и отбрасывается: решения принимаются только по закрытым.
	var candles []models.Candle
	for i := len(resp.Result.List) - 1; i >= 1; i-- {
		row := resp.Result.List[i]
		if len(row) < 6 {
			continue
		}
		startMs, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			CloseTime: time.UnixMilli(startMs).Add(timeframeDuration(timeframe)),
			Open:      parseFloatOrZero(row[1]),
			High:      parseFloatOrZero(row[2]),
			Low:       parseFloatOrZero(row[3]),
			Close:     parseFloatOrZero(row[4]),
			Volume:    parseFloatOrZero(row[5]),
		})
	}
	return candles, nil
}

func timeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	return 0
}
