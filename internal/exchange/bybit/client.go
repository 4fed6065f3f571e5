package bybit

import (
	"context"
	"net/http"
	"time"

	"perpbot/internal/exchange"
	"perpbot/internal/exchange/bybit/ws"
	"perpbot/internal/logger"
)

type Client struct {
	baseURL  string
	wsURL    string
	category string
	apiKey   string
	secret   string

	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL, wsURL, category, apiKey, secret string, log *logger.Logger) *Client {
	if category == "" {
		category = "linear"
	}
	return &Client{
		baseURL:  baseURL,
		wsURL:    wsURL,
		category: category,
		apiKey:   apiKey,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *Client) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	wsClient, err := ws.New(c.wsURL, c.apiKey, c.secret, c.log)
	if err != nil {
		return nil, err
	}
	if err := wsClient.Connect(ctx); err != nil {
		return nil, err
	}

	topics := []string{"order", "execution"}
	if err := wsClient.SubscribeToTopics(ctx, symbols, topics); err != nil {
		return nil, err
	}

	return wsClient.Events(), nil
}
