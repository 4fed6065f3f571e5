package ws

import (
	"context"
)

func (w *Client) SubscribeToTopics(ctx context.Context, symbols []string, topics []string) error {
	w.symbols = symbols
	w.topics = topics

	msg := SubscribeMessage{
		Op:   "subscribe",
		Args: topics,
	}

	return w.conn.WriteJSON(msg)
}
