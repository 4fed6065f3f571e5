package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

var errBundleNotFlat = errors.New("активация набора параметров запрещена: есть сделка в полёте")

const retryAttempts = 5

// withRetry: до пяти попыток с экспоненциальной паузой, при rate limit пауза
// длиннее. Каждая попытка попадает в окно Safety Supervisor.
func (e *Engine) withRetry(ctx context.Context, fn func() (models.Order, error)) (models.Order, error) {
	var lastErr error
	backoff := 1 * time.Second
	for i := 0; i < retryAttempts; i++ {
		start := time.Now()
		order, err := fn()
		e.recordCall(time.Since(start), err)
		if err == nil {
			return order, nil
		}
		// Дубликат clientOrderId детерминирован: повтор не поможет,
		// решение принимает вызывающий.
		if isDuplicateClientOrderID(err) {
			return models.Order{}, err
		}
		lastErr = err
		wait := backoff
		if isRateLimitError(err) {
			wait = backoff * 4
		}
		e.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return models.Order{}, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return models.Order{}, lastErr
}

func (e *Engine) withRetryVoid(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := 1 * time.Second
	for i := 0; i < retryAttempts; i++ {
		start := time.Now()
		err := fn()
		e.recordCall(time.Since(start), err)
		if err == nil {
			return nil
		}
		lastErr = err
		wait := backoff
		if isRateLimitError(err) {
			wait = backoff * 4
		}
		e.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

func (e *Engine) withRetryOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var out []models.Order
	err := e.withRetryVoid(ctx, func() error {
		orders, err := e.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		out = orders
		return nil
	})
	return out, err
}

func (e *Engine) withRetryFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	var out []models.Fill
	err := e.withRetryVoid(ctx, func() error {
		fills, err := e.client.GetFills(ctx, symbol)
		if err != nil {
			return err
		}
		out = fills
		return nil
	})
	return out, err
}

func (e *Engine) withRetryRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	var out exchange.InstrumentRules
	err := e.withRetryVoid(ctx, func() error {
		rules, err := e.client.GetInstrumentRules(ctx, symbol)
		if err != nil {
			return err
		}
		out = rules
		return nil
	})
	return out, err
}

func (e *Engine) recordCall(latency time.Duration, err error) {
	if e.guard != nil {
		e.guard.RecordAPICall(latency, err)
	}
	if e.stats != nil {
		e.stats.ObserveAPICall(latency)
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "10006")
}

func isDuplicateClientOrderID(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "170141") || strings.Contains(msg, "Duplicate clientOrderId")
}

func isOrderNotExistError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "170213") || strings.Contains(msg, "110001") ||
		strings.Contains(msg, "Order does not exist")
}
