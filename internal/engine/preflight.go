package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// preflight приводит счёт к требуемой конфигурации и кэширует ограничения
// инструментов. Любое несоответствие, которое не удалось исправить,
// останавливает запуск: торговать на неправильном плече нельзя.
func (e *Engine) preflight(ctx context.Context) error {
	for _, symbol := range e.cfg.Bot.Symbols {
		rules, err := e.withRetryRules(ctx, symbol)
		if err != nil {
			return fmt.Errorf("не удалось получить ограничения %s: %w", symbol, err)
		}
		e.rules[symbol] = rules
		e.log.WithFields(logrus.Fields{
			"symbol":    symbol,
			"tick_size": rules.TickSize,
			"lot_size":  rules.LotSize,
			"min_qty":   rules.MinQty,
		}).Info("Получены ограничения торговой пары")

		if err := e.withRetryVoid(ctx, func() error {
			return e.client.SetIsolatedMargin(ctx, symbol)
		}); err != nil {
			return fmt.Errorf("не удалось включить isolated-маржу для %s: %w", symbol, err)
		}
		if err := e.withRetryVoid(ctx, func() error {
			return e.client.SetLeverage(ctx, symbol, 1)
		}); err != nil {
			return fmt.Errorf("не удалось выставить плечо 1x для %s: %w", symbol, err)
		}

		// Проверяем то, что биржа реально применила, а не то, что мы просили.
		if err := e.verifyAccountConfig(ctx, symbol); err != nil {
			return fmt.Errorf("preflight отклонён: %w", err)
		}
	}

	e.audit("INFO", "LIFECYCLE", "PREFLIGHT_OK", "", "", "", "проверки запуска пройдены")
	return nil
}

// verifyAccountConfig сверяет isolated-маржу и плечо 1x с биржей. Настройки
// могли поменять руками между запуском и входом, поэтому проверка повторяется
// перед каждым ENTRY и в фоновом опросе.
func (e *Engine) verifyAccountConfig(ctx context.Context, symbol string) error {
	ac, err := e.client.GetAccountConfig(ctx, symbol)
	if err != nil {
		return fmt.Errorf("не удалось прочитать конфигурацию счёта %s: %w", symbol, err)
	}
	return e.guard.ValidateAccountConfig(ac)
}

// runSafetyPoll периодически перепроверяет конфигурацию счёта по всем
// инструментам. Несоответствие останавливает торговлю целиком.
func (e *Engine) runSafetyPoll(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Safety.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if e.guard.Halted() {
			continue
		}
		for _, symbol := range e.cfg.Bot.Symbols {
			if err := e.verifyAccountConfig(ctx, symbol); err != nil {
				e.audit("ERROR", "SAFETY", "ACCOUNT_CONFIG_DRIFT", symbol, "", "",
					"конфигурация счёта разошлась с требуемой: "+err.Error())
				e.guard.Halt("конфигурация счёта изменилась: " + err.Error())
				break
			}
		}
	}
}
