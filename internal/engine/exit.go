package engine

import (
	"context"
	"fmt"
	"time"

	"perpbot/internal/indicator"
	"perpbot/internal/models"
)

// superviseOpenPosition проверяет открытую позицию на каждом тике:
// остановка торговли и деградация режима закрывают её рынком. TP и SL
// этот путь не трогает — их исполняет биржа, движок только реагирует.
func (e *Engine) superviseOpenPosition(ctx context.Context) {
	e.mu.Lock()
	if e.state.Position == nil || e.state.Position.Status != models.PositionOpen || e.state.PendingExit != "" {
		e.mu.Unlock()
		return
	}
	plan := *e.state.Plan
	e.mu.Unlock()

	if e.guard.Halted() {
		e.regimeExit(ctx, models.ExitReasonSafetyHalt)
		return
	}

	reason, ok := e.evaluateRegime(ctx, plan)
	if !ok {
		return
	}
	if reason != "" {
		e.log.WithPlanID(plan.ID).WithField("reason", reason).Warn("Режим деградировал, позиция закрывается")
		e.regimeExit(ctx, reason)
	}
}

// evaluateRegime пересчитывает ворота против открытой позиции на свежей
// LTF-свече. Порядок причин фиксирован: тренд, волатильность, momentum,
// funding. Нейтральный буфер тренда открытую позицию не закрывает.
func (e *Engine) evaluateRegime(ctx context.Context, plan models.TradePlan) (models.ExitReason, bool) {
	bundle, err := e.st.GetBundle(plan.Symbol, plan.BundleVersion)
	if err != nil || bundle == nil {
		e.log.WithSymbol(plan.Symbol).WithError(err).Error("Не удалось прочитать набор параметров позиции")
		return "", false
	}

	ltf, err := e.getCandles(ctx, plan.Symbol, e.cfg.Bot.TimeframeLTF, ltfCandleLimit)
	if err != nil || len(ltf) == 0 {
		return "", false
	}
	lastClose := ltf[len(ltf)-1].CloseTime
	if !lastClose.After(e.lastEvalLTF[plan.Symbol]) {
		return "", false
	}

	htf, err := e.getCandles(ctx, plan.Symbol, e.cfg.Bot.TimeframeHTF, htfCandleLimit)
	if err != nil {
		return "", false
	}

	snap, err := indicator.Build(plan.Symbol, htf, ltf, bundle.ATRMALength)
	if err != nil {
		e.log.WithSymbol(plan.Symbol).WithError(err).Warn("Не удалось построить индикаторы для надзора")
		return "", false
	}
	e.lastEvalLTF[plan.Symbol] = lastClose

	trend := e.sig.EvaluateTrend(snap.CurrentPrice, snap.EMA200HTF, snap.ATRHTF)
	opposite := trendForDirection(oppositeDirection(plan.Direction))
	if trend == opposite {
		return models.ExitReasonTrendInvalid, true
	}

	if e.sig.VolGate(snap, *bundle) != models.GatePass {
		return models.ExitReasonVolContraction, true
	}

	if momentum, _ := e.sig.MomentumGate(trendForDirection(plan.Direction), snap.RSILTF, bundle.RSIReference); momentum != models.GatePass {
		return models.ExitReasonMomentumFail, true
	}

	var funding float64
	if err := e.withRetryVoid(ctx, func() error {
		var fErr error
		funding, fErr = e.client.GetFundingRate(ctx, plan.Symbol)
		return fErr
	}); err != nil {
		return "", false
	}
	if e.sig.FundingGate(plan.Direction, funding) != models.GatePass {
		return models.ExitReasonFundingExtreme, true
	}

	return "", true
}

// regimeExit: решительный выход. Защитные ордера снимаются, позиция
// закрывается рынком reduce-only и повторяется до подтверждения.
func (e *Engine) regimeExit(ctx context.Context, reason models.ExitReason) {
	e.mu.Lock()
	if e.state.Position == nil || e.state.PendingExit != "" {
		e.mu.Unlock()
		return
	}
	e.state.PendingExit = reason
	position := *e.state.Position
	plan := *e.state.Plan
	e.mu.Unlock()

	// Причина выхода фиксируется уже на переходе в CLOSING: если бот
	// упадёт до исполнения CLOSE, восстановление увидит её в журнале.
	position.Status = models.PositionClosing
	position.ExitReason = reason
	e.mu.Lock()
	e.state.Position = &position
	e.mu.Unlock()
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}
	e.audit("INFO", "TRADE", "REGIME_EXIT", plan.Symbol, plan.ID, position.ID,
		"закрытие по деградации режима: "+string(reason))

	e.cancelProtectives(ctx, plan.Symbol)
	e.closeWithRetry(ctx, reason)
}

// emergencyClose — тот же механизм для аварийных случаев (защита не встала,
// нарушен буфер ликвидации).
func (e *Engine) emergencyClose(ctx context.Context, reason models.ExitReason) {
	e.mu.Lock()
	if e.state.Position == nil {
		e.mu.Unlock()
		return
	}
	e.state.PendingExit = reason
	position := *e.state.Position
	plan := *e.state.Plan
	e.mu.Unlock()

	position.Status = models.PositionClosing
	position.ExitReason = reason
	e.mu.Lock()
	e.state.Position = &position
	e.mu.Unlock()
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}

	e.cancelProtectives(ctx, plan.Symbol)
	e.closeWithRetry(ctx, reason)
}

// cancelProtectives снимает STOP и TP. "Ордера нет" — не ошибка:
// он мог уже исполниться или быть снят предыдущей попыткой.
func (e *Engine) cancelProtectives(ctx context.Context, symbol string) {
	e.mu.Lock()
	stopID := e.state.StopOrderID
	tpID := e.state.TPOrderID
	e.mu.Unlock()

	for _, orderID := range []string{stopID, tpID} {
		if orderID == "" {
			continue
		}
		id := orderID
		if err := e.withRetryVoid(ctx, func() error {
			err := e.client.CancelOrder(ctx, symbol, id)
			if isOrderNotExistError(err) {
				return nil
			}
			return err
		}); err != nil {
			e.logEntry().WithError(err).WithField("order_id", id).Error("Не удалось снять защитный ордер")
		}
	}
}

// closeWithRetry выставляет CLOSE и повторяет до подтверждения полного
// закрытия. У каждой попытки свой clientOrderId. Исчерпание попыток —
// терминальный отказ: позиция помечается FAILED, торговля останавливается.
func (e *Engine) closeWithRetry(ctx context.Context, reason models.ExitReason) {
	e.mu.Lock()
	plan := *e.state.Plan
	position := *e.state.Position
	e.mu.Unlock()

	rules := e.rules[plan.Symbol]
	tolerance := rules.LotSize / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}

	for attempt := 1; attempt <= e.cfg.Execution.CloseMaxAttempts; attempt++ {
		e.mu.Lock()
		remaining := position.QtyFilled - e.state.CloseFilled
		e.mu.Unlock()
		if remaining <= tolerance {
			e.finalizePosition(reason)
			return
		}

		linkID := buildLinkID(e.cfg.Bot.InstanceTag, plan.ID, models.OrderRoleClose, attempt)
		e.mu.Lock()
		e.state.CloseLink = linkID
		e.mu.Unlock()

		order := models.Order{
			LinkID:    linkID,
			Symbol:    plan.Symbol,
			Side:      plan.Direction.SideForClose(),
			Type:      models.OrderTypeMarket,
			Role:      models.OrderRoleClose,
			Qty:       remaining,
			IsReduce:  true,
			QtyStep:   rules.LotSize,
			PriceStep: rules.TickSize,
		}
		e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, models.OrderRoleClose, linkID, "",
			models.OrderEventSubmitted, 0, remaining, fmt.Sprintf("попытка %d", attempt))

		start := time.Now()
		_, err := e.placeWithAck(ctx, order)
		e.recordCall(time.Since(start), err)
		if err != nil && !isDuplicateClientOrderID(err) {
			e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, models.OrderRoleClose, linkID, "",
				models.OrderEventError, 0, 0, err.Error())
			e.log.WithPlanID(plan.ID).WithError(err).Error("Не удалось разместить закрывающий ордер")
		} else if e.stats != nil {
			e.stats.OrdersPlaced.WithLabelValues(string(models.OrderRoleClose)).Inc()
		}

		// Ждём подтверждения через приватный поток, затем сверяемся с REST.
		deadline := time.Now().Add(e.cfg.Execution.CloseRetryDelay)
		for time.Now().Before(deadline) {
			e.mu.Lock()
			closed := e.state.CloseFilled
			e.mu.Unlock()
			if position.QtyFilled-closed <= tolerance {
				e.finalizePosition(reason)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		if fills, fErr := e.withRetryFills(ctx, plan.Symbol); fErr == nil {
			for _, fill := range fills {
				e.handleFill(ctx, fill)
			}
		}
	}

	e.mu.Lock()
	closed := e.state.CloseFilled
	e.mu.Unlock()
	if position.QtyFilled-closed <= tolerance {
		e.finalizePosition(reason)
		return
	}

	// Терминальный отказ: биржа так и не закрыла позицию.
	position.Status = models.PositionFailed
	position.ExitReason = reason
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}
	msg := fmt.Sprintf("не удалось закрыть позицию %s за %d попыток", plan.Symbol, e.cfg.Execution.CloseMaxAttempts)
	e.audit("CRITICAL", "EXECUTION", "CLOSE_FAILED", plan.Symbol, plan.ID, position.ID, msg)
	e.sendNotify("🆘 " + msg + ". Требуется ручное вмешательство.")
	e.guard.Halt(msg)

	e.mu.Lock()
	e.clearState()
	e.mu.Unlock()
}

func oppositeDirection(d models.Direction) models.Direction {
	if d == models.DirectionLong {
		return models.DirectionShort
	}
	return models.DirectionLong
}
