package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"perpbot/internal/models"
)

// placeProtection выставляет STOP и TP по исполненному входу. Гарантия
// защиты: если любой из защитных ордеров не встал после одного повтора,
// позиция немедленно закрывается рынком и торговля останавливается.
// Открытая позиция без стопа не существует ни одной секунды дольше,
// чем нужно на аварийное закрытие.
func (e *Engine) placeProtection(ctx context.Context) {
	e.mu.Lock()
	plan := *e.state.Plan
	position := *e.state.Position
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, e.cfg.Execution.StopPlaceBudget)
	defer cancel()

	rules := e.rules[plan.Symbol]
	closeSide := plan.Direction.SideForClose()

	// STOP первым: до его подтверждения позиция голая.
	stopOrder := models.Order{
		Symbol:       plan.Symbol,
		Side:         closeSide,
		Type:         models.OrderTypeStopMarket,
		Role:         models.OrderRoleStop,
		TriggerPrice: plan.StopPrice,
		Qty:          position.QtyFilled,
		IsReduce:     true,
		QtyStep:      rules.LotSize,
		PriceStep:    rules.TickSize,
	}
	stopPlaced, err := e.placeProtective(pctx, plan, position, stopOrder)
	if err != nil {
		e.protectionFailure(ctx, plan, position, models.OrderRoleStop, err)
		return
	}
	e.mu.Lock()
	e.state.StopLink = stopPlaced.LinkID
	e.state.StopOrderID = stopPlaced.ID
	e.mu.Unlock()

	tpOrder := models.Order{
		Symbol:    plan.Symbol,
		Side:      closeSide,
		Type:      models.OrderTypeLimit,
		Role:      models.OrderRoleTarget,
		Price:     plan.TPPrice,
		Qty:       position.QtyFilled,
		IsReduce:  true,
		QtyStep:   rules.LotSize,
		PriceStep: rules.TickSize,
	}
	tpPlaced, err := e.placeProtective(pctx, plan, position, tpOrder)
	if err != nil {
		e.protectionFailure(ctx, plan, position, models.OrderRoleTarget, err)
		return
	}

	position.Status = models.PositionOpen
	e.mu.Lock()
	e.state.TPLink = tpPlaced.LinkID
	e.state.TPOrderID = tpPlaced.ID
	e.state.Position = &position
	e.mu.Unlock()
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}

	if e.stats != nil {
		e.stats.PositionsOpened.Inc()
	}
	e.audit("INFO", "TRADE", "OPEN", plan.Symbol, plan.ID, position.ID,
		fmt.Sprintf("позиция открыта: %s %s %.8f @ %.8f, stop %.8f, tp %.8f",
			plan.Direction, plan.Symbol, position.QtyFilled, position.EntryAvg, plan.StopPrice, plan.TPPrice))
	e.log.WithPositionID(position.ID).WithFields(logrus.Fields{
		"symbol":    plan.Symbol,
		"direction": plan.Direction,
		"qty":       position.QtyFilled,
		"entry_avg": position.EntryAvg,
	}).Info("Позиция открыта и защищена")
	e.sendNotify(fmt.Sprintf("📈 Открыта позиция %s %s\nОбъём: %.6f @ %.4f\nStop: %.4f | TP: %.4f",
		plan.Direction, plan.Symbol, position.QtyFilled, position.EntryAvg, plan.StopPrice, plan.TPPrice))

	e.checkLiquidationBuffer(ctx, plan, position)
}

// placeProtective: ровно одна повторная попытка, у каждой свой clientOrderId.
// Ошибка дубликата значит, что предыдущая попытка на самом деле дошла.
func (e *Engine) placeProtective(ctx context.Context, plan models.TradePlan, position models.Position, order models.Order) (models.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		order.LinkID = buildLinkID(e.cfg.Bot.InstanceTag, plan.ID, order.Role, attempt)
		e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, order.Role, order.LinkID, "",
			models.OrderEventSubmitted, order.Price+order.TriggerPrice, order.Qty, "")

		start := time.Now()
		placed, err := e.placeWithAck(ctx, order)
		e.recordCall(time.Since(start), err)
		if err == nil {
			if e.stats != nil {
				e.stats.OrdersPlaced.WithLabelValues(string(order.Role)).Inc()
			}
			e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, order.Role, order.LinkID, placed.ID,
				models.OrderEventAck, 0, 0, "")
			return placed, nil
		}
		if isDuplicateClientOrderID(err) {
			if existing, fErr := e.findOpenOrderByLinkID(ctx, order.Symbol, order.LinkID); fErr == nil && existing.ID != "" {
				return existing, nil
			}
		}
		lastErr = err
		e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, order.Role, order.LinkID, "",
			models.OrderEventError, 0, 0, err.Error())
		e.log.WithPlanID(plan.ID).WithError(err).WithFields(logrus.Fields{
			"role":    order.Role,
			"attempt": attempt,
		}).Error("Не удалось разместить защитный ордер")
	}
	if e.stats != nil {
		e.stats.OrderErrors.WithLabelValues(string(order.Role)).Inc()
	}
	return models.Order{}, lastErr
}

// protectionFailure: защита не встала — позиция закрывается рынком,
// торговля останавливается до ручного вмешательства.
func (e *Engine) protectionFailure(ctx context.Context, plan models.TradePlan, position models.Position, role models.OrderRole, cause error) {
	msg := fmt.Sprintf("не удалось разместить %s для %s: %v", role, plan.Symbol, cause)
	e.audit("CRITICAL", "EXECUTION", "PROTECTION_FAILED", plan.Symbol, plan.ID, position.ID, msg)
	e.log.WithPositionID(position.ID).Error("ЗАЩИТА НЕ РАЗМЕЩЕНА: аварийное закрытие позиции")

	e.emergencyClose(ctx, models.ExitReasonSafetyHalt)
	e.guard.Halt(msg)
}

// checkLiquidationBuffer: после открытия убеждаемся, что стоп сработает
// раньше ликвидации. Нарушение означает ошибку конфигурации счёта.
func (e *Engine) checkLiquidationBuffer(ctx context.Context, plan models.TradePlan, position models.Position) {
	start := time.Now()
	snap, err := e.client.GetPosition(ctx, plan.Symbol)
	e.recordCall(time.Since(start), err)
	if err != nil {
		e.log.WithSymbol(plan.Symbol).WithError(err).Warn("Не удалось проверить буфер ликвидации")
		return
	}
	if err := e.guard.CheckLiquidationBuffer(plan.Direction, plan.StopPrice, snap.LiqPrice); err != nil {
		msg := "буфер ликвидации нарушен: " + err.Error()
		e.audit("CRITICAL", "SAFETY", "LIQ_BUFFER", plan.Symbol, plan.ID, position.ID, msg)
		e.emergencyClose(ctx, models.ExitReasonSafetyHalt)
		e.guard.Halt(msg)
	}
}
