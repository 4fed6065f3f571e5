package engine

import (
	"context"
	"time"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

// handleEvent применяет событие приватного потока к состоянию сделки.
// Защита от устаревших ответов: событие принимается только если его
// clientOrderId принадлежит текущему плану. Всё остальное — эхо прошлых
// сделок или чужие ордера, оно логируется и отбрасывается.
func (e *Engine) handleEvent(ctx context.Context, ev exchange.Event) {
	switch ev.Type {
	case exchange.EventTypeReconnect:
		if e.stats != nil {
			e.stats.WSReconnects.Inc()
		}
		e.resyncAfterReconnect(ctx)
	case exchange.EventTypeOrder:
		if ev.Order != nil {
			e.handleOrderUpdate(*ev.Order)
		}
	case exchange.EventTypeFill:
		if ev.Fill != nil {
			e.handleFill(ctx, *ev.Fill)
		}
	}
}

// resyncAfterReconnect перечитывает исполнения по REST: за время разрыва
// поток мог потерять события.
func (e *Engine) resyncAfterReconnect(ctx context.Context) {
	e.mu.Lock()
	var symbol string
	if e.state.Plan != nil {
		symbol = e.state.Plan.Symbol
	}
	e.mu.Unlock()
	if symbol == "" {
		return
	}

	e.logEntry().Warn("Поток переподключён, сверяем исполнения с REST")
	fills, err := e.withRetryFills(ctx, symbol)
	if err != nil {
		e.logEntry().WithError(err).Error("Не удалось сверить исполнения после переподключения")
		return
	}
	for _, fill := range fills {
		e.handleFill(ctx, fill)
	}
}

func (e *Engine) handleOrderUpdate(order models.Order) {
	parts, ok := ownsLink(e.cfg.Bot.InstanceTag, order.LinkID)
	if !ok {
		return
	}

	e.mu.Lock()
	plan := e.state.Plan
	if plan == nil || parts.PlanID != plan.ID {
		e.mu.Unlock()
		e.logEntry().WithField("link_id", order.LinkID).Debug("Устаревший ответ по ордеру, пропущен")
		return
	}
	planID := plan.ID
	posID := ""
	if e.state.Position != nil {
		posID = e.state.Position.ID
	}
	if parts.Role == models.OrderRoleEntry && order.Status == models.OrderStatusRejected {
		e.state.EntryRejected = true
	}
	e.mu.Unlock()

	switch order.Status {
	case models.OrderStatusRejected:
		e.recordOrderEvent(planID, posID, order.Symbol, parts.Role, order.LinkID, order.ID,
			models.OrderEventRejected, 0, 0, "")
	case models.OrderStatusCanceled:
		e.recordOrderEvent(planID, posID, order.Symbol, parts.Role, order.LinkID, order.ID,
			models.OrderEventCancelled, 0, 0, "")
	case models.OrderStatusExpired:
		e.recordOrderEvent(planID, posID, order.Symbol, parts.Role, order.LinkID, order.ID,
			models.OrderEventExpired, 0, 0, "")
	}
}

func (e *Engine) handleFill(ctx context.Context, fill models.Fill) {
	parts, ok := ownsLink(e.cfg.Bot.InstanceTag, fill.LinkID)
	if !ok {
		return
	}

	e.mu.Lock()
	plan := e.state.Plan
	if plan == nil || parts.PlanID != plan.ID {
		e.mu.Unlock()
		e.logEntry().WithField("link_id", fill.LinkID).Debug("Устаревшее исполнение, пропущено")
		return
	}
	e.mu.Unlock()

	switch parts.Role {
	case models.OrderRoleEntry:
		e.applyEntryFill(fill)
	case models.OrderRoleStop:
		e.applyProtectiveFill(ctx, fill, models.ExitReasonSL)
	case models.OrderRoleTarget:
		e.applyProtectiveFill(ctx, fill, models.ExitReasonTP)
	case models.OrderRoleClose:
		e.applyCloseFill(fill)
	}
}

// applyEntryFill накапливает исполнение входа. ExecID защищает от повтора:
// одно и то же исполнение может прийти из потока и из REST-сверки.
func (e *Engine) applyEntryFill(fill models.Fill) {
	e.mu.Lock()
	if e.state.Plan == nil || e.seenExec(fill.ExecID) {
		e.mu.Unlock()
		return
	}
	prevQty := e.state.EntryFilled
	e.state.EntryAvg = weightedAvg(e.state.EntryAvg, prevQty, fill.Price, fill.Qty)
	e.state.EntryFilled = prevQty + fill.Qty
	e.state.FeesPaid += fill.Fee

	plan := *e.state.Plan
	var position *models.Position
	if e.state.Position != nil {
		e.state.Position.QtyFilled = e.state.EntryFilled
		e.state.Position.EntryAvg = e.state.EntryAvg
		cp := *e.state.Position
		position = &cp
	}
	filled := e.state.EntryFilled
	e.mu.Unlock()

	kind := models.OrderEventPartialFill
	if filled >= plan.Qty {
		kind = models.OrderEventFill
	}
	posID := ""
	if position != nil {
		posID = position.ID
		if err := e.st.SavePosition(*position); err != nil {
			e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
		}
	}
	e.recordOrderEvent(plan.ID, posID, fill.Symbol, models.OrderRoleEntry, fill.LinkID, fill.OrderID,
		kind, fill.Price, fill.Qty, "")
}

// applyProtectiveFill: биржа исполнила STOP или TP. Позиция переходит в
// CLOSING, парный защитный ордер снимается, по полному закрытию сделка
// финализируется с причиной SL или TP.
func (e *Engine) applyProtectiveFill(ctx context.Context, fill models.Fill, reason models.ExitReason) {
	e.mu.Lock()
	if e.state.Plan == nil || e.state.Position == nil || e.seenExec(fill.ExecID) {
		e.mu.Unlock()
		return
	}
	e.state.CloseAvg = weightedAvg(e.state.CloseAvg, e.state.CloseFilled, fill.Price, fill.Qty)
	e.state.CloseFilled += fill.Qty
	e.state.FeesPaid += fill.Fee
	e.state.Position.Status = models.PositionClosing
	e.state.Position.ExitReason = reason
	e.state.Position.QtyClosed = e.state.CloseFilled

	plan := *e.state.Plan
	position := *e.state.Position
	closed := e.state.CloseFilled

	var siblingID string
	if reason == models.ExitReasonSL {
		siblingID = e.state.TPOrderID
	} else {
		siblingID = e.state.StopOrderID
	}
	e.mu.Unlock()

	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}
	role := models.OrderRoleStop
	if reason == models.ExitReasonTP {
		role = models.OrderRoleTarget
	}
	e.recordOrderEvent(plan.ID, position.ID, fill.Symbol, role, fill.LinkID, fill.OrderID,
		fillKind(closed, position.QtyFilled), fill.Price, fill.Qty, "")

	tolerance := e.lotTolerance(plan.Symbol)
	if position.QtyFilled-closed > tolerance {
		return
	}

	// Парный ордер больше не нужен; "ордера нет" — нормальный исход.
	if siblingID != "" {
		if err := e.withRetryVoid(ctx, func() error {
			err := e.client.CancelOrder(ctx, plan.Symbol, siblingID)
			if isOrderNotExistError(err) {
				return nil
			}
			return err
		}); err != nil {
			e.logEntry().WithError(err).Error("Не удалось снять парный защитный ордер")
		}
	}

	e.finalizePosition(reason)
}

func (e *Engine) applyCloseFill(fill models.Fill) {
	e.mu.Lock()
	if e.state.Plan == nil || e.seenExec(fill.ExecID) {
		e.mu.Unlock()
		return
	}
	e.state.CloseAvg = weightedAvg(e.state.CloseAvg, e.state.CloseFilled, fill.Price, fill.Qty)
	e.state.CloseFilled += fill.Qty
	e.state.FeesPaid += fill.Fee

	plan := *e.state.Plan
	posID := ""
	qtyFilled := 0.0
	if e.state.Position != nil {
		e.state.Position.QtyClosed = e.state.CloseFilled
		posID = e.state.Position.ID
		qtyFilled = e.state.Position.QtyFilled
	}
	closed := e.state.CloseFilled
	e.mu.Unlock()

	e.recordOrderEvent(plan.ID, posID, fill.Symbol, models.OrderRoleClose, fill.LinkID, fill.OrderID,
		fillKind(closed, qtyFilled), fill.Price, fill.Qty, "")
}

// seenExec: вызывается под e.mu.
func (e *Engine) seenExec(execID string) bool {
	if execID == "" {
		return false
	}
	if e.state.ProcessedExecIDs == nil {
		e.state.ProcessedExecIDs = map[string]bool{}
	}
	if e.state.ProcessedExecIDs[execID] {
		return true
	}
	e.state.ProcessedExecIDs[execID] = true
	return false
}

func (e *Engine) lotTolerance(symbol string) float64 {
	tolerance := e.rules[symbol].LotSize / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	return tolerance
}

func (e *Engine) recordOrderEvent(planID, positionID, symbol string, role models.OrderRole, linkID, exchangeID string, kind models.OrderEventKind, price, qty float64, note string) {
	if err := e.st.AppendOrderEvent(models.OrderEvent{
		TradePlanID:     planID,
		PositionID:      positionID,
		Symbol:          symbol,
		Role:            role,
		ExchangeOrderID: exchangeID,
		ClientOrderID:   linkID,
		Kind:            kind,
		EventTime:       time.Now().UTC(),
		Price:           price,
		Qty:             qty,
		Note:            note,
	}); err != nil {
		e.logEntry().WithError(err).Error("Не удалось записать событие ордера")
	}
}

func fillKind(closed, total float64) models.OrderEventKind {
	if closed >= total {
		return models.OrderEventFill
	}
	return models.OrderEventPartialFill
}

func weightedAvg(avg, qty, price, addQty float64) float64 {
	if qty+addQty <= 0 {
		return avg
	}
	return (avg*qty + price*addQty) / (qty + addQty)
}
