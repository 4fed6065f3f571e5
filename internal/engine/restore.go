package engine

import (
	"context"
	"fmt"
	"math"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

// ExchangeSnapshot: биржа глазами REST на момент запуска.
type ExchangeSnapshot struct {
	Position   exchange.PositionSnapshot
	OpenOrders []models.Order
}

type ReconcileAction string

const (
	ReconcileCancelEntry ReconcileAction = "CANCEL_ENTRY"
	ReconcilePlaceStop   ReconcileAction = "PLACE_STOP"
	ReconcilePlaceTP     ReconcileAction = "PLACE_TP"
	ReconcileMarkClosed  ReconcileAction = "MARK_CLOSED"
	ReconcileHaltUnknown ReconcileAction = "HALT_UNKNOWN"
)

// ReconcileResult: восстановленное состояние сделки и действия, которые
// надо выполнить, чтобы биржа и локальная история снова совпали.
type ReconcileResult struct {
	Actions []ReconcileAction

	QtyFilled float64
	EntryAvg  float64

	EntryOrder *models.Order
	StopOrder  *models.Order
	TPOrder    *models.Order
}

// Reconcile — чистая функция слияния: биржа как источник правды о
// РЕЗУЛЬТАТАХ (что исполнилось, что живо), локальная история как источник
// правды о НАМЕРЕНИЯХ (чья позиция, какой план). Никаких вызовов API,
// никаких часов: одинаковый вход всегда даёт одинаковый результат.
//
// ENTRY никогда не перевыставляется. Недостающий STOP и TP довыставляются;
// если позиция на бирже есть, а локального плана нет — торговля
// останавливается: чужую позицию бот не трогает.
func Reconcile(tag string, local *models.Position, plan *models.TradePlan, snap ExchangeSnapshot) ReconcileResult {
	var res ReconcileResult

	exchangeFlat := snap.Position.Qty <= 0

	if local == nil || plan == nil {
		if !exchangeFlat {
			res.Actions = append(res.Actions, ReconcileHaltUnknown)
		}
		return res
	}

	// Раскладываем живые ордера по ролям текущего плана.
	for i := range snap.OpenOrders {
		ord := snap.OpenOrders[i]
		parts, ok := ownsLink(tag, ord.LinkID)
		if !ok || parts.PlanID != plan.ID {
			continue
		}
		switch parts.Role {
		case models.OrderRoleEntry:
			res.EntryOrder = &ord
		case models.OrderRoleStop:
			res.StopOrder = &ord
		case models.OrderRoleTarget:
			res.TPOrder = &ord
		}
	}

	if exchangeFlat {
		// Позиции на бирже нет: она закрылась (или вход не исполнился),
		// пока бот был мёртв. Висящий остаток входа снимается.
		if res.EntryOrder != nil {
			res.Actions = append(res.Actions, ReconcileCancelEntry)
		}
		res.Actions = append(res.Actions, ReconcileMarkClosed)
		return res
	}

	// Биржа держит позицию: принимаем её размер как факт.
	res.QtyFilled = snap.Position.Qty
	res.EntryAvg = snap.Position.EntryPrice

	if res.EntryOrder != nil {
		res.Actions = append(res.Actions, ReconcileCancelEntry)
	}
	if res.StopOrder == nil {
		res.Actions = append(res.Actions, ReconcilePlaceStop)
	}
	if res.TPOrder == nil {
		res.Actions = append(res.Actions, ReconcilePlaceTP)
	}
	return res
}

// restore сверяет локальное состояние с биржей на старте и доводит сделку
// до защищённого состояния, прежде чем запускать цикл оценки.
func (e *Engine) restore(ctx context.Context) error {
	local, err := e.st.GetLivePosition()
	if err != nil {
		return fmt.Errorf("не удалось прочитать локальную позицию: %w", err)
	}

	var plan *models.TradePlan
	if local != nil {
		p, err := e.st.GetTradePlan(local.TradePlanID)
		if err != nil {
			return fmt.Errorf("не удалось прочитать план %s: %w", local.TradePlanID, err)
		}
		plan = &p
	}

	// Сверяются ВСЕ торгуемые инструменты: неизвестная позиция на любом из
	// них останавливает торговлю, даже если локальная сделка открыта на другом.
	symbols := append([]string(nil), e.cfg.Bot.Symbols...)
	if local != nil && !containsSymbol(symbols, local.Symbol) {
		symbols = append(symbols, local.Symbol)
	}

	for _, symbol := range symbols {
		var snap ExchangeSnapshot
		if err := e.withRetryVoid(ctx, func() error {
			pos, err := e.client.GetPosition(ctx, symbol)
			if err != nil {
				return err
			}
			snap.Position = pos
			return nil
		}); err != nil {
			return fmt.Errorf("не удалось получить позицию %s: %w", symbol, err)
		}
		orders, err := e.withRetryOrders(ctx, symbol)
		if err != nil {
			return fmt.Errorf("не удалось получить ордера %s: %w", symbol, err)
		}
		snap.OpenOrders = orders

		symLocal, symPlan := local, plan
		if local != nil && local.Symbol != symbol {
			symLocal, symPlan = nil, nil
		}
		res := Reconcile(e.cfg.Bot.InstanceTag, symLocal, symPlan, snap)
		if len(res.Actions) == 0 && symLocal == nil {
			continue
		}
		if err := e.applyReconcile(ctx, symLocal, symPlan, snap, res); err != nil {
			return err
		}
	}

	if local == nil {
		e.audit("INFO", "LIFECYCLE", "RECONCILE", "", "", "", "локальное состояние чистое, сверка завершена")
	}
	return nil
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) applyReconcile(ctx context.Context, local *models.Position, plan *models.TradePlan, snap ExchangeSnapshot, res ReconcileResult) error {
	for _, action := range res.Actions {
		switch action {
		case ReconcileHaltUnknown:
			msg := fmt.Sprintf("на бирже обнаружена позиция %s %.8f без локального плана",
				snap.Position.Symbol, snap.Position.Qty)
			e.audit("CRITICAL", "LIFECYCLE", "RECONCILE_UNKNOWN", snap.Position.Symbol, "", "", msg)
			e.guard.Halt(msg)
			return nil
		}
	}

	if local == nil || plan == nil {
		return nil
	}

	e.log.WithPositionID(local.ID).WithField("actions", fmt.Sprintf("%v", res.Actions)).
		Info("Сверка с биржей: восстанавливаем сделку")

	// Восстанавливаем состояние в памяти до применения действий: события
	// потока должны находить сделку.
	e.mu.Lock()
	e.state = execState{
		Plan:             plan,
		Position:         local,
		Version:          e.state.Version + 1,
		ProcessedExecIDs: map[string]bool{},
		EntryFilled:      res.QtyFilled,
		EntryAvg:         res.EntryAvg,
	}
	if res.StopOrder != nil {
		e.state.StopLink = res.StopOrder.LinkID
		e.state.StopOrderID = res.StopOrder.ID
	}
	if res.TPOrder != nil {
		e.state.TPLink = res.TPOrder.LinkID
		e.state.TPOrderID = res.TPOrder.ID
	}
	e.mu.Unlock()

	for _, action := range res.Actions {
		switch action {
		case ReconcileCancelEntry:
			if err := e.withRetryVoid(ctx, func() error {
				err := e.client.CancelOrder(ctx, local.Symbol, res.EntryOrder.ID)
				if isOrderNotExistError(err) {
					return nil
				}
				return err
			}); err != nil {
				return fmt.Errorf("не удалось снять остаток входа при сверке: %w", err)
			}
			e.audit("WARN", "LIFECYCLE", "RECONCILE_CANCEL_ENTRY", local.Symbol, plan.ID, local.ID,
				"висящий входной ордер снят, вход не перевыставляется")

		case ReconcileMarkClosed:
			e.markClosedWhileDown(ctx, *local, *plan)
			return nil

		case ReconcilePlaceStop:
			local.QtyFilled = res.QtyFilled
			local.EntryAvg = res.EntryAvg
			stopOrder := models.Order{
				Symbol:       plan.Symbol,
				Side:         plan.Direction.SideForClose(),
				Type:         models.OrderTypeStopMarket,
				Role:         models.OrderRoleStop,
				TriggerPrice: plan.StopPrice,
				Qty:          res.QtyFilled,
				IsReduce:     true,
				QtyStep:      e.rules[plan.Symbol].LotSize,
				PriceStep:    e.rules[plan.Symbol].TickSize,
			}
			placed, err := e.placeProtective(ctx, *plan, *local, stopOrder)
			if err != nil {
				e.protectionFailure(ctx, *plan, *local, models.OrderRoleStop, err)
				return nil
			}
			e.mu.Lock()
			e.state.StopLink = placed.LinkID
			e.state.StopOrderID = placed.ID
			e.mu.Unlock()
			e.audit("WARN", "LIFECYCLE", "RECONCILE_PLACE_STOP", local.Symbol, plan.ID, local.ID,
				"недостающий STOP довыставлен при сверке")

		case ReconcilePlaceTP:
			tpOrder := models.Order{
				Symbol:    plan.Symbol,
				Side:      plan.Direction.SideForClose(),
				Type:      models.OrderTypeLimit,
				Role:      models.OrderRoleTarget,
				Price:     plan.TPPrice,
				Qty:       res.QtyFilled,
				IsReduce:  true,
				QtyStep:   e.rules[plan.Symbol].LotSize,
				PriceStep: e.rules[plan.Symbol].TickSize,
			}
			placed, err := e.placeProtective(ctx, *plan, *local, tpOrder)
			if err != nil {
				e.protectionFailure(ctx, *plan, *local, models.OrderRoleTarget, err)
				return nil
			}
			e.mu.Lock()
			e.state.TPLink = placed.LinkID
			e.state.TPOrderID = placed.ID
			e.mu.Unlock()
			e.audit("WARN", "LIFECYCLE", "RECONCILE_PLACE_TP", local.Symbol, plan.ID, local.ID,
				"недостающий TP довыставлен при сверке")
		}
	}

	// Сделка снова полностью защищена.
	local.Status = models.PositionOpen
	local.QtyFilled = res.QtyFilled
	local.EntryAvg = res.EntryAvg
	e.mu.Lock()
	e.state.Position = local
	e.mu.Unlock()
	if err := e.st.SavePosition(*local); err != nil {
		return err
	}
	e.audit("INFO", "LIFECYCLE", "RECONCILE", local.Symbol, plan.ID, local.ID, "сверка завершена, позиция защищена")
	return nil
}

// markClosedWhileDown восстанавливает исход сделки, завершившейся пока бот
// лежал: средняя цена выхода берётся из исполнений, причина выводится по
// близости к стопу или цели.
func (e *Engine) markClosedWhileDown(ctx context.Context, local models.Position, plan models.TradePlan) {
	if local.QtyFilled <= 0 {
		// Вход так и не исполнился: экспозиции не было.
		plan.Status = models.PlanStatusCancelled
		plan.FailureReason = "вход не исполнен до перезапуска"
		if err := e.st.SaveTradePlan(plan); err != nil {
			e.logEntry().WithError(err).Error("Не удалось обновить статус плана")
		}
		e.abortPosition(local, "вход не исполнен до перезапуска")
		return
	}

	fills, err := e.withRetryFills(ctx, local.Symbol)
	if err != nil {
		e.logEntry().WithError(err).Error("Не удалось получить исполнения для восстановления выхода")
		fills = nil
	}
	for _, fill := range fills {
		parts, ok := ownsLink(e.cfg.Bot.InstanceTag, fill.LinkID)
		if !ok || parts.PlanID != plan.ID {
			continue
		}
		switch parts.Role {
		case models.OrderRoleStop, models.OrderRoleTarget, models.OrderRoleClose:
			e.mu.Lock()
			if !e.seenExec(fill.ExecID) {
				e.state.CloseAvg = weightedAvg(e.state.CloseAvg, e.state.CloseFilled, fill.Price, fill.Qty)
				e.state.CloseFilled += fill.Qty
				e.state.FeesPaid += fill.Fee
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	exitAvg := e.state.CloseAvg
	if e.state.CloseFilled <= 0 {
		// Исполнений не нашли: единственная честная оценка — цена стопа.
		e.state.CloseAvg = plan.StopPrice
		e.state.CloseFilled = local.QtyFilled
		exitAvg = plan.StopPrice
	}
	e.mu.Unlock()

	reason := models.ExitReasonSL
	if math.Abs(exitAvg-plan.TPPrice) < math.Abs(exitAvg-plan.StopPrice) {
		reason = models.ExitReasonTP
	}

	e.audit("WARN", "LIFECYCLE", "RECONCILE_CLOSED_OFFLINE", local.Symbol, plan.ID, local.ID,
		fmt.Sprintf("позиция закрылась без бота, причина восстановлена как %s", reason))
	e.finalizePosition(reason)
}
