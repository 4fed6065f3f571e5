package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"perpbot/internal/models"
)

// executeEntry проводит вход по плану: рыночный ордер с идемпотентным
// clientOrderId, ожидание исполнения, затем обязательная защита. ENTRY
// никогда не перевыставляется: новый вход — только новый план.
func (e *Engine) executeEntry(ctx context.Context, plan models.TradePlan) {
	// Конфигурация счёта перепроверяется непосредственно перед входом:
	// isolated-маржу и плечо могли изменить руками после запуска.
	if err := e.verifyAccountConfig(ctx, plan.Symbol); err != nil {
		e.audit("ERROR", "SAFETY", "ENTRY_PREFLIGHT_REJECTED", plan.Symbol, plan.ID, "",
			"вход отклонён: "+err.Error())
		e.log.WithPlanID(plan.ID).WithError(err).Error("Конфигурация счёта не прошла проверку, вход отменён")
		e.failPlan(plan, "конфигурация счёта не прошла проверку: "+err.Error())
		return
	}

	rules := e.rules[plan.Symbol]
	linkID := buildLinkID(e.cfg.Bot.InstanceTag, plan.ID, models.OrderRoleEntry, 1)

	position := models.Position{
		ID:           uuid.NewString(),
		TradePlanID:  plan.ID,
		Symbol:       plan.Symbol,
		Direction:    plan.Direction,
		OpenedAt:     time.Now().UTC(),
		Status:       models.PositionOpening,
		LossesAtOpen: e.cooldownSnapshot().ConsecutiveLosses,
	}

	e.mu.Lock()
	e.state = execState{
		Plan:             &plan,
		Position:         &position,
		Version:          e.state.Version + 1,
		EntryLink:        linkID,
		ProcessedExecIDs: map[string]bool{},
	}
	e.mu.Unlock()

	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию, вход отменён")
		e.failPlan(plan, "ошибка записи позиции: "+err.Error())
		return
	}

	order := models.Order{
		LinkID:    linkID,
		Symbol:    plan.Symbol,
		Side:      plan.Direction.SideForEntry(),
		Type:      models.OrderTypeMarket,
		Role:      models.OrderRoleEntry,
		Qty:       plan.Qty,
		QtyStep:   rules.LotSize,
		PriceStep: rules.TickSize,
	}

	e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, models.OrderRoleEntry, linkID, "",
		models.OrderEventSubmitted, plan.EntryPrice, plan.Qty, "")

	placed, err := e.placeOrderIdempotent(ctx, order)
	if err != nil {
		e.recordOrderEvent(plan.ID, position.ID, plan.Symbol, models.OrderRoleEntry, linkID, "",
			models.OrderEventError, 0, 0, err.Error())
		e.log.WithPlanID(plan.ID).WithError(err).Error("Не удалось разместить входной ордер")
		e.failPlan(plan, "вход не размещён: "+err.Error())
		e.abortPosition(position, "вход не размещён")
		return
	}

	plan.Status = models.PlanStatusSubmitted
	if err := e.st.SaveTradePlan(plan); err != nil {
		e.logEntry().WithError(err).Error("Не удалось обновить статус плана")
	}
	e.mu.Lock()
	e.state.Plan = &plan
	e.mu.Unlock()

	filled, avg := e.waitEntryFill(ctx, plan, placed)

	switch {
	case filled <= 0:
		// Ничего не исполнилось: остаток снят, экспозиции нет.
		plan.Status = models.PlanStatusCancelled
		plan.FailureReason = "вход не исполнен за отведённое время"
		if err := e.st.SaveTradePlan(plan); err != nil {
			e.logEntry().WithError(err).Error("Не удалось обновить статус плана")
		}
		e.audit("WARN", "EXECUTION", "ENTRY_UNFILLED", plan.Symbol, plan.ID, position.ID,
			"вход не исполнен, позиция не открыта")
		e.abortPosition(position, "вход не исполнен")
		return

	case filled < plan.Qty:
		e.log.WithPlanID(plan.ID).WithFields(logrus.Fields{
			"planned": plan.Qty,
			"filled":  filled,
		}).Warn("Вход исполнен частично, остаток снят, защищаем фактический объём")
		e.audit("WARN", "EXECUTION", "ENTRY_PARTIAL", plan.Symbol, plan.ID, position.ID,
			"вход исполнен частично, размер позиции уменьшен")
	}

	plan.Status = models.PlanStatusFilled
	if err := e.st.SaveTradePlan(plan); err != nil {
		e.logEntry().WithError(err).Error("Не удалось обновить статус плана")
	}

	e.mu.Lock()
	position.QtyFilled = filled
	position.EntryAvg = avg
	e.state.Plan = &plan
	e.state.Position = &position
	e.mu.Unlock()
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}

	e.placeProtection(ctx)
}

// waitEntryFill ждёт исполнения входа до тайм-аута. Исполнения приходят
// из приватного потока; перед решением состояние сверяется с REST,
// чтобы не зависеть от живости WebSocket. Несработавший остаток снимается.
func (e *Engine) waitEntryFill(ctx context.Context, plan models.TradePlan, placed models.Order) (qty, avg float64) {
	rules := e.rules[plan.Symbol]
	tolerance := rules.LotSize / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}

	deadline := time.Now().Add(e.cfg.Execution.EntryFillTimeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		filled := e.state.EntryFilled
		average := e.state.EntryAvg
		rejected := e.state.EntryRejected
		e.mu.Unlock()

		if plan.Qty-filled <= tolerance {
			return filled, average
		}
		if rejected {
			return filled, average
		}

		select {
		case <-ctx.Done():
			break
		case <-time.After(300 * time.Millisecond):
			continue
		}
		break
	}

	// Финальная сверка по REST: поток мог отстать.
	if fills, err := e.withRetryFills(ctx, plan.Symbol); err == nil {
		for _, fill := range fills {
			if fill.LinkID == e.entryLink() {
				e.applyEntryFill(fill)
			}
		}
	}

	e.mu.Lock()
	qty = e.state.EntryFilled
	avg = e.state.EntryAvg
	e.mu.Unlock()

	if plan.Qty-qty > tolerance && placed.ID != "" {
		if err := e.withRetryVoid(ctx, func() error {
			err := e.client.CancelOrder(ctx, plan.Symbol, placed.ID)
			if isOrderNotExistError(err) {
				return nil
			}
			return err
		}); err != nil {
			e.log.WithPlanID(plan.ID).WithError(err).Error("Не удалось снять остаток входного ордера")
		}
		// Снятие могло гоняться с исполнением: перечитываем итог.
		if fills, err := e.withRetryFills(ctx, plan.Symbol); err == nil {
			for _, fill := range fills {
				if fill.LinkID == e.entryLink() {
					e.applyEntryFill(fill)
				}
			}
		}
		e.mu.Lock()
		qty = e.state.EntryFilled
		avg = e.state.EntryAvg
		e.mu.Unlock()
	}
	return qty, avg
}

func (e *Engine) entryLink() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.EntryLink
}

// placeOrderIdempotent: повтор запроса с тем же clientOrderId безопасен.
// Перед размещением ищем существующий ордер по link_id, после ошибки
// дубликата — тоже; для рыночных ордеров проверяем исполнения.
func (e *Engine) placeOrderIdempotent(ctx context.Context, order models.Order) (models.Order, error) {
	if order.Type != models.OrderTypeMarket {
		if existing, err := e.findOpenOrderByLinkID(ctx, order.Symbol, order.LinkID); err == nil && existing.ID != "" {
			e.logEntry().WithField("link_id", order.LinkID).Info("Найден существующий ордер по link_id, повтор не нужен.")
			return existing, nil
		}
	}

	placed, err := e.withRetry(ctx, func() (models.Order, error) {
		return e.placeWithAck(ctx, order)
	})
	if err == nil {
		if e.stats != nil {
			e.stats.OrdersPlaced.WithLabelValues(string(order.Role)).Inc()
		}
		return placed, nil
	}
	if isDuplicateClientOrderID(err) {
		if existing, fErr := e.findOpenOrderByLinkID(ctx, order.Symbol, order.LinkID); fErr == nil && existing.ID != "" {
			return existing, nil
		}
		if order.Type == models.OrderTypeMarket {
			fills, fErr := e.withRetryFills(ctx, order.Symbol)
			if fErr == nil {
				for _, fill := range fills {
					if fill.LinkID == order.LinkID {
						e.logEntry().WithField("link_id", order.LinkID).Info("Ордер уже исполнен, повтор не нужен.")
						return models.Order{ID: fill.OrderID, LinkID: order.LinkID}, nil
					}
				}
			}
		}
	}

	if e.stats != nil {
		e.stats.OrderErrors.WithLabelValues(string(order.Role)).Inc()
	}
	return models.Order{}, err
}

// placeWithAck ограничивает каждую попытку размещения тайм-аутом
// подтверждения: зависший запрос не должен держать попытку дольше AckTimeout.
func (e *Engine) placeWithAck(ctx context.Context, order models.Order) (models.Order, error) {
	if d := e.cfg.Execution.AckTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return e.client.PlaceOrder(ctx, order)
}

func (e *Engine) findOpenOrderByLinkID(ctx context.Context, symbol, linkID string) (models.Order, error) {
	orders, err := e.withRetryOrders(ctx, symbol)
	if err != nil {
		return models.Order{}, err
	}
	for _, ord := range orders {
		if ord.LinkID == linkID {
			return ord, nil
		}
	}
	return models.Order{}, nil
}

func (e *Engine) failPlan(plan models.TradePlan, reason string) {
	plan.Status = models.PlanStatusFailed
	plan.FailureReason = reason
	if err := e.st.SaveTradePlan(plan); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить провал плана")
	}
	e.mu.Lock()
	e.clearState()
	e.mu.Unlock()
}

// abortPosition помечает позицию без экспозиции как FAILED: вход не
// состоялся, прохода через CLOSING нет и серия убытков не затрагивается.
func (e *Engine) abortPosition(position models.Position, note string) {
	now := time.Now().UTC()
	position.Status = models.PositionFailed
	position.ClosedAt = &now
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить позицию")
	}
	e.logEntry().WithField("position_id", position.ID).Info("Позиция снята без экспозиции: " + note)
	e.mu.Lock()
	e.clearState()
	e.mu.Unlock()
}
