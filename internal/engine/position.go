package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"perpbot/internal/models"
)

// finalizePosition закрывает сделку: PnL, реализованный R, обновление
// счётчика убытков и сброс состояния. Вызывается без удержания e.mu.
func (e *Engine) finalizePosition(reason models.ExitReason) {
	e.mu.Lock()
	if e.state.Plan == nil || e.state.Position == nil {
		e.mu.Unlock()
		return
	}
	plan := *e.state.Plan
	position := *e.state.Position
	exitAvg := e.state.CloseAvg
	closed := e.state.CloseFilled
	fees := e.state.FeesPaid
	e.clearState()
	e.mu.Unlock()

	now := time.Now().UTC()

	gross := (exitAvg - position.EntryAvg) * closed
	if position.Direction == models.DirectionShort {
		gross = -gross
	}
	pnl := gross - fees

	position.Status = models.PositionClosed
	position.ClosedAt = &now
	position.ExitAvg = exitAvg
	position.QtyClosed = closed
	position.PnLRealised = pnl
	position.ExitReason = reason
	if plan.RealisedRiskAtStop > 0 {
		position.RRealised = pnl / plan.RealisedRiskAtStop
	}
	if err := e.st.SavePosition(position); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить закрытую позицию")
	}

	plan.Status = models.PlanStatusFilled
	if err := e.st.SaveTradePlan(plan); err != nil {
		e.logEntry().WithError(err).Error("Не удалось обновить статус плана")
	}

	e.updateCooldown(pnl)

	if e.stats != nil {
		e.stats.PositionsClosed.WithLabelValues(string(reason)).Inc()
		e.stats.PnLRealised.Add(pnl)
	}
	e.audit("INFO", "TRADE", "CLOSE", plan.Symbol, plan.ID, position.ID,
		fmt.Sprintf("позиция закрыта (%s): pnl %.4f, R %.2f", reason, pnl, position.RRealised))
	e.log.WithPositionID(position.ID).WithFields(logrus.Fields{
		"symbol": plan.Symbol,
		"reason": reason,
		"pnl":    pnl,
		"r":      position.RRealised,
	}).Info("Позиция закрыта")

	emoji := "✅"
	if pnl < 0 {
		emoji = "🔻"
	}
	e.sendNotify(fmt.Sprintf("%s Закрыта позиция %s %s (%s)\nPnL: %.4f (%.2fR)",
		emoji, position.Direction, plan.Symbol, reason, pnl, position.RRealised))
}

// updateCooldown ведёт счётчик убытков подряд. Прибыль обнуляет серию,
// убыток наращивает; на пороге включается пауза. Порог освобождения —
// момент времени, но снимает паузу только наблюдаемое закрытие HTF-свечи.
func (e *Engine) updateCooldown(pnl float64) {
	now := time.Now().UTC()
	activated := false

	e.mu.Lock()
	switch {
	case pnl > 0:
		e.cooldown = models.CooldownState{UpdatedAt: now}
	case pnl < 0:
		e.cooldown.ConsecutiveLosses++
		e.cooldown.UpdatedAt = now
		if e.cooldown.ConsecutiveLosses >= e.cfg.Cooldown.LossThreshold && !e.cooldown.Active {
			release := nextHTFClose(now, e.htfDuration(), e.cfg.Cooldown.ReleaseCandles)
			e.cooldown.Active = true
			e.cooldown.ActivatedAt = &now
			e.cooldown.ReleaseAfter = &release
			activated = true
		}
	default:
		e.mu.Unlock()
		return
	}
	cd := e.cooldown
	e.mu.Unlock()

	if activated {
		release := *cd.ReleaseAfter
		e.audit("WARN", "COOLDOWN", "ACTIVATE", "", "", "",
			fmt.Sprintf("%d убытка подряд, вход заблокирован до HTF-свечи после %s",
				cd.ConsecutiveLosses, release.Format(time.RFC3339)))
		e.logEntry().WithField("release_after", release).Warn("Серия убытков, включена пауза")
		e.sendNotify(fmt.Sprintf("⏸ %d убытка подряд. Пауза до закрытия HTF-свечи после %s.",
			cd.ConsecutiveLosses, release.Format("15:04 02.01")))
	}

	if err := e.st.SaveCooldownState(cd); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить состояние паузы")
	}
}

// cooldownSnapshot отдаёт копию состояния паузы. Счётчик обновляет
// горутина биржевых событий, читает тиковая, поэтому доступ только под e.mu.
func (e *Engine) cooldownSnapshot() models.CooldownState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}

// nextHTFClose возвращает границу закрытия HTF-свечи: первое закрытие
// строго после t, плюс ещё candles-1 интервалов. Порог всегда выровнен по
// сетке свечей, иначе наблюдаемое закрытие никогда не совпадёт с ним.
func nextHTFClose(t time.Time, htf time.Duration, candles int) time.Time {
	if candles < 1 {
		candles = 1
	}
	return t.Truncate(htf).Add(time.Duration(candles) * htf)
}

func (e *Engine) htfDuration() time.Duration {
	if d, ok := timeframeDurations[strings.ToLower(e.cfg.Bot.TimeframeHTF)]; ok {
		return d
	}
	return time.Hour
}

var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// maybeDailySummary раз в сутки отправляет сводку закрытых сделок за
// прошедший день UTC.
func (e *Engine) maybeDailySummary() {
	today := time.Now().UTC().Format("2006-01-02")
	if e.lastSummaryDay == "" {
		e.lastSummaryDay = today
		return
	}
	if e.lastSummaryDay == today {
		return
	}
	e.lastSummaryDay = today

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	positions, err := e.st.ListClosedPositionsSince(dayStart)
	if err != nil {
		e.logEntry().WithError(err).Error("Не удалось собрать дневную сводку")
		return
	}

	var pnl float64
	var wins, losses int
	for _, p := range positions {
		pnl += p.PnLRealised
		if p.PnLRealised > 0 {
			wins++
		} else if p.PnLRealised < 0 {
			losses++
		}
	}

	text := fmt.Sprintf("📊 Сводка за %s\nСделок: %d (▲%d ▼%d)\nPnL: %.4f",
		dayStart.Format("02.01.2006"), len(positions), wins, losses, pnl)
	e.logEntry().WithFields(logrus.Fields{
		"trades": len(positions),
		"pnl":    pnl,
	}).Info("Дневная сводка")
	e.sendNotify(text)
}
