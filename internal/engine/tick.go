package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"perpbot/internal/indicator"
	"perpbot/internal/models"
	"perpbot/internal/risk"
	"perpbot/internal/selector"
)

const (
	htfCandleLimit = 300
	ltfCandleLimit = 160
)

// symbolSnapshot: всё, что тик собрал по одному инструменту.
type symbolSnapshot struct {
	Bundle  models.ParameterBundle
	Ind     indicator.Snapshot
	Funding float64
	HTFLast models.Candle
}

// OnTick — единственная точка входа цикла оценки. Порядок фиксирован:
// надзор за открытой позицией, снятие паузы, дневной отчёт, затем выбор
// нового входа. Вся мутация состояния сериализована через e.mu.
func (e *Engine) OnTick(ctx context.Context) {
	if e.stats != nil {
		e.stats.TicksTotal.Inc()
		e.stats.Halted.Set(boolGauge(e.guard.Halted()))
		e.stats.CooldownActive.Set(boolGauge(e.cooldownSnapshot().Active))
	}

	e.mu.Lock()
	live := e.state.Position != nil && e.state.Position.Status.Live()
	e.mu.Unlock()

	if live {
		e.superviseOpenPosition(ctx)
		return
	}

	e.maybeDailySummary()

	if e.guard.Halted() {
		return
	}

	snaps := e.collectSnapshots(ctx)
	if len(snaps) == 0 {
		return
	}

	e.maybeReleaseCooldown(snaps)

	signals := make([]models.EligibleSignal, 0, len(snaps))
	for i, symbol := range e.cfg.Bot.Symbols {
		snap, ok := snaps[symbol]
		if !ok {
			continue
		}
		// Порядок в конфиге задаёт и ранг ликвидности, и статический
		// приоритет: список составляется от самых ликвидных инструментов.
		sig := e.sig.Evaluate(snap.Ind, snap.Bundle, snap.Funding, i, i)
		signals = append(signals, sig)

		entry := e.log.WithSymbol(symbol).WithFields(logrus.Fields{
			"trend":    sig.TrendState,
			"eligible": sig.Eligible,
		})
		if sig.Eligible {
			entry.Info("Инструмент пригоден для входа")
		} else {
			entry.WithField("reason", sig.RejectionReason).Debug("Инструмент отклонён")
		}
	}

	res := selector.Select(signals, selector.Gates{
		PositionLive:   false,
		CooldownActive: e.cooldownSnapshot().Active,
		Halted:         e.guard.Halted(),
	})
	if e.stats != nil {
		e.stats.SelectorResults.WithLabelValues(string(res.Decision)).Inc()
	}
	if res.Decision != selector.DecisionSelected {
		if res.Decision != selector.DecisionNone {
			e.logEntry().WithField("decision", string(res.Decision)).Debug("Вход заблокирован")
		}
		return
	}

	snap := snaps[res.Signal.Symbol]
	e.openTrade(ctx, *res.Signal, snap)
}

// collectSnapshots собирает свечи, индикаторы и funding по инструментам,
// у которых закрылась новая LTF-свеча. Ошибки по одному инструменту не
// мешают остальным.
func (e *Engine) collectSnapshots(ctx context.Context) map[string]symbolSnapshot {
	out := map[string]symbolSnapshot{}

	for _, symbol := range e.cfg.Bot.Symbols {
		bundle, err := e.st.GetActiveBundle(symbol)
		if err != nil {
			e.log.WithSymbol(symbol).WithError(err).Error("Не удалось прочитать набор параметров")
			continue
		}
		if bundle == nil {
			e.log.WithSymbol(symbol).Debug("Нет активного набора параметров, инструмент пропущен")
			continue
		}

		ltf, err := e.getCandles(ctx, symbol, e.cfg.Bot.TimeframeLTF, ltfCandleLimit)
		if err != nil {
			e.log.WithSymbol(symbol).WithError(err).Warn("Не удалось получить LTF-свечи")
			continue
		}
		if len(ltf) == 0 {
			continue
		}
		lastClose := ltf[len(ltf)-1].CloseTime
		if !lastClose.After(e.lastEvalLTF[symbol]) {
			continue
		}

		htf, err := e.getCandles(ctx, symbol, e.cfg.Bot.TimeframeHTF, htfCandleLimit)
		if err != nil {
			e.log.WithSymbol(symbol).WithError(err).Warn("Не удалось получить HTF-свечи")
			continue
		}

		snap, err := indicator.Build(symbol, htf, ltf, bundle.ATRMALength)
		if err != nil {
			e.log.WithSymbol(symbol).WithError(err).Warn("Не удалось построить индикаторы")
			continue
		}

		var funding float64
		if err := e.withRetryVoid(ctx, func() error {
			var fErr error
			funding, fErr = e.client.GetFundingRate(ctx, symbol)
			return fErr
		}); err != nil {
			e.log.WithSymbol(symbol).WithError(err).Warn("Не удалось получить funding, вход пропущен")
			continue
		}

		e.lastEvalLTF[symbol] = lastClose
		out[symbol] = symbolSnapshot{
			Bundle:  *bundle,
			Ind:     snap,
			Funding: funding,
			HTFLast: htf[len(htf)-1],
		}
	}
	return out
}

func (e *Engine) getCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	var out []models.Candle
	err := e.withRetryVoid(ctx, func() error {
		candles, err := e.client.GetCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			return err
		}
		out = candles
		return nil
	})
	return out, err
}

// maybeReleaseCooldown снимает паузу только когда тик НАБЛЮДАЕТ закрытие
// HTF-свечи не раньше порога. Настенные часы паузу не снимают: после
// простоя бот ждёт реально закрывшуюся свечу.
func (e *Engine) maybeReleaseCooldown(snaps map[string]symbolSnapshot) {
	cd := e.cooldownSnapshot()
	if !cd.Active || cd.ReleaseAfter == nil {
		return
	}
	released := false
	for _, snap := range snaps {
		if !snap.HTFLast.CloseTime.Before(*cd.ReleaseAfter) {
			released = true
			break
		}
	}
	if !released {
		return
	}

	cd = models.CooldownState{UpdatedAt: time.Now().UTC()}
	e.mu.Lock()
	e.cooldown = cd
	e.mu.Unlock()
	if err := e.st.SaveCooldownState(cd); err != nil {
		e.logEntry().WithError(err).Error("Не удалось сохранить снятие паузы")
	}
	e.audit("INFO", "COOLDOWN", "RELEASE", "", "", "", "пауза после серии убытков снята")
	e.logEntry().Info("Пауза после серии убытков снята")
}

// openTrade строит план и запускает вход. Вызывается только при FLAT.
func (e *Engine) openTrade(ctx context.Context, sig models.EligibleSignal, snap symbolSnapshot) {
	var account risk.AccountSnapshot
	if err := e.withRetryVoid(ctx, func() error {
		st, err := e.client.GetAccountState(ctx)
		if err != nil {
			return err
		}
		account = risk.AccountSnapshot{TotalEquity: st.TotalEquity, AvailableEquity: st.AvailableEquity}
		return nil
	}); err != nil {
		e.log.WithSymbol(sig.Symbol).WithError(err).Error("Не удалось получить состояние счёта, вход отменён")
		return
	}
	if e.stats != nil {
		e.stats.EquityTotal.Set(account.TotalEquity)
	}

	plan, err := risk.BuildPlan(risk.Input{
		Symbol:            sig.Symbol,
		Direction:         sig.Direction,
		EvalTimestamp:     sig.EvalTimestamp,
		BundleVersion:     snap.Bundle.Version,
		EntryPrice:        snap.Ind.CurrentPrice,
		ATRLTF:            snap.Ind.ATRLTF,
		ATRStopMultiplier: snap.Bundle.ATRStopMultiplier,
		TPRMultiplier:     e.cfg.Risk.TPRMultiplier,
		RiskFraction:      e.cfg.Risk.RiskFraction,
		Account:           account,
		Rules:             e.rules[sig.Symbol],
	})
	if err != nil {
		e.log.WithSymbol(sig.Symbol).WithError(err).Warn("План сделки не построен")
		return
	}

	if err := e.st.SaveTradePlan(plan); err != nil {
		e.log.WithSymbol(sig.Symbol).WithError(err).Error("Не удалось сохранить план, вход отменён")
		return
	}

	e.log.WithPlanID(plan.ID).WithFields(logrus.Fields{
		"symbol":              plan.Symbol,
		"direction":           plan.Direction,
		"qty":                 plan.Qty,
		"entry":               plan.EntryPrice,
		"stop":                plan.StopPrice,
		"tp":                  plan.TPPrice,
		"capital_constrained": plan.CapitalConstrained,
	}).Info("План сделки построен")

	e.executeEntry(ctx, plan)
}

func trendForDirection(d models.Direction) models.TrendState {
	if d == models.DirectionLong {
		return models.TrendBull
	}
	return models.TrendBear
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
