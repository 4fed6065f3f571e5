package signal

import (
	"perpbot/internal/indicator"
	"perpbot/internal/models"
)

// Буфер нейтральной зоны вокруг EMA200: 0.5 x HTF ATR.
const bufferMultiplier = 0.5

type Engine struct {
	FundingExtreme float64
}

func New(fundingExtreme float64) *Engine {
	return &Engine{FundingExtreme: fundingExtreme}
}

// EvaluateTrend относит цену к BULL/BEAR/NEUTRAL_BUFFER по EMA200 с буфером.
func (e *Engine) EvaluateTrend(price, ema200, atrHTF float64) models.TrendState {
	buffer := bufferMultiplier * atrHTF

	switch {
	case price > ema200+buffer:
		return models.TrendBull
	case price < ema200-buffer:
		return models.TrendBear
	default:
		return models.TrendNeutral
	}
}

// VolGate проверяет ворота волатильности по типу из набора параметров.
func (e *Engine) VolGate(snap indicator.Snapshot, bundle models.ParameterBundle) models.GateState {
	switch bundle.VolGateType {
	case models.VolGateATRAboveMA:
		if snap.ATRLTF > snap.ATRMALTF {
			return models.GatePass
		}
	case models.VolGateATRPercentile:
		if snap.ATRPercentileLTF >= float64(bundle.ATRPercentileFloor) {
			return models.GatePass
		}
	}
	return models.GateFail
}

// MomentumGate: RSI должен подтверждать направление тренда.
func (e *Engine) MomentumGate(trend models.TrendState, rsi float64, reference int) (models.GateState, models.Direction) {
	switch trend {
	case models.TrendBull:
		if rsi >= float64(reference) {
			return models.GatePass, models.DirectionLong
		}
	case models.TrendBear:
		if rsi <= float64(100-reference) {
			return models.GatePass, models.DirectionShort
		}
	}
	return models.GateFail, ""
}

// FundingGate: экстремальный funding против направления запрещает вход.
func (e *Engine) FundingGate(direction models.Direction, fundingRate float64) models.GateState {
	if direction == models.DirectionLong && fundingRate < -e.FundingExtreme {
		return models.GateFail
	}
	if direction == models.DirectionShort && fundingRate > e.FundingExtreme {
		return models.GateFail
	}
	return models.GatePass
}

// Evaluate собирает EligibleSignal за тик. Сигнал неизменяем после выпуска:
// все ворота и очки считаются здесь и только здесь.
func (e *Engine) Evaluate(
	snap indicator.Snapshot,
	bundle models.ParameterBundle,
	fundingRate float64,
	liquidityRank int,
	priorityIndex int,
) models.EligibleSignal {
	sig := models.EligibleSignal{
		Symbol:        snap.Symbol,
		EvalTimestamp: snap.Timestamp,
		LiquidityRank: liquidityRank,
		PriorityIndex: priorityIndex,
		FundingState:  models.GateUnknown,
	}

	sig.TrendState = e.EvaluateTrend(snap.CurrentPrice, snap.EMA200HTF, snap.ATRHTF)
	if sig.TrendState == models.TrendNeutral {
		sig.RejectionReason = "trend_neutral_buffer"
		sig.VolGateState = models.GateUnknown
		sig.MomentumState = models.GateUnknown
		return sig
	}

	sig.VolGateState = e.VolGate(snap, bundle)

	var direction models.Direction
	sig.MomentumState, direction = e.MomentumGate(sig.TrendState, snap.RSILTF, bundle.RSIReference)

	if sig.VolGateState != models.GatePass {
		sig.RejectionReason = "vol_gate_fail"
		return sig
	}
	if sig.MomentumState != models.GatePass {
		sig.RejectionReason = "momentum_fail"
		return sig
	}

	sig.FundingState = e.FundingGate(direction, fundingRate)
	if sig.FundingState != models.GatePass {
		sig.RejectionReason = "funding_extreme"
		return sig
	}

	sig.Direction = direction
	sig.Eligible = true

	// Очки для иерархии выбора: сила тренда как удаление от EMA200 в ATR,
	// расширение волатильности как отношение ATR к его средней.
	if snap.ATRHTF > 0 {
		sig.TrendStrengthScore = absFloat(snap.CurrentPrice-snap.EMA200HTF) / snap.ATRHTF
	}
	if bundle.VolGateType == models.VolGateATRPercentile {
		sig.VolExpansionScore = snap.ATRPercentileLTF / 100.0
	} else if snap.ATRMALTF > 0 {
		sig.VolExpansionScore = snap.ATRLTF / snap.ATRMALTF
	}

	return sig
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
