package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/indicator"
	"perpbot/internal/models"
)

func testBundle() models.ParameterBundle {
	return models.ParameterBundle{
		Symbol:            "BTCUSDT",
		Version:           1,
		ATRStopMultiplier: 2.0,
		VolGateType:       models.VolGateATRAboveMA,
		RSIReference:      55,
		Active:            true,
	}
}

func testSnapshot() indicator.Snapshot {
	return indicator.Snapshot{
		Symbol:       "BTCUSDT",
		EMA200HTF:    100.0,
		ATRHTF:       4.0,
		RSILTF:       60.0,
		ATRLTF:       1.2,
		ATRMALTF:     1.0,
		CurrentPrice: 110.0,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateTrendBuffer(t *testing.T) {
	e := New(0.001)
	// буфер = 0.5 * 4 = 2
	assert.Equal(t, models.TrendBull, e.EvaluateTrend(102.01, 100, 4))
	assert.Equal(t, models.TrendBear, e.EvaluateTrend(97.99, 100, 4))
	assert.Equal(t, models.TrendNeutral, e.EvaluateTrend(101.0, 100, 4))
	assert.Equal(t, models.TrendNeutral, e.EvaluateTrend(102.0, 100, 4))
	assert.Equal(t, models.TrendNeutral, e.EvaluateTrend(98.0, 100, 4))
}

func TestVolGateATRAboveMA(t *testing.T) {
	e := New(0.001)
	snap := testSnapshot()
	bundle := testBundle()

	assert.Equal(t, models.GatePass, e.VolGate(snap, bundle))

	snap.ATRLTF = 0.9
	assert.Equal(t, models.GateFail, e.VolGate(snap, bundle))
}

func TestVolGatePercentile(t *testing.T) {
	e := New(0.001)
	snap := testSnapshot()
	bundle := testBundle()
	bundle.VolGateType = models.VolGateATRPercentile
	bundle.ATRPercentileFloor = 60

	snap.ATRPercentileLTF = 75
	assert.Equal(t, models.GatePass, e.VolGate(snap, bundle))

	snap.ATRPercentileLTF = 59
	assert.Equal(t, models.GateFail, e.VolGate(snap, bundle))
}

func TestMomentumGate(t *testing.T) {
	e := New(0.001)

	state, dir := e.MomentumGate(models.TrendBull, 56, 55)
	assert.Equal(t, models.GatePass, state)
	assert.Equal(t, models.DirectionLong, dir)

	state, _ = e.MomentumGate(models.TrendBull, 54, 55)
	assert.Equal(t, models.GateFail, state)

	// для шорта зеркально: RSI <= 100 - reference
	state, dir = e.MomentumGate(models.TrendBear, 44, 55)
	assert.Equal(t, models.GatePass, state)
	assert.Equal(t, models.DirectionShort, dir)

	state, _ = e.MomentumGate(models.TrendBear, 46, 55)
	assert.Equal(t, models.GateFail, state)
}

func TestFundingGate(t *testing.T) {
	e := New(0.001)

	// экстремально отрицательный funding запрещает лонг
	assert.Equal(t, models.GateFail, e.FundingGate(models.DirectionLong, -0.0011))
	assert.Equal(t, models.GatePass, e.FundingGate(models.DirectionLong, -0.0009))
	assert.Equal(t, models.GatePass, e.FundingGate(models.DirectionLong, 0.002))

	// экстремально положительный запрещает шорт
	assert.Equal(t, models.GateFail, e.FundingGate(models.DirectionShort, 0.0011))
	assert.Equal(t, models.GatePass, e.FundingGate(models.DirectionShort, 0.0009))
}

func TestEvaluateEligibleLong(t *testing.T) {
	e := New(0.001)
	sig := e.Evaluate(testSnapshot(), testBundle(), 0.0001, 2, 3)

	assert.True(t, sig.Eligible)
	assert.Equal(t, models.DirectionLong, sig.Direction)
	assert.Equal(t, models.TrendBull, sig.TrendState)
	assert.Empty(t, sig.RejectionReason)
	assert.Equal(t, 2, sig.LiquidityRank)
	assert.Equal(t, 3, sig.PriorityIndex)
	// |110 - 100| / 4 = 2.5
	assert.InDelta(t, 2.5, sig.TrendStrengthScore, 1e-9)
	// 1.2 / 1.0
	assert.InDelta(t, 1.2, sig.VolExpansionScore, 1e-9)
}

func TestEvaluateRejectionReasons(t *testing.T) {
	e := New(0.001)
	bundle := testBundle()

	snap := testSnapshot()
	snap.CurrentPrice = 101.0
	sig := e.Evaluate(snap, bundle, 0, 0, 0)
	assert.False(t, sig.Eligible)
	assert.Equal(t, "trend_neutral_buffer", sig.RejectionReason)
	// ворота после тренда не оцениваются
	assert.Equal(t, models.GateUnknown, sig.VolGateState)

	snap = testSnapshot()
	snap.ATRLTF = 0.5
	sig = e.Evaluate(snap, bundle, 0, 0, 0)
	assert.Equal(t, "vol_gate_fail", sig.RejectionReason)

	snap = testSnapshot()
	snap.RSILTF = 50
	sig = e.Evaluate(snap, bundle, 0, 0, 0)
	assert.Equal(t, "momentum_fail", sig.RejectionReason)

	snap = testSnapshot()
	sig = e.Evaluate(snap, bundle, -0.002, 0, 0)
	assert.Equal(t, "funding_extreme", sig.RejectionReason)
	assert.Equal(t, models.GateFail, sig.FundingState)
}
