package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

func baseInput() Input {
	return Input{
		Symbol:            "BTCUSDT",
		Direction:         models.DirectionLong,
		EvalTimestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		BundleVersion:     3,
		EntryPrice:        100.0,
		ATRLTF:            1.0,
		ATRStopMultiplier: 2.0,
		TPRMultiplier:     2.0,
		RiskFraction:      0.005,
		Account:           AccountSnapshot{TotalEquity: 10000, AvailableEquity: 10000},
		Rules: exchange.InstrumentRules{
			TickSize: 0.01,
			LotSize:  0.001,
			MinQty:   0.001,
		},
	}
}

func TestBuildPlanLong(t *testing.T) {
	plan, err := BuildPlan(baseInput())
	require.NoError(t, err)

	// R = 1.0 * 2.0
	assert.InDelta(t, 2.0, plan.RValue, 1e-9)
	assert.InDelta(t, 98.0, plan.StopPrice, 1e-9)
	assert.InDelta(t, 104.0, plan.TPPrice, 1e-9)

	// риск 0.005 * 10000 = 50; qty = 50 / 2 = 25
	assert.InDelta(t, 50.0, plan.RiskIntentAmount, 1e-9)
	assert.InDelta(t, 25.0, plan.Qty, 1e-6)
	assert.False(t, plan.CapitalConstrained)
	assert.Equal(t, models.PlanStatusPlanned, plan.Status)
	assert.NotEmpty(t, plan.ID)
}

func TestBuildPlanShortMirrors(t *testing.T) {
	in := baseInput()
	in.Direction = models.DirectionShort

	plan, err := BuildPlan(in)
	require.NoError(t, err)

	assert.InDelta(t, 102.0, plan.StopPrice, 1e-9)
	assert.InDelta(t, 96.0, plan.TPPrice, 1e-9)
}

func TestBuildPlanTPIsExactlyTwoR(t *testing.T) {
	in := baseInput()
	in.EntryPrice = 250.37
	in.ATRLTF = 3.17
	in.ATRStopMultiplier = 1.5
	in.Rules.TickSize = 0 // без квантовки, проверяем чистую арифметику

	plan, err := BuildPlan(in)
	require.NoError(t, err)

	r := 3.17 * 1.5
	assert.InDelta(t, in.EntryPrice-r, plan.StopPrice, 1e-9)
	assert.InDelta(t, in.EntryPrice+2*r, plan.TPPrice, 1e-9)
	assert.InDelta(t, 2*r, plan.TPPrice-plan.EntryPrice, 1e-9)
}

func TestBuildPlanCapitalConstrained(t *testing.T) {
	// Капитал 10000, доля риска 0.005, свободно только 8000.
	// Вход 1000, R = 5: желаемый размер 10 требует маржи 10000 при плече
	// 1x. Размер урезается до 8 и план помечается как ограниченный.
	in := baseInput()
	in.EntryPrice = 1000
	in.ATRLTF = 2.5
	in.ATRStopMultiplier = 2.0
	in.Account = AccountSnapshot{TotalEquity: 10000, AvailableEquity: 8000}

	plan, err := BuildPlan(in)
	require.NoError(t, err)

	assert.True(t, plan.CapitalConstrained)
	assert.InDelta(t, 8.0, plan.Qty, 1e-6)
	assert.InDelta(t, 8000.0, plan.MarginRequired, 1e-3)
	// риск-намерение остаётся 50, реализованный риск на стопе 8 * 5 = 40
	assert.InDelta(t, 50.0, plan.RiskIntentAmount, 1e-9)
	assert.InDelta(t, 40.0, plan.RealisedRiskAtStop, 1e-6)
	// Stop и TP от урезания не двигаются
	assert.InDelta(t, 995.0, plan.StopPrice, 1e-9)
	assert.InDelta(t, 1010.0, plan.TPPrice, 1e-9)
}

func TestBuildPlanFloorsToSteps(t *testing.T) {
	in := baseInput()
	in.EntryPrice = 99.999
	in.ATRLTF = 1.5
	in.ATRStopMultiplier = 1.0
	in.Rules.TickSize = 0.5
	in.Rules.LotSize = 0.1
	in.Rules.MinQty = 0.1

	plan, err := BuildPlan(in)
	require.NoError(t, err)

	// стоп 98.499 -> 98.0: только вниз, никогда вверх
	assert.InDelta(t, 98.0, plan.StopPrice, 1e-9)
	// qty = 50 / 1.5 = 33.33 -> 33.3
	assert.InDelta(t, 33.3, plan.Qty, 1e-9)
}

func TestBuildPlanRejectsTooSmall(t *testing.T) {
	in := baseInput()
	in.Account = AccountSnapshot{TotalEquity: 10, AvailableEquity: 10}
	in.Rules.MinQty = 1.0

	_, err := BuildPlan(in)
	assert.Error(t, err)
}

func TestBuildPlanRejectsBadInput(t *testing.T) {
	in := baseInput()
	in.ATRLTF = 0
	_, err := BuildPlan(in)
	assert.Error(t, err)

	in = baseInput()
	in.EntryPrice = 0
	_, err = BuildPlan(in)
	assert.Error(t, err)

	in = baseInput()
	in.Direction = "SIDEWAYS"
	_, err = BuildPlan(in)
	assert.Error(t, err)
}

func TestFloorToStep(t *testing.T) {
	assert.InDelta(t, 0.001, FloorToStep(0.0019, 0.001), 1e-12)
	assert.InDelta(t, 1.0, FloorToStep(1.0, 0.1), 1e-9)
	assert.InDelta(t, 7.0, FloorToStep(7.4, 1.0), 1e-9)
	// нулевой шаг не трогает значение
	assert.InDelta(t, 3.14, FloorToStep(3.14, 0), 1e-12)
}
