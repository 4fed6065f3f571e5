package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func samplePlan(id string) models.TradePlan {
	return models.TradePlan{
		ID:                 id,
		CreatedAt:          time.Now().UTC(),
		EvalTimestamp:      time.Now().UTC(),
		Symbol:             "BTCUSDT",
		BundleVersion:      1,
		Direction:          models.DirectionLong,
		EntryPrice:         100,
		StopPrice:          98,
		TPPrice:            104,
		RValue:             2,
		RiskFraction:       0.005,
		EquityTotal:        10000,
		EquityAvailable:    10000,
		RiskIntentAmount:   50,
		MarginRequired:     2500,
		RealisedRiskAtStop: 50,
		Qty:                25,
		Status:             models.PlanStatusPlanned,
	}
}

func samplePosition(id, planID string, status models.PositionStatus) models.Position {
	return models.Position{
		ID:          id,
		TradePlanID: planID,
		Symbol:      "BTCUSDT",
		Direction:   models.DirectionLong,
		OpenedAt:    time.Now().UTC(),
		Status:      status,
	}
}

func TestTradePlanRoundTrip(t *testing.T) {
	st := openTestStore(t)

	plan := samplePlan("plan-1")
	require.NoError(t, st.SaveTradePlan(plan))

	got, err := st.GetTradePlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, plan.Symbol, got.Symbol)
	assert.Equal(t, plan.Direction, got.Direction)
	assert.InDelta(t, plan.StopPrice, got.StopPrice, 1e-9)
	assert.Equal(t, models.PlanStatusPlanned, got.Status)

	// обновляется только статус и причина
	plan.Status = models.PlanStatusCancelled
	plan.FailureReason = "вход не исполнен"
	require.NoError(t, st.SaveTradePlan(plan))

	got, err = st.GetTradePlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCancelled, got.Status)
	assert.Equal(t, "вход не исполнен", got.FailureReason)
}

func TestOneLivePositionInvariant(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveTradePlan(samplePlan("plan-1")))
	require.NoError(t, st.SaveTradePlan(samplePlan("plan-2")))

	require.NoError(t, st.SavePosition(samplePosition("pos-1", "plan-1", models.PositionOpen)))

	// вторая живая позиция отклоняется схемой, даже в другом статусе
	err := st.SavePosition(samplePosition("pos-2", "plan-2", models.PositionOpening))
	assert.Error(t, err)

	// закрытая — свободно
	closed := samplePosition("pos-3", "plan-2", models.PositionClosed)
	now := time.Now().UTC()
	closed.ClosedAt = &now
	assert.NoError(t, st.SavePosition(closed))
}

func TestGetLivePosition(t *testing.T) {
	st := openTestStore(t)

	live, err := st.GetLivePosition()
	require.NoError(t, err)
	assert.Nil(t, live)

	require.NoError(t, st.SaveTradePlan(samplePlan("plan-1")))
	require.NoError(t, st.SavePosition(samplePosition("pos-1", "plan-1", models.PositionClosing)))

	live, err = st.GetLivePosition()
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "pos-1", live.ID)
	assert.Equal(t, models.PositionClosing, live.Status)
}

func TestOrderEventsAppendOnly(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveTradePlan(samplePlan("plan-1")))

	base := time.Now().UTC()
	for i, kind := range []models.OrderEventKind{
		models.OrderEventSubmitted, models.OrderEventAck, models.OrderEventFill,
	} {
		require.NoError(t, st.AppendOrderEvent(models.OrderEvent{
			TradePlanID:   "plan-1",
			Symbol:        "BTCUSDT",
			Role:          models.OrderRoleEntry,
			ClientOrderID: "mb_plan-1_ENTRY_1",
			Kind:          kind,
			EventTime:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := st.ListOrderEventsByPlan("plan-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.OrderEventSubmitted, events[0].Kind)
	assert.Equal(t, models.OrderEventFill, events[2].Kind)
	// ID выдаются автоматически
	assert.NotEmpty(t, events[0].ID)
}

func TestCooldownStateRoundTrip(t *testing.T) {
	st := openTestStore(t)

	cs, err := st.GetCooldownState()
	require.NoError(t, err)
	assert.False(t, cs.Active)

	now := time.Now().UTC().Truncate(time.Second)
	release := now.Add(2 * time.Hour)
	require.NoError(t, st.SaveCooldownState(models.CooldownState{
		Active:            true,
		ConsecutiveLosses: 2,
		ActivatedAt:       &now,
		ReleaseAfter:      &release,
		UpdatedAt:         now,
	}))

	cs, err = st.GetCooldownState()
	require.NoError(t, err)
	assert.True(t, cs.Active)
	assert.Equal(t, 2, cs.ConsecutiveLosses)
	require.NotNil(t, cs.ReleaseAfter)
	assert.True(t, cs.ReleaseAfter.Equal(release))
}

func TestHaltStateRoundTrip(t *testing.T) {
	st := openTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.SaveHaltState(models.HaltState{
		Halted: true, Reason: "деградация API", HaltedAt: &now, UpdatedAt: now,
	}))

	hs, err := st.GetHaltState()
	require.NoError(t, err)
	assert.True(t, hs.Halted)
	assert.Equal(t, "деградация API", hs.Reason)
}

func TestBundleActivationSwitchesAtomically(t *testing.T) {
	st := openTestStore(t)

	now := time.Now().UTC()
	v1 := models.ParameterBundle{
		Symbol: "BTCUSDT", Version: 1, ATRStopMultiplier: 2.0,
		VolGateType: models.VolGateATRAboveMA, ATRMALength: 20,
		RSIReference: 55, ActiveFrom: now,
	}
	require.NoError(t, st.ActivateBundle(v1))

	active, err := st.GetActiveBundle("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 1, active.Version)

	v2 := v1
	v2.Version = 2
	v2.ATRStopMultiplier = 1.5
	require.NoError(t, st.ActivateBundle(v2))

	active, err = st.GetActiveBundle("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)

	// прежняя версия остаётся доступной для сделки в полёте
	old, err := st.GetBundle("BTCUSDT", 1)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.InDelta(t, 2.0, old.ATRStopMultiplier, 1e-9)
	assert.False(t, old.Active)
}

func TestAuditCarriesStrategyVersion(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.AppendAudit(AuditEvent{
		Severity: "INFO", Category: "LIFECYCLE", EventName: "TEST", Message: "запись",
	}))

	var version string
	err := st.db.QueryRow(`SELECT strategy_version FROM audit_event`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, StrategyVersion, version)
}
