package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/logger"
	"perpbot/internal/models"
	"perpbot/internal/safety"
	"perpbot/internal/store"
)

// memStore: хранилище в памяти для тестов движка и надзора.
type memStore struct {
	mu        sync.Mutex
	plans     map[string]models.TradePlan
	positions map[string]models.Position
	events    []models.OrderEvent
	audits    []store.AuditEvent
	cooldown  models.CooldownState
	halt      models.HaltState
	bundles   map[string]models.ParameterBundle
}

func newMemStore() *memStore {
	return &memStore{
		plans:     map[string]models.TradePlan{},
		positions: map[string]models.Position{},
		bundles:   map[string]models.ParameterBundle{},
	}
}

func (m *memStore) SaveTradePlan(p models.TradePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *memStore) GetTradePlan(id string) (models.TradePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return models.TradePlan{}, errors.New("план не найден")
	}
	return p, nil
}

func (m *memStore) SavePosition(p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *memStore) GetLivePosition() (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Status.Live() {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListClosedPositionsSince(since time.Time) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.Status == models.PositionClosed && p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) AppendOrderEvent(ev models.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) ListOrderEventsByPlan(planID string) ([]models.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderEvent
	for _, ev := range m.events {
		if ev.TradePlanID == planID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(ev store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func (m *memStore) GetCooldownState() (models.CooldownState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldown, nil
}

func (m *memStore) SaveCooldownState(cs models.CooldownState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = cs
	return nil
}

func (m *memStore) GetHaltState() (models.HaltState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halt, nil
}

func (m *memStore) SaveHaltState(hs models.HaltState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halt = hs
	return nil
}

func (m *memStore) GetActiveBundle(symbol string) (*models.ParameterBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[symbol]
	if !ok {
		return nil, nil
	}
	cp := b
	return &cp, nil
}

func (m *memStore) GetBundle(symbol string, version int) (*models.ParameterBundle, error) {
	return m.GetActiveBundle(symbol)
}

func (m *memStore) ActivateBundle(b models.ParameterBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.Symbol] = b
	return nil
}

func (m *memStore) position(id string) models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id]
}

func (m *memStore) hasAudit(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.audits {
		if ev.EventName == name {
			return true
		}
	}
	return false
}

// fakeClient: биржа с управляемым поведением.
type fakeClient struct {
	mu        sync.Mutex
	placed    []models.Order
	cancelled []string

	placeErr   func(models.Order) error
	placeDelay time.Duration
	accountCfg func(symbol string) (exchange.AccountConfig, error)
	positions  map[string]exchange.PositionSnapshot
	fills      []models.Fill
	openOrders []models.Order
}

func (f *fakeClient) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	return exchange.InstrumentRules{TickSize: 0.01, LotSize: 0.001, MinQty: 0.001}, nil
}

func (f *fakeClient) GetAccountConfig(ctx context.Context, symbol string) (exchange.AccountConfig, error) {
	f.mu.Lock()
	hook := f.accountCfg
	f.mu.Unlock()
	if hook != nil {
		return hook(symbol)
	}
	return exchange.AccountConfig{Symbol: symbol, Leverage: 1, MarginMode: "isolated"}, nil
}

func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeClient) SetIsolatedMargin(ctx context.Context, symbol string) error        { return nil }

func (f *fakeClient) GetAccountState(ctx context.Context) (exchange.AccountState, error) {
	return exchange.AccountState{TotalEquity: 10000, AvailableEquity: 10000}, nil
}

func (f *fakeClient) GetPosition(ctx context.Context, symbol string) (exchange.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[symbol]; ok {
		return p, nil
	}
	return exchange.PositionSnapshot{Symbol: symbol}, nil
}

func (f *fakeClient) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	ch := make(chan exchange.Event)
	return ch, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.mu.Lock()
	delay := f.placeDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return models.Order{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		if err := f.placeErr(order); err != nil {
			return models.Order{}, err
		}
	}
	order.ID = "ex-" + order.LinkID
	f.placed = append(f.placed, order)

	// рыночный закрывающий ордер исполняется немедленно
	if order.Type == models.OrderTypeMarket && order.IsReduce {
		f.fills = append(f.fills, models.Fill{
			OrderID: order.ID,
			LinkID:  order.LinkID,
			ExecID:  "exec-" + order.LinkID,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Price:   100,
			Qty:     order.Qty,
		})
	}
	return order, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Order(nil), f.openOrders...), nil
}

func (f *fakeClient) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Fill(nil), f.fills...), nil
}

func (f *fakeClient) placedRoles() []models.OrderRole {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderRole
	for _, o := range f.placed {
		out = append(out, o.Role)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Bot: config.BotConfig{
			InstanceTag:  "mb",
			Symbols:      []string{"BTCUSDT"},
			TimeframeLTF: "15m",
			TimeframeHTF: "1h",
			TickInterval: time.Second,
		},
		Risk: config.RiskConfig{RiskFraction: 0.005, TPRMultiplier: 2.0},
		Execution: config.ExecutionConfig{
			AckTimeout:       100 * time.Millisecond,
			EntryFillTimeout: 200 * time.Millisecond,
			StopPlaceBudget:  time.Second,
			CloseRetryDelay:  20 * time.Millisecond,
			CloseMaxAttempts: 3,
		},
		Cooldown: config.CooldownConfig{LossThreshold: 2, ReleaseCandles: 1},
		Safety: config.SafetyConfig{
			LatencyThreshold:  time.Second,
			ErrorRatePercent:  5.0,
			MinRequestsWindow: 20,
			FundingExtreme:    0.001,
		},
	}
}

func newTestEngine(t *testing.T, st *memStore, client *fakeClient) *Engine {
	t.Helper()
	log := logger.New(logger.Config{Level: "error"})
	guard, err := safety.New(testConfig().Safety, st, nil, log.WithComponent("safety"))
	require.NoError(t, err)

	e := New(testConfig(), client, st, guard, nil, nil, log)
	e.rules["BTCUSDT"] = exchange.InstrumentRules{TickSize: 0.01, LotSize: 0.001, MinQty: 0.001}
	return e
}

// liveTrade готовит движок с открытой защищённой позицией.
func liveTrade(e *Engine, st *memStore) (models.TradePlan, models.Position) {
	plan := models.TradePlan{
		ID:                 "deadbeef00112233",
		Symbol:             "BTCUSDT",
		Direction:          models.DirectionLong,
		EntryPrice:         100,
		StopPrice:          98,
		TPPrice:            104,
		RValue:             2,
		RealisedRiskAtStop: 4.0,
		Qty:                2.0,
		Status:             models.PlanStatusFilled,
	}
	position := models.Position{
		ID:          "pos-1",
		TradePlanID: plan.ID,
		Symbol:      "BTCUSDT",
		Direction:   models.DirectionLong,
		OpenedAt:    time.Now().UTC(),
		EntryAvg:    100,
		QtyFilled:   2.0,
		Status:      models.PositionOpen,
	}
	st.SaveTradePlan(plan)
	st.SavePosition(position)

	e.mu.Lock()
	e.state = execState{
		Plan:             &plan,
		Position:         &position,
		EntryLink:        buildLinkID("mb", plan.ID, models.OrderRoleEntry, 1),
		StopLink:         buildLinkID("mb", plan.ID, models.OrderRoleStop, 1),
		TPLink:           buildLinkID("mb", plan.ID, models.OrderRoleTarget, 1),
		StopOrderID:      "ex-stop",
		TPOrderID:        "ex-tp",
		EntryFilled:      2.0,
		EntryAvg:         100,
		ProcessedExecIDs: map[string]bool{},
	}
	e.mu.Unlock()
	return plan, position
}

func TestUpdateCooldownActivatesAfterConsecutiveLosses(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	e.updateCooldown(-10)
	assert.False(t, e.cooldown.Active)
	assert.Equal(t, 1, e.cooldown.ConsecutiveLosses)

	e.updateCooldown(-5)
	require.True(t, e.cooldown.Active)
	assert.Equal(t, 2, e.cooldown.ConsecutiveLosses)
	require.NotNil(t, e.cooldown.ReleaseAfter)
	require.NotNil(t, e.cooldown.ActivatedAt)
	// порог — ближайшее закрытие часовой HTF-свечи, выровненное по сетке
	expected := nextHTFClose(*e.cooldown.ActivatedAt, time.Hour, 1)
	assert.True(t, e.cooldown.ReleaseAfter.Equal(expected))
	assert.True(t, e.cooldown.ReleaseAfter.Equal(e.cooldown.ReleaseAfter.Truncate(time.Hour)))
	assert.True(t, st.cooldown.Active)
}

func TestNextHTFCloseAlignsToCandleGrid(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 17, 42, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), nextHTFClose(at, time.Hour, 1))
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), nextHTFClose(at, time.Hour, 2))
	assert.Equal(t, time.Date(2026, 3, 14, 10, 45, 0, 0, time.UTC), nextHTFClose(at, 15*time.Minute, 2))
	// нулевое и отрицательное число свечей ведут себя как одна
	assert.Equal(t, nextHTFClose(at, time.Hour, 1), nextHTFClose(at, time.Hour, 0))
}

func TestCooldownReleasedByNextObservedHTFClose(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	e.updateCooldown(-10)
	e.updateCooldown(-5)
	require.True(t, e.cooldownSnapshot().Active)
	release := *e.cooldownSnapshot().ReleaseAfter

	// первая же часовая свеча, закрывшаяся на пороге, снимает паузу
	e.maybeReleaseCooldown(map[string]symbolSnapshot{
		"BTCUSDT": {HTFLast: models.Candle{CloseTime: release}},
	})
	assert.False(t, e.cooldownSnapshot().Active)
	assert.Equal(t, 0, e.cooldownSnapshot().ConsecutiveLosses)
	assert.False(t, st.cooldown.Active)
}

func TestUpdateCooldownWinResetsStreak(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	e.updateCooldown(-10)
	e.updateCooldown(25)
	assert.False(t, e.cooldown.Active)
	assert.Equal(t, 0, e.cooldown.ConsecutiveLosses)

	// ноль не меняет серию
	e.updateCooldown(-10)
	e.updateCooldown(0)
	assert.Equal(t, 1, e.cooldown.ConsecutiveLosses)
}

func TestMaybeReleaseCooldownRequiresObservedHTFClose(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	release := time.Now().UTC().Add(-time.Hour)
	activated := release.Add(-2 * time.Hour)
	e.cooldown = models.CooldownState{
		Active:            true,
		ConsecutiveLosses: 2,
		ActivatedAt:       &activated,
		ReleaseAfter:      &release,
	}

	// свеча закрылась раньше порога: пауза остаётся, хотя часы уже прошли
	e.maybeReleaseCooldown(map[string]symbolSnapshot{
		"BTCUSDT": {HTFLast: models.Candle{CloseTime: release.Add(-time.Minute)}},
	})
	assert.True(t, e.cooldown.Active)

	// наблюдаемое закрытие на пороге снимает паузу
	e.maybeReleaseCooldown(map[string]symbolSnapshot{
		"BTCUSDT": {HTFLast: models.Candle{CloseTime: release}},
	})
	assert.False(t, e.cooldown.Active)
	assert.Equal(t, 0, e.cooldown.ConsecutiveLosses)
	assert.False(t, st.cooldown.Active)
}

func TestCooldownSharedBetweenEventAndTickGoroutines(t *testing.T) {
	// Счётчик убытков пишет горутина биржевых событий, тиковая его читает
	// и снимает паузу. Гонки здесь ловит go test -race.
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.updateCooldown(-1)
			e.updateCooldown(1)
		}
	}()
	go func() {
		defer wg.Done()
		snaps := map[string]symbolSnapshot{
			"BTCUSDT": {HTFLast: models.Candle{CloseTime: time.Now().UTC().Add(2 * time.Hour)}},
		}
		for i := 0; i < 200; i++ {
			_ = e.cooldownSnapshot().Active
			e.maybeReleaseCooldown(snaps)
		}
	}()
	wg.Wait()
}

func TestFinalizePositionComputesPnLAndR(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})
	plan, position := liveTrade(e, st)

	e.mu.Lock()
	e.state.CloseFilled = 2.0
	e.state.CloseAvg = 104
	e.state.FeesPaid = 0.5
	e.mu.Unlock()

	e.finalizePosition(models.ExitReasonTP)

	saved := st.position(position.ID)
	assert.Equal(t, models.PositionClosed, saved.Status)
	assert.Equal(t, models.ExitReasonTP, saved.ExitReason)
	// (104 - 100) * 2 - 0.5
	assert.InDelta(t, 7.5, saved.PnLRealised, 1e-9)
	assert.InDelta(t, 7.5/4.0, saved.RRealised, 1e-9)
	require.NotNil(t, saved.ClosedAt)

	savedPlan, err := st.GetTradePlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFilled, savedPlan.Status)

	// состояние сброшено
	e.mu.Lock()
	assert.Nil(t, e.state.Position)
	e.mu.Unlock()
}

func TestFinalizeShortPositionPnL(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})
	_, position := liveTrade(e, st)

	e.mu.Lock()
	e.state.Position.Direction = models.DirectionShort
	e.state.CloseFilled = 2.0
	e.state.CloseAvg = 98
	e.mu.Unlock()

	e.finalizePosition(models.ExitReasonTP)

	saved := st.position(position.ID)
	// шорт: (98 - 100) * 2 инвертируется в +4
	assert.InDelta(t, 4.0, saved.PnLRealised, 1e-9)
}

func TestProtectionFailureClosesAndHalts(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{
		placeErr: func(order models.Order) error {
			if order.Role == models.OrderRoleStop {
				return errors.New("размещение отклонено биржей")
			}
			return nil
		},
	}
	e := newTestEngine(t, st, client)
	_, position := liveTrade(e, st)

	e.mu.Lock()
	e.state.Position.Status = models.PositionOpening
	e.state.StopOrderID = ""
	e.state.TPOrderID = ""
	e.mu.Unlock()

	e.placeProtection(context.Background())

	// позиция закрыта рынком, торговля остановлена
	saved := st.position(position.ID)
	assert.Equal(t, models.PositionClosed, saved.Status)
	assert.Equal(t, models.ExitReasonSafetyHalt, saved.ExitReason)
	assert.True(t, e.guard.Halted())
	assert.True(t, st.hasAudit("PROTECTION_FAILED"))

	// STOP пробовали дважды, затем ушёл CLOSE; TP не выставлялся
	roles := client.placedRoles()
	assert.NotContains(t, roles, models.OrderRoleTarget)
	assert.Contains(t, roles, models.OrderRoleClose)
}

func TestRegimeExitCancelsProtectionAndCloses(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{}
	e := newTestEngine(t, st, client)
	_, position := liveTrade(e, st)

	e.regimeExit(context.Background(), models.ExitReasonTrendInvalid)

	saved := st.position(position.ID)
	assert.Equal(t, models.PositionClosed, saved.Status)
	assert.Equal(t, models.ExitReasonTrendInvalid, saved.ExitReason)
	assert.False(t, e.guard.Halted())

	// оба защитных ордера сняты до закрытия
	client.mu.Lock()
	cancelled := append([]string(nil), client.cancelled...)
	client.mu.Unlock()
	assert.Contains(t, cancelled, "ex-stop")
	assert.Contains(t, cancelled, "ex-tp")
	assert.Contains(t, client.placedRoles(), models.OrderRoleClose)
}

func TestCloseExhaustionIsTerminal(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{
		placeErr: func(order models.Order) error {
			if order.Role == models.OrderRoleClose {
				return errors.New("недоступно")
			}
			return nil
		},
	}
	e := newTestEngine(t, st, client)
	_, position := liveTrade(e, st)

	e.regimeExit(context.Background(), models.ExitReasonVolContraction)

	saved := st.position(position.ID)
	assert.Equal(t, models.PositionFailed, saved.Status)
	assert.True(t, e.guard.Halted())
	assert.True(t, st.hasAudit("CLOSE_FAILED"))
}

func TestPlaceOrderIdempotentFindsExistingOnDuplicate(t *testing.T) {
	st := newMemStore()
	link := buildLinkID("mb", "deadbeef00112233", models.OrderRoleTarget, 1)
	client := &fakeClient{
		placeErr: func(order models.Order) error {
			return errors.New("170141 Duplicate clientOrderId")
		},
	}
	e := newTestEngine(t, st, client)

	// рыночный ордер не ищется заранее: дубликат обнаруживается только
	// ответом биржи, после чего существующий ордер находится по link_id
	client.mu.Lock()
	client.openOrders = []models.Order{{ID: "ex-1", LinkID: link, Symbol: "BTCUSDT"}}
	client.mu.Unlock()

	order := models.Order{
		LinkID: link,
		Symbol: "BTCUSDT",
		Side:   models.OrderSideSell,
		Type:   models.OrderTypeMarket,
		Role:   models.OrderRoleTarget,
		Qty:    1,
	}
	placed, err := e.placeOrderIdempotent(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", placed.ID)
}

func TestStaleFillIsIgnored(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})
	liveTrade(e, st)

	// исполнение по ордеру давно завершённого плана
	e.handleFill(context.Background(), models.Fill{
		LinkID: buildLinkID("mb", "ffffffffffffffff", models.OrderRoleStop, 1),
		ExecID: "stale-1",
		Price:  98,
		Qty:    2,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Zero(t, e.state.CloseFilled)
	assert.Equal(t, models.PositionOpen, e.state.Position.Status)
}

func TestStopFillClosesPositionAsSL(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{}
	e := newTestEngine(t, st, client)
	plan, position := liveTrade(e, st)

	e.handleFill(context.Background(), models.Fill{
		OrderID: "ex-stop",
		LinkID:  buildLinkID("mb", plan.ID, models.OrderRoleStop, 1),
		ExecID:  "exec-stop-1",
		Symbol:  "BTCUSDT",
		Price:   98,
		Qty:     2.0,
	})

	saved := st.position(position.ID)
	assert.Equal(t, models.PositionClosed, saved.Status)
	assert.Equal(t, models.ExitReasonSL, saved.ExitReason)
	// (98 - 100) * 2
	assert.InDelta(t, -4.0, saved.PnLRealised, 1e-9)
	// парный TP снят
	client.mu.Lock()
	cancelled := append([]string(nil), client.cancelled...)
	client.mu.Unlock()
	assert.Contains(t, cancelled, "ex-tp")
	// убыток попал в серию
	assert.Equal(t, 1, e.cooldown.ConsecutiveLosses)
}

func TestDuplicateExecIDAppliedOnce(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})
	plan, _ := liveTrade(e, st)

	fill := models.Fill{
		LinkID: buildLinkID("mb", plan.ID, models.OrderRoleEntry, 1),
		ExecID: "exec-1",
		Symbol: "BTCUSDT",
		Price:  100,
		Qty:    0.5,
	}
	e.mu.Lock()
	e.state.EntryFilled = 0
	e.state.EntryAvg = 0
	e.mu.Unlock()

	e.applyEntryFill(fill)
	e.applyEntryFill(fill) // приходит повторно из REST-сверки

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.InDelta(t, 0.5, e.state.EntryFilled, 1e-9)
}

func pendingPlan() models.TradePlan {
	return models.TradePlan{
		ID:                 "deadbeef00112233",
		Symbol:             "BTCUSDT",
		Direction:          models.DirectionLong,
		EntryPrice:         100,
		StopPrice:          98,
		TPPrice:            104,
		RValue:             2,
		RealisedRiskAtStop: 4.0,
		Qty:                2.0,
		Status:             models.PlanStatusPlanned,
	}
}

func TestRegimeExitPersistsReasonOnClosing(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{}
	var atClose models.Position
	client.placeErr = func(order models.Order) error {
		if order.Role == models.OrderRoleClose {
			atClose = st.position("pos-1")
		}
		return nil
	}
	e := newTestEngine(t, st, client)
	_, position := liveTrade(e, st)

	e.regimeExit(context.Background(), models.ExitReasonFundingExtreme)

	// причина записана уже на переходе в CLOSING, до отправки CLOSE
	assert.Equal(t, models.PositionClosing, atClose.Status)
	assert.Equal(t, models.ExitReasonFundingExtreme, atClose.ExitReason)

	saved := st.position(position.ID)
	assert.Equal(t, models.PositionClosed, saved.Status)
	assert.Equal(t, models.ExitReasonFundingExtreme, saved.ExitReason)
}

func TestUnfilledEntryMarksPositionFailed(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})
	plan := pendingPlan()
	st.SaveTradePlan(plan)

	e.executeEntry(context.Background(), plan)

	// экспозиции не было: позиция уходит в FAILED, минуя CLOSING
	st.mu.Lock()
	require.Len(t, st.positions, 1)
	var saved models.Position
	for _, p := range st.positions {
		saved = p
	}
	st.mu.Unlock()
	assert.Equal(t, models.PositionFailed, saved.Status)
	require.NotNil(t, saved.ClosedAt)

	savedPlan, err := st.GetTradePlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCancelled, savedPlan.Status)

	// серия убытков не затронута, состояние сброшено
	assert.Equal(t, 0, e.cooldownSnapshot().ConsecutiveLosses)
	e.mu.Lock()
	assert.Nil(t, e.state.Position)
	e.mu.Unlock()
}

func TestEntryRejectedWhenAccountConfigDrifts(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{
		accountCfg: func(symbol string) (exchange.AccountConfig, error) {
			return exchange.AccountConfig{Symbol: symbol, Leverage: 5, MarginMode: "isolated"}, nil
		},
	}
	e := newTestEngine(t, st, client)
	plan := pendingPlan()
	st.SaveTradePlan(plan)

	e.executeEntry(context.Background(), plan)

	// ни одного ордера не ушло, план провален
	assert.Empty(t, client.placedRoles())
	savedPlan, err := st.GetTradePlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, savedPlan.Status)
	assert.True(t, st.hasAudit("ENTRY_PREFLIGHT_REJECTED"))
}

func TestSafetyPollHaltsOnAccountConfigDrift(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{
		accountCfg: func(symbol string) (exchange.AccountConfig, error) {
			return exchange.AccountConfig{Symbol: symbol, Leverage: 1, MarginMode: "cross"}, nil
		},
	}
	e := newTestEngine(t, st, client)
	e.cfg.Safety.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.runSafetyPoll(ctx)

	require.Eventually(t, e.guard.Halted, time.Second, 10*time.Millisecond)
	assert.True(t, st.hasAudit("ACCOUNT_CONFIG_DRIFT"))
}

func TestPlaceOrderBoundedByAckTimeout(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{placeDelay: time.Minute}
	e := newTestEngine(t, st, client)

	order := models.Order{
		LinkID: buildLinkID("mb", "deadbeef00112233", models.OrderRoleEntry, 1),
		Symbol: "BTCUSDT",
		Side:   models.OrderSideBuy,
		Type:   models.OrderTypeMarket,
		Role:   models.OrderRoleEntry,
		Qty:    1,
	}
	start := time.Now()
	_, err := e.placeWithAck(context.Background(), order)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// попытка ограничена ack-тайм-аутом, а не зависшей биржей
	assert.Less(t, time.Since(start), time.Second)
}

func TestRestoreHaltsOnUnknownPositionOnOtherSymbol(t *testing.T) {
	st := newMemStore()
	client := &fakeClient{
		positions: map[string]exchange.PositionSnapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", Qty: 2.0, EntryPrice: 100},
			"ETHUSDT": {Symbol: "ETHUSDT", Qty: 1.5, EntryPrice: 2000},
		},
		openOrders: []models.Order{
			openOrder(models.OrderRoleStop, 1),
			openOrder(models.OrderRoleTarget, 1),
		},
	}
	e := newTestEngine(t, st, client)
	e.cfg.Bot.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	liveTrade(e, st)

	require.NoError(t, e.restore(context.Background()))

	// своя сделка на BTCUSDT не мешает заметить чужую позицию на ETHUSDT
	assert.True(t, e.guard.Halted())
	assert.True(t, st.hasAudit("RECONCILE_UNKNOWN"))
}

func TestActivateBundleOnlyWhenFlat(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, &fakeClient{})

	bundle := models.ParameterBundle{
		Symbol: "BTCUSDT", Version: 2, ATRStopMultiplier: 2,
		VolGateType: models.VolGateATRAboveMA, RSIReference: 55,
	}
	require.NoError(t, e.ActivateBundle(bundle))

	liveTrade(e, st)
	bundle.Version = 3
	err := e.ActivateBundle(bundle)
	assert.ErrorIs(t, err, errBundleNotFlat)

	// активной осталась версия 2
	saved, _ := st.GetActiveBundle("BTCUSDT")
	assert.Equal(t, 2, saved.Version)
}
