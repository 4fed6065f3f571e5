package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/logger"
	"perpbot/internal/metrics"
	"perpbot/internal/models"
	"perpbot/internal/safety"
	"perpbot/internal/signal"
	"perpbot/internal/store"
)

// Store: персистентность, нужная движку. *store.Store реализует интерфейс,
// в тестах подставляется память.
type Store interface {
	SaveTradePlan(p models.TradePlan) error
	GetTradePlan(id string) (models.TradePlan, error)
	SavePosition(p models.Position) error
	GetLivePosition() (*models.Position, error)
	ListClosedPositionsSince(since time.Time) ([]models.Position, error)
	AppendOrderEvent(ev models.OrderEvent) error
	ListOrderEventsByPlan(planID string) ([]models.OrderEvent, error)
	AppendAudit(ev store.AuditEvent) error
	GetCooldownState() (models.CooldownState, error)
	SaveCooldownState(cs models.CooldownState) error
	GetActiveBundle(symbol string) (*models.ParameterBundle, error)
	GetBundle(symbol string, version int) (*models.ParameterBundle, error)
	ActivateBundle(b models.ParameterBundle) error
}

type Notifier interface {
	Notify(text string)
}

// execState: полное состояние единственной сделки в полёте. Меняется только
// под e.mu; Version растёт при каждой мутации и отсекает устаревшие ответы.
type execState struct {
	Plan     *models.TradePlan
	Position *models.Position
	Version  uint64

	EntryLink string
	StopLink  string
	TPLink    string
	CloseLink string

	StopOrderID string
	TPOrderID   string

	EntryFilled   float64
	EntryAvg      float64
	EntryRejected bool
	CloseFilled   float64
	CloseAvg      float64
	FeesPaid      float64

	ProcessedExecIDs map[string]bool

	PendingExit models.ExitReason
}

type Engine struct {
	cfg    *config.Config
	client exchange.Client
	log    *logger.Logger
	st     Store
	guard  *safety.Supervisor
	notify Notifier
	stats  *metrics.Metrics
	sig    *signal.Engine

	mu    sync.Mutex
	state execState

	rules    map[string]exchange.InstrumentRules
	cooldown models.CooldownState

	lastEvalLTF    map[string]time.Time
	lastSummaryDay string
}

func New(cfg *config.Config, client exchange.Client, st Store, guard *safety.Supervisor, notify Notifier, stats *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		client: client,
		log:    log,
		st:     st,
		guard:  guard,
		notify: notify,
		stats:  stats,
		sig:    signal.New(cfg.Safety.FundingExtreme),

		rules:       map[string]exchange.InstrumentRules{},
		lastEvalLTF: map[string]time.Time{},
	}
}

// Start выполняет preflight, сверяет локальное состояние с биржей,
// подписывается на приватный поток и блокируется до отмены контекста.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.preflight(ctx); err != nil {
		return err
	}

	cd, err := e.st.GetCooldownState()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cooldown = cd
	e.mu.Unlock()

	if err := e.restore(ctx); err != nil {
		return err
	}

	events, err := e.client.Subscribe(ctx, e.cfg.Bot.Symbols)
	if err != nil {
		return err
	}

	go e.runEventLoop(ctx, events)
	if e.cfg.Safety.PollInterval > 0 {
		go e.runSafetyPoll(ctx)
	}

	e.log.WithFields(logrus.Fields{
		"symbols": e.cfg.Bot.Symbols,
		"tick":    e.cfg.Bot.TickInterval.String(),
		"ltf":     e.cfg.Bot.TimeframeLTF,
		"htf":     e.cfg.Bot.TimeframeHTF,
	}).Info("Движок запущен")

	ticker := time.NewTicker(e.cfg.Bot.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("Движок остановлен")
			return ctx.Err()
		case <-ticker.C:
			e.OnTick(ctx)
		}
	}
}

func (e *Engine) runEventLoop(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// ActivateBundle включает новую версию набора параметров. Разрешено только
// при FLAT: сделка в полёте всегда дорабатывает на версии, с которой началась.
func (e *Engine) ActivateBundle(b models.ParameterBundle) error {
	e.mu.Lock()
	live := e.state.Position != nil && e.state.Position.Status.Live()
	pending := e.state.Plan != nil && e.state.Plan.Status == models.PlanStatusSubmitted
	e.mu.Unlock()

	if live || pending {
		return errBundleNotFlat
	}
	if err := e.st.ActivateBundle(b); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"symbol":  b.Symbol,
		"version": b.Version,
	}).Info("Активирован новый набор параметров")
	return nil
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}

func (e *Engine) audit(severity, category, name, symbol, planID, positionID, msg string) {
	if err := e.st.AppendAudit(store.AuditEvent{
		Severity:    severity,
		Category:    category,
		EventName:   name,
		Symbol:      symbol,
		TradePlanID: planID,
		PositionID:  positionID,
		Message:     msg,
	}); err != nil {
		e.logEntry().WithError(err).Error("Не удалось записать audit-событие")
	}
}

func (e *Engine) sendNotify(text string) {
	if e.notify != nil {
		e.notify.Notify(text)
	}
}

// clearState сбрасывает сделку в полёте. Version растёт, поэтому любые
// запоздавшие ответы по прежним ордерам будут отброшены.
func (e *Engine) clearState() {
	e.state = execState{Version: e.state.Version + 1}
}
