package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"perpbot/internal/models"
)

// StrategyVersion попадает в каждую audit-запись.
const StrategyVersion = "PBC_v2.2"

type AuditEvent struct {
	ID              string
	EventTime       time.Time
	Severity        string
	Category        string
	EventName       string
	Symbol          string
	TradePlanID     string
	PositionID      string
	Message         string
	StrategyVersion string
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть БД: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("Не удалось применить схему: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveTradePlan(p models.TradePlan) error {
	_, err := s.db.Exec(`
		INSERT INTO trade_plan
		(id, created_at, eval_timestamp, symbol, bundle_version, direction, entry_price,
		 stop_price, tp_price, r_value, risk_fraction, equity_total, equity_available,
		 risk_intent_amount, margin_required, capital_constrained, realised_risk_at_stop,
		 qty, status, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, failure_reason = excluded.failure_reason`,
		p.ID, p.CreatedAt, p.EvalTimestamp, p.Symbol, p.BundleVersion, p.Direction, p.EntryPrice,
		p.StopPrice, p.TPPrice, p.RValue, p.RiskFraction, p.EquityTotal, p.EquityAvailable,
		p.RiskIntentAmount, p.MarginRequired, p.CapitalConstrained, p.RealisedRiskAtStop,
		p.Qty, p.Status, nullStr(p.FailureReason),
	)
	return err
}

func (s *Store) GetTradePlan(id string) (models.TradePlan, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, eval_timestamp, symbol, bundle_version, direction, entry_price,
		       stop_price, tp_price, r_value, risk_fraction, equity_total, equity_available,
		       risk_intent_amount, margin_required, capital_constrained, realised_risk_at_stop,
		       qty, status, COALESCE(failure_reason, '')
		FROM trade_plan WHERE id = ?`, id)

	var p models.TradePlan
	err := row.Scan(&p.ID, &p.CreatedAt, &p.EvalTimestamp, &p.Symbol, &p.BundleVersion,
		&p.Direction, &p.EntryPrice, &p.StopPrice, &p.TPPrice, &p.RValue, &p.RiskFraction,
		&p.EquityTotal, &p.EquityAvailable, &p.RiskIntentAmount, &p.MarginRequired,
		&p.CapitalConstrained, &p.RealisedRiskAtStop, &p.Qty, &p.Status, &p.FailureReason)
	return p, err
}

func (s *Store) SavePosition(p models.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO position
		(id, trade_plan_id, symbol, direction, opened_at, closed_at, entry_avg, exit_avg,
		 qty_filled, qty_closed, pnl_realised, r_realised, exit_reason, status, losses_at_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			closed_at = excluded.closed_at,
			entry_avg = excluded.entry_avg,
			exit_avg = excluded.exit_avg,
			qty_filled = excluded.qty_filled,
			qty_closed = excluded.qty_closed,
			pnl_realised = excluded.pnl_realised,
			r_realised = excluded.r_realised,
			exit_reason = excluded.exit_reason,
			status = excluded.status`,
		p.ID, p.TradePlanID, p.Symbol, p.Direction, p.OpenedAt, p.ClosedAt, p.EntryAvg,
		p.ExitAvg, p.QtyFilled, p.QtyClosed, p.PnLRealised, p.RRealised,
		nullStr(string(p.ExitReason)), p.Status, p.LossesAtOpen,
	)
	return err
}

// GetLivePosition возвращает позицию в статусе OPENING/OPEN/CLOSING, если она есть.
func (s *Store) GetLivePosition() (*models.Position, error) {
	row := s.db.QueryRow(`
		SELECT id, trade_plan_id, symbol, direction, opened_at, closed_at, entry_avg,
		       exit_avg, qty_filled, qty_closed, pnl_realised, r_realised,
		       COALESCE(exit_reason, ''), status, losses_at_open
		FROM position WHERE status IN ('OPENING', 'OPEN', 'CLOSING')`)

	var p models.Position
	err := row.Scan(&p.ID, &p.TradePlanID, &p.Symbol, &p.Direction, &p.OpenedAt, &p.ClosedAt,
		&p.EntryAvg, &p.ExitAvg, &p.QtyFilled, &p.QtyClosed, &p.PnLRealised, &p.RRealised,
		&p.ExitReason, &p.Status, &p.LossesAtOpen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListClosedPositionsSince(since time.Time) ([]models.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_plan_id, symbol, direction, opened_at, closed_at, entry_avg,
		       exit_avg, qty_filled, qty_closed, pnl_realised, r_realised,
		       COALESCE(exit_reason, ''), status, losses_at_open
		FROM position WHERE status = 'CLOSED' AND closed_at >= ? ORDER BY closed_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.TradePlanID, &p.Symbol, &p.Direction, &p.OpenedAt,
			&p.ClosedAt, &p.EntryAvg, &p.ExitAvg, &p.QtyFilled, &p.QtyClosed, &p.PnLRealised,
			&p.RRealised, &p.ExitReason, &p.Status, &p.LossesAtOpen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendOrderEvent(ev models.OrderEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO order_event
		(id, trade_plan_id, position_id, symbol, role, exchange_order_id, client_order_id,
		 kind, event_time, price, qty, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TradePlanID, nullStr(ev.PositionID), ev.Symbol, ev.Role,
		nullStr(ev.ExchangeOrderID), ev.ClientOrderID, ev.Kind, ev.EventTime,
		ev.Price, ev.Qty, nullStr(ev.Note),
	)
	return err
}

func (s *Store) ListOrderEventsByPlan(planID string) ([]models.OrderEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_plan_id, COALESCE(position_id, ''), symbol, role,
		       COALESCE(exchange_order_id, ''), client_order_id, kind, event_time,
		       COALESCE(price, 0), COALESCE(qty, 0), COALESCE(note, '')
		FROM order_event WHERE trade_plan_id = ? ORDER BY event_time, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrderEvents(rows)
}

// ListRecentOrderEvents отдаёт историю последних планов для стартовой сверки.
func (s *Store) ListRecentOrderEvents(limit int) ([]models.OrderEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_plan_id, COALESCE(position_id, ''), symbol, role,
		       COALESCE(exchange_order_id, ''), client_order_id, kind, event_time,
		       COALESCE(price, 0), COALESCE(qty, 0), COALESCE(note, '')
		FROM order_event ORDER BY event_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanOrderEvents(rows)
	if err != nil {
		return nil, err
	}
	// обратно в хронологический порядок
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanOrderEvents(rows *sql.Rows) ([]models.OrderEvent, error) {
	var out []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		if err := rows.Scan(&ev.ID, &ev.TradePlanID, &ev.PositionID, &ev.Symbol, &ev.Role,
			&ev.ExchangeOrderID, &ev.ClientOrderID, &ev.Kind, &ev.EventTime,
			&ev.Price, &ev.Qty, &ev.Note); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ev AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now()
	}
	if ev.StrategyVersion == "" {
		ev.StrategyVersion = StrategyVersion
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_event
		(id, event_time, severity, category, event_name, symbol, trade_plan_id, position_id,
		 message, strategy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventTime, ev.Severity, ev.Category, ev.EventName, nullStr(ev.Symbol),
		nullStr(ev.TradePlanID), nullStr(ev.PositionID), ev.Message, ev.StrategyVersion,
	)
	return err
}

func (s *Store) GetCooldownState() (models.CooldownState, error) {
	row := s.db.QueryRow(`
		SELECT active, consecutive_losses, activated_at, release_after, updated_at
		FROM cooldown_state WHERE id = 1`)

	var cs models.CooldownState
	err := row.Scan(&cs.Active, &cs.ConsecutiveLosses, &cs.ActivatedAt, &cs.ReleaseAfter, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.CooldownState{UpdatedAt: time.Now()}, nil
	}
	return cs, err
}

func (s *Store) SaveCooldownState(cs models.CooldownState) error {
	_, err := s.db.Exec(`
		INSERT INTO cooldown_state (id, active, consecutive_losses, activated_at, release_after, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			consecutive_losses = excluded.consecutive_losses,
			activated_at = excluded.activated_at,
			release_after = excluded.release_after,
			updated_at = excluded.updated_at`,
		cs.Active, cs.ConsecutiveLosses, cs.ActivatedAt, cs.ReleaseAfter, cs.UpdatedAt,
	)
	return err
}

func (s *Store) GetHaltState() (models.HaltState, error) {
	row := s.db.QueryRow(`SELECT halted, reason, halted_at, updated_at FROM halt_state WHERE id = 1`)

	var hs models.HaltState
	var reason sql.NullString
	err := row.Scan(&hs.Halted, &reason, &hs.HaltedAt, &hs.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.HaltState{UpdatedAt: time.Now()}, nil
	}
	hs.Reason = reason.String
	return hs, err
}

func (s *Store) SaveHaltState(hs models.HaltState) error {
	_, err := s.db.Exec(`
		INSERT INTO halt_state (id, halted, reason, halted_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			halted = excluded.halted,
			reason = excluded.reason,
			halted_at = excluded.halted_at,
			updated_at = excluded.updated_at`,
		hs.Halted, nullStr(hs.Reason), hs.HaltedAt, hs.UpdatedAt,
	)
	return err
}

func (s *Store) GetActiveBundle(symbol string) (*models.ParameterBundle, error) {
	row := s.db.QueryRow(`
		SELECT symbol, version, atr_stop_multiplier, vol_gate_type,
		       COALESCE(atr_ma_length, 0), COALESCE(atr_percentile_floor, 0),
		       rsi_reference, active, active_from
		FROM parameter_bundle WHERE symbol = ? AND active = 1`, symbol)

	var b models.ParameterBundle
	err := row.Scan(&b.Symbol, &b.Version, &b.ATRStopMultiplier, &b.VolGateType,
		&b.ATRMALength, &b.ATRPercentileFloor, &b.RSIReference, &b.Active, &b.ActiveFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBundle достаёт конкретную версию набора: сделка в полёте продолжает
// работать на версии, с которой началась, даже если активная сменилась.
func (s *Store) GetBundle(symbol string, version int) (*models.ParameterBundle, error) {
	row := s.db.QueryRow(`
		SELECT symbol, version, atr_stop_multiplier, vol_gate_type,
		       COALESCE(atr_ma_length, 0), COALESCE(atr_percentile_floor, 0),
		       rsi_reference, active, active_from
		FROM parameter_bundle WHERE symbol = ? AND version = ?`, symbol, version)

	var b models.ParameterBundle
	err := row.Scan(&b.Symbol, &b.Version, &b.ATRStopMultiplier, &b.VolGateType,
		&b.ATRMALength, &b.ATRPercentileFloor, &b.RSIReference, &b.Active, &b.ActiveFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ActivateBundle переключает активный набор параметров инструмента одной
// транзакцией. Вызывающий обязан убедиться, что инструмент FLAT.
func (s *Store) ActivateBundle(b models.ParameterBundle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE parameter_bundle SET active = 0 WHERE symbol = ?`, b.Symbol); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO parameter_bundle
		(symbol, version, atr_stop_multiplier, vol_gate_type, atr_ma_length,
		 atr_percentile_floor, rsi_reference, active, active_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(symbol, version) DO UPDATE SET active = 1, active_from = excluded.active_from`,
		b.Symbol, b.Version, b.ATRStopMultiplier, b.VolGateType,
		nullInt(b.ATRMALength), nullInt(b.ATRPercentileFloor), b.RSIReference, b.ActiveFrom,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
