package store

// Журнал append-only: trade_plan, position, order_event и audit_event только
// дописываются (статусные поля обновляются по первичному ключу), cooldown_state
// и halt_state ведутся одной строкой с версией.
const schema = `
CREATE TABLE IF NOT EXISTS trade_plan (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	eval_timestamp DATETIME NOT NULL,
	symbol TEXT NOT NULL,
	bundle_version INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('LONG', 'SHORT')),
	entry_price REAL NOT NULL,
	stop_price REAL NOT NULL,
	tp_price REAL NOT NULL,
	r_value REAL NOT NULL,
	risk_fraction REAL NOT NULL,
	equity_total REAL NOT NULL,
	equity_available REAL NOT NULL,
	risk_intent_amount REAL NOT NULL,
	margin_required REAL NOT NULL,
	capital_constrained INTEGER NOT NULL,
	realised_risk_at_stop REAL NOT NULL,
	qty REAL NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PLANNED', 'SUBMITTED', 'FILLED', 'CANCELLED', 'FAILED')),
	failure_reason TEXT
);

CREATE TABLE IF NOT EXISTS position (
	id TEXT PRIMARY KEY,
	trade_plan_id TEXT NOT NULL REFERENCES trade_plan(id),
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('LONG', 'SHORT')),
	opened_at DATETIME NOT NULL,
	closed_at DATETIME,
	entry_avg REAL NOT NULL DEFAULT 0,
	exit_avg REAL NOT NULL DEFAULT 0,
	qty_filled REAL NOT NULL DEFAULT 0,
	qty_closed REAL NOT NULL DEFAULT 0,
	pnl_realised REAL NOT NULL DEFAULT 0,
	r_realised REAL NOT NULL DEFAULT 0,
	exit_reason TEXT,
	status TEXT NOT NULL CHECK (status IN ('OPENING', 'OPEN', 'CLOSING', 'CLOSED', 'FAILED')),
	losses_at_open INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_live_position
	ON position((1)) WHERE status IN ('OPENING', 'OPEN', 'CLOSING');

CREATE TABLE IF NOT EXISTS order_event (
	id TEXT PRIMARY KEY,
	trade_plan_id TEXT NOT NULL,
	position_id TEXT,
	symbol TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('ENTRY', 'STOP', 'TARGET', 'CLOSE')),
	exchange_order_id TEXT,
	client_order_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('SUBMITTED', 'ACK', 'REJECTED', 'PARTIAL_FILL', 'FILL', 'CANCELLED', 'EXPIRED', 'ERROR')),
	event_time DATETIME NOT NULL,
	price REAL,
	qty REAL,
	note TEXT
);

CREATE INDEX IF NOT EXISTS idx_order_event_plan ON order_event(trade_plan_id, event_time);
CREATE INDEX IF NOT EXISTS idx_order_event_client ON order_event(client_order_id);

CREATE TABLE IF NOT EXISTS audit_event (
	id TEXT PRIMARY KEY,
	event_time DATETIME NOT NULL,
	severity TEXT NOT NULL CHECK (severity IN ('INFO', 'WARN', 'ERROR', 'CRITICAL')),
	category TEXT NOT NULL,
	event_name TEXT NOT NULL,
	symbol TEXT,
	trade_plan_id TEXT,
	position_id TEXT,
	message TEXT NOT NULL,
	strategy_version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldown_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active INTEGER NOT NULL,
	consecutive_losses INTEGER NOT NULL,
	activated_at DATETIME,
	release_after DATETIME,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS halt_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	halted INTEGER NOT NULL,
	reason TEXT,
	halted_at DATETIME,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS parameter_bundle (
	symbol TEXT NOT NULL,
	version INTEGER NOT NULL,
	atr_stop_multiplier REAL NOT NULL,
	vol_gate_type TEXT NOT NULL CHECK (vol_gate_type IN ('ATR_GT_ATRMA', 'ATR_PERCENTILE')),
	atr_ma_length INTEGER,
	atr_percentile_floor INTEGER,
	rsi_reference INTEGER NOT NULL CHECK (rsi_reference IN (45, 50, 55)),
	active INTEGER NOT NULL,
	active_from DATETIME NOT NULL,
	PRIMARY KEY (symbol, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_bundle
	ON parameter_bundle(symbol) WHERE active = 1;
`
