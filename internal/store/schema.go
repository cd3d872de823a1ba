package store

// SchemaSQL is the complete schema for a fresh install. The settlements
// ledger is append-only; replay_keys carries the unique index that makes
// proof-key reservation atomic across processes sharing the database.
const SchemaSQL = `
-- Replay keys (at-most-once reservation per payment proof)
CREATE TABLE IF NOT EXISTS replay_keys (
	proof_key TEXT PRIMARY KEY,
	reserved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Settlements (append-only ledger)
CREATE TABLE IF NOT EXISTS settlements (
	id TEXT PRIMARY KEY,
	proof_key TEXT NOT NULL UNIQUE REFERENCES replay_keys(proof_key),
	scheme TEXT NOT NULL CHECK(scheme IN ('exact', 'onchain', 'receipt')),
	tenant_id TEXT,
	buyer_id TEXT,
	amount TEXT NOT NULL,
	amount_micros INTEGER NOT NULL,
	asset TEXT NOT NULL,
	payer_address TEXT,
	facilitator_id TEXT,
	tx_hash TEXT,
	outcome TEXT NOT NULL,
	verified_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settlements_tenant_day
	ON settlements (tenant_id, buyer_id, verified_at);

-- Rate events (rolling-window request counters, written with the ledger row)
CREATE TABLE IF NOT EXISTS rate_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	buyer_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_events_window
	ON rate_events (tenant_id, buyer_id, created_at);

-- Tenant spending policies
CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	rules TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active', 'revoked')) DEFAULT 'active',
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies (tenant_id, status);

-- Facilitators (fleet of external settlement services)
CREATE TABLE IF NOT EXISTS facilitators (
	id TEXT PRIMARY KEY,
	tenant_id TEXT,
	endpoint TEXT NOT NULL,
	stats_path TEXT,
	auth_config TEXT,
	status TEXT NOT NULL CHECK(status IN ('active', 'inactive')) DEFAULT 'active',
	type TEXT
);

-- Facilitator health (one row per facilitator, overwritten every cycle)
CREATE TABLE IF NOT EXISTS facilitator_health (
	facilitator_id TEXT PRIMARY KEY REFERENCES facilitators(id),
	status TEXT NOT NULL CHECK(status IN ('healthy', 'degraded', 'down')),
	p95_verify_ms REAL,
	p95_settle_ms REAL,
	success_rate REAL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	last_checked_at DATETIME NOT NULL,
	last_error TEXT
);

-- Poll cursors (one row per scheduled job)
CREATE TABLE IF NOT EXISTS poll_cursors (
	job_name TEXT PRIMARY KEY,
	next_offset INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
