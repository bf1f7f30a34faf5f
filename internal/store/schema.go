package store

// Timestamps are unix milliseconds; booleans are 0/1 integers so the same
// statements run on SQLite and Postgres.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_ref ON ledger_entries(reference, entry_type);

CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	target_module TEXT NOT NULL,
	condition TEXT NOT NULL,
	action TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	created_by TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_module ON rules(target_module, enabled);

CREATE TABLE IF NOT EXISTS rule_violations (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	attempt_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	offending_value TEXT NOT NULL DEFAULT '',
	detected_at BIGINT NOT NULL,
	auto_action_taken INTEGER NOT NULL,
	UNIQUE (rule_id, attempt_id)
);

CREATE INDEX IF NOT EXISTS idx_violations_user ON rule_violations(user_id, detected_at);

CREATE TABLE IF NOT EXISTS tool_attempts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	module TEXT NOT NULL,
	attempted_at BIGINT NOT NULL,
	was_allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	credits_required BIGINT NOT NULL,
	user_credits_after BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_user_tool ON tool_attempts(user_id, tool_name, attempted_at);
CREATE INDEX IF NOT EXISTS idx_attempts_module ON tool_attempts(module, attempted_at);

CREATE TABLE IF NOT EXISTS enforcement_statuses (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	module TEXT NOT NULL,
	feature TEXT NOT NULL DEFAULT '',
	level TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	imposed_by TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	expires_at BIGINT,
	resolved_at BIGINT,
	resolved_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_enforcement_user ON enforcement_statuses(user_id, module, resolved_at);
CREATE INDEX IF NOT EXISTS idx_enforcement_kind ON enforcement_statuses(kind, module, resolved_at);

CREATE TABLE IF NOT EXISTS review_flags (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	module TEXT NOT NULL,
	flag_type TEXT NOT NULL,
	source TEXT NOT NULL,
	rule_id TEXT NOT NULL DEFAULT '',
	attempt_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	reviewed_at BIGINT,
	reviewed_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_flags_user_tool ON review_flags(user_id, tool_name, flag_type, created_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	module TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	decision TEXT NOT NULL,
	decided_by TEXT NOT NULL,
	decided_at BIGINT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_module ON audit_entries(module, decided_at);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(decided_by, decided_at)
`
