package postgres

// Schema creates the receipts tables, the sender balance ledger and the audit
// outbox. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS receipts (
	id          TEXT PRIMARY KEY,
	seq         BIGSERIAL NOT NULL,
	owner_id    TEXT NOT NULL,
	sender_id   TEXT NOT NULL DEFAULT '',
	amount      DOUBLE PRECISION NOT NULL,
	currency    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	documents   JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS receipts_seq_idx ON receipts (seq);
CREATE INDEX IF NOT EXISTS receipts_owner_idx ON receipts (owner_id);

CREATE TABLE IF NOT EXISTS balances (
	sender_id  TEXT PRIMARY KEY,
	amount     DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox (
	id              UUID PRIMARY KEY,
	aggregate_type  TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	processed_at    TIMESTAMPTZ
);
`
