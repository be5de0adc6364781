package postgres

// The shares, users and workers tables belong to the share processor; only
// the mirror tables below are created here.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS miner_balances (
		address           TEXT PRIMARY KEY,
		balance_sats      BIGINT NOT NULL CHECK (balance_sats >= 0),
		total_earned_sats BIGINT NOT NULL CHECK (total_earned_sats >= 0),
		total_paid_sats   BIGINT NOT NULL CHECK (total_paid_sats >= 0),
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_payouts (
		id            TEXT PRIMARY KEY,
		address       TEXT NOT NULL,
		amount_sats   BIGINT NOT NULL CHECK (amount_sats > 0),
		txid          TEXT,
		block_height  BIGINT,
		status        TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		error         TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		broadcast_at  TIMESTAMPTZ,
		refunded_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_payouts_address_created_idx
		ON ledger_payouts (address, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS reward_distributions (
		block_height     BIGINT PRIMARY KEY,
		reward_sats      BIGINT NOT NULL,
		distributed_sats BIGINT NOT NULL,
		miners           INTEGER NOT NULL,
		calculations     JSONB NOT NULL,
		distributed_at   TIMESTAMPTZ NOT NULL
	)`,
}
