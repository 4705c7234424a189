package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_balances (
	account BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	asset BYTEA NOT NULL,
	amount NUMERIC(78,0) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (account, chain_id, asset),

	CONSTRAINT ledger_balances_account_len CHECK (octet_length(account) = 29),
	CONSTRAINT ledger_balances_asset_len CHECK (octet_length(asset) = 20),
	CONSTRAINT ledger_balances_chain_pos CHECK (chain_id > 0),
	CONSTRAINT ledger_balances_amount_nonneg CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS ledger_processed_events (
	chain_id BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	log_index BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	outcome SMALLINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, tx_hash, log_index),

	CONSTRAINT ledger_processed_tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT ledger_processed_outcome_range CHECK (outcome >= 1 AND outcome <= 2)
);

CREATE TABLE IF NOT EXISTS ledger_withdrawals (
	id TEXT PRIMARY KEY,
	account BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	asset BYTEA NOT NULL,
	destination BYTEA NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	state SMALLINT NOT NULL,
	tx_hash BYTEA,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT ledger_withdrawals_account_len CHECK (octet_length(account) = 29),
	CONSTRAINT ledger_withdrawals_asset_len CHECK (octet_length(asset) = 20),
	CONSTRAINT ledger_withdrawals_destination_len CHECK (octet_length(destination) = 20),
	CONSTRAINT ledger_withdrawals_amount_pos CHECK (amount > 0),
	CONSTRAINT ledger_withdrawals_state_range CHECK (state >= 1 AND state <= 4),
	CONSTRAINT ledger_withdrawals_tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS ledger_withdrawals_state_idx ON ledger_withdrawals (state, created_at);
`
