package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chain_cursors (
	chain_id BIGINT PRIMARY KEY,
	block_number BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT chain_cursors_chain_pos CHECK (chain_id > 0),
	CONSTRAINT chain_cursors_block_nonneg CHECK (block_number >= 0)
);
`
