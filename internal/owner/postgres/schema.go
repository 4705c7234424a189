package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_owner (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	owner BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT bridge_owner_singleton CHECK (id = 1),
	CONSTRAINT bridge_owner_len CHECK (octet_length(owner) = 29)
);
`
