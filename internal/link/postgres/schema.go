package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_links (
	address BYTEA PRIMARY KEY,
	principal BYTEA NOT NULL,
	linked_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT account_links_address_len CHECK (octet_length(address) = 20),
	CONSTRAINT account_links_principal_len CHECK (octet_length(principal) = 29)
);

CREATE INDEX IF NOT EXISTS account_links_principal_idx ON account_links (principal);
`
