package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS coprocessor_state (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	watched_contract TEXT,
	network TEXT NOT NULL,
	key_name TEXT NOT NULL,
	public_key BYTEA,
	derived_address TEXT,
	block_cursor BIGINT NOT NULL CHECK (block_cursor >= 0),
	nonce BIGINT NOT NULL CHECK (nonce >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
