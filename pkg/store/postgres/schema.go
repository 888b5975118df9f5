package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS outbox_state (
	outbox_id             TEXT PRIMARY KEY,
	last_sequence_number  BIGINT,
	delivered             TIMESTAMPTZ,
	version               BIGINT NOT NULL,
	lock_token            TEXT
);

CREATE TABLE IF NOT EXISTS outbox_message (
	message_id            TEXT PRIMARY KEY,
	outbox_id             TEXT NOT NULL,
	sequence_number       BIGINT NOT NULL,
	destination_address   TEXT,
	payload               BYTEA NOT NULL,
	headers               JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (outbox_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_outbox_message_outbox_id ON outbox_message (outbox_id, sequence_number);
`

// EnsureSchema creates the outbox_state and outbox_message tables if they do
// not already exist. Safe to call on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
