// Package postgres implements the row-lock StateStore strategy on top of
// database/sql and lib/pq: a locked SELECT ... FOR UPDATE on the per-outbox
// state row serializes concurrent relay instances, so no lock token is
// needed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"github.com/outboxrelay/outbox/pkg/telemetry"
)

// Store implements delivery.StateStore against a Postgres database reached
// through database/sql and github.com/lib/pq.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers open it with
// sql.Open("postgres", dsn) using github.com/lib/pq as the driver.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type session struct {
	tx *sql.Tx
}

func (s *session) Commit(ctx context.Context) error   { return s.tx.Commit() }
func (s *session) Rollback(ctx context.Context) error {
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func isolationLevel(level delivery.IsolationLevel) sql.IsolationLevel {
	if level == delivery.IsolationSerializable {
		return sql.LevelSerializable
	}
	return sql.LevelReadCommitted
}

// BeginSession implements delivery.StateStore.
func (s *Store) BeginSession(ctx context.Context, level delivery.IsolationLevel) (delivery.Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolationLevel(level)})
	if err != nil {
		return nil, err
	}
	return &session{tx: tx}, nil
}

func asTx(sess delivery.Session) *sql.Tx {
	return sess.(*session).tx
}

// LockState implements delivery.StateStore. A row lock from FOR UPDATE is
// always granted or the query blocks until it is (or the context deadline
// fires), so acquired is always true once this returns without error.
func (s *Store) LockState(ctx context.Context, sess delivery.Session, id outbox.OutboxID) (*outbox.OutboxState, bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "LockState")
	defer span.End()

	tx := asTx(sess)
	row := tx.QueryRowContext(ctx,
		`SELECT last_sequence_number, delivered, version, lock_token
		   FROM outbox_state WHERE outbox_id = $1 FOR UPDATE`, string(id))

	var (
		lastSeq   sql.NullInt64
		delivered sql.NullTime
		version   int64
		lockToken sql.NullString
	)

	if err := row.Scan(&lastSeq, &delivered, &version, &lockToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, true, nil
		}
		span.RecordError(err)
		return nil, false, err
	}

	state := &outbox.OutboxState{OutboxID: id, Version: version}
	if lastSeq.Valid {
		v := lastSeq.Int64
		state.LastSequenceNumber = &v
	}
	if delivered.Valid {
		v := delivered.Time
		state.Delivered = &v
	}
	if lockToken.Valid {
		state.LockToken = lockToken.String
	}

	return state, true, nil
}

// InsertState implements delivery.StateStore.
func (s *Store) InsertState(ctx context.Context, sess delivery.Session, state outbox.OutboxState) error {
	_, err := asTx(sess).ExecContext(ctx,
		`INSERT INTO outbox_state (outbox_id, last_sequence_number, delivered, version, lock_token)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(state.OutboxID), state.LastSequenceNumber, state.Delivered, state.Version, nullIfEmpty(state.LockToken))
	return err
}

// ReplaceState implements delivery.StateStore.
func (s *Store) ReplaceState(ctx context.Context, sess delivery.Session, state outbox.OutboxState) error {
	res, err := asTx(sess).ExecContext(ctx,
		`UPDATE outbox_state
		    SET last_sequence_number = $1, delivered = $2, version = $3, lock_token = $4
		  WHERE outbox_id = $5 AND version = $6`,
		state.LastSequenceNumber, state.Delivered, state.Version, nullIfEmpty(state.LockToken),
		string(state.OutboxID), state.Version-1)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return delivery.ErrStaleVersion
	}

	return nil
}

// DeleteState implements delivery.StateStore.
func (s *Store) DeleteState(ctx context.Context, sess delivery.Session, id outbox.OutboxID) error {
	_, err := asTx(sess).ExecContext(ctx, `DELETE FROM outbox_state WHERE outbox_id = $1`, string(id))
	return err
}

// LoadPendingMessages implements delivery.StateStore.
func (s *Store) LoadPendingMessages(ctx context.Context, sess delivery.Session, id outbox.OutboxID, since int64, limit int) ([]outbox.OutboxMessage, error) {
	rows, err := asTx(sess).QueryContext(ctx,
		`SELECT message_id, sequence_number, destination_address, payload, headers, created_at
		   FROM outbox_message
		  WHERE outbox_id = $1 AND sequence_number > $2
		  ORDER BY sequence_number ASC
		  LIMIT $3`, string(id), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.OutboxMessage
	for rows.Next() {
		var (
			messageID string
			seq       int64
			dest      sql.NullString
			payload   []byte
			headers   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&messageID, &seq, &dest, &payload, &headers, &createdAt); err != nil {
			return nil, err
		}

		msg := outbox.OutboxMessage{
			OutboxID:       id,
			MessageID:      outbox.MessageID(messageID),
			SequenceNumber: seq,
			Payload:        payload,
			CreatedAt:      createdAt,
		}
		if dest.Valid {
			v := dest.String
			msg.DestinationAddress = &v
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, err
			}
		}

		out = append(out, msg)
	}

	return out, rows.Err()
}

// DeleteMessage implements delivery.StateStore.
func (s *Store) DeleteMessage(ctx context.Context, sess delivery.Session, id outbox.MessageID) error {
	_, err := asTx(sess).ExecContext(ctx, `DELETE FROM outbox_message WHERE message_id = $1`, string(id))
	return err
}

// DeleteMessagesForOutbox implements delivery.StateStore.
func (s *Store) DeleteMessagesForOutbox(ctx context.Context, sess delivery.Session, id outbox.OutboxID) (int64, error) {
	res, err := asTx(sess).ExecContext(ctx, `DELETE FROM outbox_message WHERE outbox_id = $1`, string(id))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPendingOutboxIDs implements delivery.StateStore. Rows with an empty
// outbox_id belong to a non-grouped pathway this service never picks up.
func (s *Store) ListPendingOutboxIDs(ctx context.Context, limit int) ([]outbox.OutboxID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outbox_id FROM outbox_message WHERE outbox_id <> ''
		 UNION
		 SELECT outbox_id FROM outbox_state WHERE delivered IS NOT NULL AND outbox_id <> ''
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.OutboxID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, outbox.OutboxID(id))
	}

	return out, rows.Err()
}

// SupportsAttemptRetry implements delivery.StateStore. Row locks block
// rather than fail, so LockState never reports acquired == false here.
func (s *Store) SupportsAttemptRetry() bool { return false }

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
