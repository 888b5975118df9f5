package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockState_Absent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT last_sequence_number, delivered, version, lock_token`).
		WithArgs("ob-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence_number", "delivered", "version", "lock_token"}))
	mock.ExpectCommit()

	ctx := context.Background()
	sess, err := store.BeginSession(ctx, 0)
	require.NoError(t, err)

	state, acquired, err := store.LockState(ctx, sess, outbox.OutboxID("ob-1"))
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.True(t, acquired)
	require.NoError(t, sess.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockState_PresentAndReplace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT last_sequence_number, delivered, version, lock_token`).
		WithArgs("ob-2").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence_number", "delivered", "version", "lock_token"}).
			AddRow(int64(5), nil, int64(1), nil))
	mock.ExpectExec(`UPDATE outbox_state`).
		WithArgs(int64(6), nil, int64(2), nil, "ob-2", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	sess, err := store.BeginSession(ctx, 0)
	require.NoError(t, err)

	state, acquired, err := store.LockState(ctx, sess, outbox.OutboxID("ob-2"))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, acquired)
	assert.Equal(t, int64(5), state.LastSeq())

	newSeq := int64(6)
	state.LastSequenceNumber = &newSeq
	state.Version = 2

	require.NoError(t, store.ReplaceState(ctx, sess, *state))
	require.NoError(t, sess.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceState_StaleVersionReturnsErrStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_state`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ctx := context.Background()
	sess, err := store.BeginSession(ctx, 0)
	require.NoError(t, err)

	state := outbox.OutboxState{OutboxID: "ob-3", Version: 2}
	err = store.ReplaceState(ctx, sess, state)
	require.ErrorIs(t, err, delivery.ErrStaleVersion)
	require.NoError(t, sess.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
