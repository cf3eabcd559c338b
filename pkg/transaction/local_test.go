package transaction

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalTxn(t *testing.T, ftx *fakeTx) *LocalTxn {
	t.Helper()

	txn := newLocalTxn(testNode(t, "pg-primary"), testTxnConfig(), newTestLogger(t))
	txn.tx = ftx

	return txn
}

func pgError(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code, Message: "scripted failure"}
}

func TestLocalTxn_ExecuteRequiresBegin(t *testing.T) {
	txn := newLocalTxn(testNode(t, "pg-primary"), testTxnConfig(), newTestLogger(t))

	_, err := txn.Execute(context.Background(), "SELECT 1")

	var stateErr InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "execute", stateErr.Op)
}

func TestLocalTxn_ExecuteWrite(t *testing.T) {
	ftx := &fakeTx{}
	txn := newTestLocalTxn(t, ftx)

	result, err := txn.Execute(context.Background(), "INSERT INTO accounts (id) VALUES ($1)", 1)

	require.NoError(t, err)
	tag, ok := result.(pgconn.CommandTag)
	require.True(t, ok)
	assert.Equal(t, "INSERT 0 1", tag.String())

	// One savepoint scope: opened once, committed once, never rolled back.
	assert.Equal(t, 1, ftx.beginCount)
	assert.Equal(t, 1, ftx.commitCount)
	assert.Zero(t, ftx.rollbackCount)
	assert.Zero(t, txn.Metrics().RetryCount)
}

func TestLocalTxn_ExecuteSelect(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{{Name: "id"}, {Name: "name"}},
		rows: [][]any{
			{int64(1), "alice"},
			{int64(2), "bob"},
		},
	}
	ftx := &fakeTx{queryRows: rows}
	txn := newTestLocalTxn(t, ftx)

	result, err := txn.Execute(context.Background(), "SELECT id, name FROM accounts")

	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	}, result)
	assert.True(t, rows.closed)
}

func TestLocalTxn_ExecuteSelectEmpty(t *testing.T) {
	ftx := &fakeTx{queryRows: &fakeRows{fields: []pgconn.FieldDescription{{Name: "id"}}}}
	txn := newTestLocalTxn(t, ftx)

	result, err := txn.Execute(context.Background(), "SELECT id FROM accounts WHERE false")

	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestLocalTxn_DeadlockRetriesThenSucceeds(t *testing.T) {
	ftx := &fakeTx{execErrs: []error{pgError("40P01"), pgError("40P01"), nil}}
	txn := newTestLocalTxn(t, ftx)

	_, err := txn.Execute(context.Background(), "UPDATE accounts SET balance = balance - 1")

	require.NoError(t, err)
	assert.Equal(t, 2, txn.Metrics().RetryCount)
	assert.Equal(t, 2, txn.Metrics().DeadlockCount)

	// Each failed attempt rolled back its savepoint; the last one committed.
	assert.Equal(t, 3, ftx.beginCount)
	assert.Equal(t, 2, ftx.rollbackCount)
	assert.Equal(t, 1, ftx.commitCount)
}

func TestLocalTxn_SerializationConflictRetries(t *testing.T) {
	ftx := &fakeTx{execErrs: []error{pgError("40001"), nil}}
	txn := newTestLocalTxn(t, ftx)

	_, err := txn.Execute(context.Background(), "UPDATE accounts SET balance = 0")

	require.NoError(t, err)
	assert.Equal(t, 1, txn.Metrics().RetryCount)
	assert.Zero(t, txn.Metrics().DeadlockCount)
}

func TestLocalTxn_DeadlockExhaustsRetries(t *testing.T) {
	ftx := &fakeTx{execErrs: []error{pgError("40P01"), pgError("40P01"), pgError("40P01")}}
	txn := newTestLocalTxn(t, ftx)

	_, err := txn.Execute(context.Background(), "UPDATE accounts SET balance = 0")

	var deadlock cluster.DeadlockError
	require.ErrorAs(t, err, &deadlock)
	assert.Equal(t, "pg-primary", deadlock.Node)
	assert.Equal(t, 3, txn.Metrics().DeadlockCount)
	assert.Equal(t, 2, txn.Metrics().RetryCount)
}

func TestLocalTxn_NonRetryableFailsImmediately(t *testing.T) {
	ftx := &fakeTx{execErrs: []error{pgError("23505")}}
	txn := newTestLocalTxn(t, ftx)

	_, err := txn.Execute(context.Background(), "INSERT INTO accounts (id) VALUES (1)")

	// Constraint violations surface raw so callers can inspect the SQLSTATE.
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23505", pgErr.Code)

	assert.Equal(t, 1, ftx.beginCount)
	assert.Equal(t, 1, ftx.rollbackCount)
	assert.Zero(t, txn.Metrics().RetryCount)
}

func TestLocalTxn_CanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ftx := &fakeTx{execErrs: []error{pgError("40P01"), nil}}
	txn := newTestLocalTxn(t, ftx)

	_, err := txn.Execute(ctx, "UPDATE accounts SET balance = 0")

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ftx.beginCount)
}

func TestIsReadStatement(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select id FROM accounts", true},
		{"\n\tSELECT 1", true},
		{"WITH latest AS (SELECT 1) SELECT * FROM latest", true},
		{"INSERT INTO accounts (id) VALUES (1)", false},
		{"UPDATE accounts SET balance = 0", false},
		{"DELETE FROM accounts", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isReadStatement(tt.query), tt.query)
	}
}
