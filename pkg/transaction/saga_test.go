package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSaga(t *testing.T) *SagaTxn {
	t.Helper()

	saga := newSagaTxn(testNode(t, "pg-primary"), testTxnConfig(), newTestLogger(t))
	saga.conn = &cluster.Conn{}

	return saga
}

func sagaStep(trace *[]string, name string) StepFunc {
	return func(_ context.Context, _ *pgxpool.Conn) error {
		*trace = append(*trace, name)
		return nil
	}
}

func TestSagaTxn_AddStepOrder(t *testing.T) {
	saga := newTestSaga(t)
	saga.AddStep("debit", "debit source account", nil, nil)
	saga.AddStep("credit", "credit target account", nil, nil)

	steps := saga.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "debit", steps[0].ID)
	assert.Equal(t, "credit", steps[1].ID)
	assert.False(t, steps[0].Executed())
	assert.False(t, steps[0].Compensated())
}

func TestSagaTxn_ExecuteRequiresBegin(t *testing.T) {
	saga := newSagaTxn(testNode(t, "pg-primary"), testTxnConfig(), newTestLogger(t))

	err := saga.Execute(context.Background())

	var stateErr InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "execute", stateErr.Op)
}

func TestSagaTxn_BeginAcquireFailure(t *testing.T) {
	saga := newSagaTxn(testNode(t, "pg-primary"), testTxnConfig(), newTestLogger(t))

	err := saga.Begin(context.Background())

	var poolErr cluster.PoolUninitializedError
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, StateFailed, saga.State())
}

func TestSagaTxn_ExecuteRunsStepsInOrder(t *testing.T) {
	saga := newTestSaga(t)

	var trace []string
	saga.AddStep("a", "first", sagaStep(&trace, "a"), sagaStep(&trace, "comp-a"))
	saga.AddStep("b", "second", sagaStep(&trace, "b"), sagaStep(&trace, "comp-b"))
	saga.AddStep("c", "third", sagaStep(&trace, "c"), sagaStep(&trace, "comp-c"))

	require.NoError(t, saga.Execute(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, trace)
	assert.Equal(t, 3, saga.Metrics().StepsExecuted)
	assert.Zero(t, saga.Metrics().StepsCompensated)

	for _, step := range saga.Steps() {
		assert.True(t, step.Executed())
	}

	require.NoError(t, saga.Commit(context.Background()))
	assert.Equal(t, StateCommitted, saga.State())
	assert.True(t, saga.Metrics().Success)
}

func TestSagaTxn_CompensatesInReverseOnFailure(t *testing.T) {
	saga := newTestSaga(t)
	boom := errors.New("insufficient funds")

	var trace []string
	saga.AddStep("a", "first", sagaStep(&trace, "a"), sagaStep(&trace, "comp-a"))
	saga.AddStep("b", "second", sagaStep(&trace, "b"), sagaStep(&trace, "comp-b"))
	saga.AddStep("c", "third", func(_ context.Context, _ *pgxpool.Conn) error {
		return boom
	}, sagaStep(&trace, "comp-c"))

	err := saga.Execute(context.Background())

	var failure SagaStepFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "c", failure.StepID)
	assert.ErrorIs(t, err, boom)

	// Executed steps compensate in reverse order; the failed step never ran
	// to completion so it has nothing to undo.
	assert.Equal(t, []string{"a", "b", "comp-b", "comp-a"}, trace)

	steps := saga.Steps()
	assert.True(t, steps[0].Compensated())
	assert.True(t, steps[1].Compensated())
	assert.False(t, steps[2].Executed())
	assert.Equal(t, 2, saga.Metrics().StepsExecuted)
	assert.Equal(t, 2, saga.Metrics().StepsCompensated)
}

func TestSagaTxn_CompensationErrorsDoNotStopTheSweep(t *testing.T) {
	saga := newTestSaga(t)

	var trace []string
	saga.AddStep("a", "first", sagaStep(&trace, "a"), func(_ context.Context, _ *pgxpool.Conn) error {
		trace = append(trace, "comp-a")
		return errors.New("compensation rejected")
	})
	saga.AddStep("b", "second", sagaStep(&trace, "b"), sagaStep(&trace, "comp-b"))
	saga.AddStep("c", "third", func(_ context.Context, _ *pgxpool.Conn) error {
		return errors.New("step failed")
	}, nil)

	err := saga.Execute(context.Background())
	require.Error(t, err)

	// Both compensations were attempted even though a's failed.
	assert.Equal(t, []string{"a", "b", "comp-b", "comp-a"}, trace)
	assert.True(t, saga.Steps()[1].Compensated())
	assert.False(t, saga.Steps()[0].Compensated())
	assert.Equal(t, 1, saga.Metrics().StepsCompensated)
}

func TestSagaTxn_NilCompensationSkipped(t *testing.T) {
	saga := newTestSaga(t)

	var trace []string
	saga.AddStep("a", "not undoable", sagaStep(&trace, "a"), nil)
	saga.AddStep("b", "second", sagaStep(&trace, "b"), sagaStep(&trace, "comp-b"))
	saga.AddStep("c", "third", func(_ context.Context, _ *pgxpool.Conn) error {
		return errors.New("step failed")
	}, nil)

	err := saga.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"a", "b", "comp-b"}, trace)
	assert.False(t, saga.Steps()[0].Compensated())
}

func TestSagaTxn_CompensationShieldedFromCancellation(t *testing.T) {
	saga := newTestSaga(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var trace []string

	compCtxErr := errors.New("compensation never ran")
	saga.AddStep("a", "first", sagaStep(&trace, "a"), func(compCtx context.Context, _ *pgxpool.Conn) error {
		compCtxErr = compCtx.Err()
		return nil
	})
	saga.AddStep("b", "second", func(stepCtx context.Context, _ *pgxpool.Conn) error {
		cancel()
		return stepCtx.Err()
	}, nil)

	err := saga.Execute(ctx)

	require.Error(t, err)
	assert.NoError(t, compCtxErr)
	assert.True(t, saga.Steps()[0].Compensated())
}

func TestSagaTxn_CommitRequiresActive(t *testing.T) {
	saga := newTestSaga(t)
	saga.Abort(context.Background())

	require.Equal(t, StateAborted, saga.State())

	var stateErr InvalidStateError
	require.ErrorAs(t, saga.Commit(context.Background()), &stateErr)
}
