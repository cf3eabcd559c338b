//go:build integration

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/transaction"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_Transaction_CommitPersists(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	err := coord.WithTransaction(ctx, nil, func(ctx context.Context, txn *transaction.LocalTxn) error {
		assert.Equal(t, 1, coord.ActiveCount())
		assert.Equal(t, transaction.KindLocal, txn.Kind())
		assert.Equal(t, transaction.StateActive, txn.State())

		if _, err := txn.Execute(ctx,
			`INSERT INTO accounts (id, balance) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`, 1, 100); err != nil {
			return err
		}

		// Reads inside the transaction see its own writes.
		rows, err := txn.Execute(ctx, `SELECT balance FROM accounts WHERE id = $1`, 1)
		if err != nil {
			return err
		}

		result, ok := rows.([]map[string]any)
		require.True(t, ok, "SELECT should return rows, got %T", rows)
		require.Len(t, result, 1)
		assert.EqualValues(t, 100, result[0]["balance"])

		return nil
	})
	require.NoError(t, err)

	assert.Zero(t, coord.ActiveCount())
	assert.Equal(t, 1, primaryInt(t, manager,
		`SELECT count(*) FROM accounts WHERE id = $1 AND balance = $2`, 1, 100))

	history := coord.History()
	require.NotEmpty(t, history)

	last := history[len(history)-1]
	assert.Equal(t, transaction.KindLocal, last.Kind)
	assert.True(t, last.Success)
	assert.False(t, last.EndedAt.IsZero())

	stats := coord.Stats()
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)
}

func TestIntegration_Transaction_ErrorRollsBack(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	boom := errors.New("shipment rejected")

	err := coord.WithTransaction(ctx, nil, func(ctx context.Context, txn *transaction.LocalTxn) error {
		if _, err := txn.Execute(ctx,
			`INSERT INTO accounts (id, balance) VALUES ($1, $2)`, 2, 500); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	// The insert must not survive the abort.
	assert.Zero(t, primaryInt(t, manager, `SELECT count(*) FROM accounts WHERE id = $1`, 2))

	history := coord.History()
	require.NotEmpty(t, history)
	assert.False(t, history[len(history)-1].Success)

	stats := coord.Stats()
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 0, stats.Succeeded)
}

func TestIntegration_Transaction_DeadlockLoserRetriesThenAborts(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	coord.Start()
	t.Cleanup(coord.Stop)

	for _, id := range []int{10, 11} {
		_, err := manager.ExecuteWrite(ctx, execSQL(
			`INSERT INTO accounts (id, balance) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`, id, 1000))
		require.NoError(t, err)
	}

	// Both transactions take their first row lock, rendezvous, then go for
	// the other's row. The server picks one victim per cycle; the victim's
	// statement retries under its savepoint while still holding its first
	// lock, so the cycle re-forms until one side exhausts its attempts and
	// aborts, which releases the other.
	var arrived sync.WaitGroup
	arrived.Add(2)

	run := func(first, second int, delta int64) error {
		return coord.WithTransaction(ctx, nil, func(ctx context.Context, txn *transaction.LocalTxn) error {
			_, err := txn.Execute(ctx,
				`UPDATE accounts SET balance = balance + $1 WHERE id = $2`, delta, first)

			arrived.Done()

			if err != nil {
				return err
			}

			arrived.Wait()

			_, err = txn.Execute(ctx,
				`UPDATE accounts SET balance = balance + $1 WHERE id = $2`, delta, second)

			return err
		})
	}

	errCh := make(chan error, 2)

	go func() { errCh <- run(10, 11, 1) }()
	go func() { errCh <- run(11, 10, 100) }()

	var failed []error

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			failed = append(failed, err)
		}
	}

	require.Len(t, failed, 1, "exactly one transaction should lose the deadlock")

	var deadlock cluster.DeadlockError
	require.ErrorAs(t, failed[0], &deadlock)
	assert.Equal(t, "pg-primary", deadlock.Node)

	// Only the winner's delta is visible.
	sum := primaryInt(t, manager, `SELECT sum(balance)::int FROM accounts WHERE id IN (10, 11)`)
	assert.Contains(t, []int{2002, 2200}, sum, "exactly one side's updates should have committed")

	stats := coord.Stats()
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.GreaterOrEqual(t, stats.Deadlocks, int64(1))
	assert.GreaterOrEqual(t, stats.Retries, int64(1))
}

func TestIntegration_Saga_CommitsForwardSteps(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := manager.ExecuteWrite(ctx, execSQL(
		`INSERT INTO saga_inventory (item, stock) VALUES ($1, $2)
		 ON CONFLICT (item) DO UPDATE SET stock = EXCLUDED.stock`, "widget-ok", 5))
	require.NoError(t, err)

	var sagaRef *transaction.SagaTxn

	err = coord.WithSaga(ctx, nil, func(saga *transaction.SagaTxn) error {
		sagaRef = saga

		saga.AddStep("reserve-stock", "decrement widget stock",
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`UPDATE saga_inventory SET stock = stock - 1 WHERE item = $1`, "widget-ok")
				return err
			},
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`UPDATE saga_inventory SET stock = stock + 1 WHERE item = $1`, "widget-ok")
				return err
			})

		saga.AddStep("record-order", "insert the order row",
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`INSERT INTO saga_orders (item, qty) VALUES ($1, $2)`, "widget-ok", 1)
				return err
			},
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`DELETE FROM saga_orders WHERE item = $1`, "widget-ok")
				return err
			})

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 4, primaryInt(t, manager,
		`SELECT stock FROM saga_inventory WHERE item = $1`, "widget-ok"))
	assert.Equal(t, 1, primaryInt(t, manager,
		`SELECT count(*) FROM saga_orders WHERE item = $1`, "widget-ok"))

	steps := sagaRef.Steps()
	require.Len(t, steps, 2)

	for _, step := range steps {
		assert.True(t, step.Executed(), "step %s should have executed", step.ID)
		assert.False(t, step.Compensated(), "step %s should not have compensated", step.ID)
	}

	history := coord.History()
	require.NotEmpty(t, history)

	last := history[len(history)-1]
	assert.Equal(t, transaction.KindSaga, last.Kind)
	assert.True(t, last.Success)
	assert.Equal(t, 2, last.StepsExecuted)
	assert.Zero(t, last.StepsCompensated)
}

func TestIntegration_Saga_CompensatesInReverseOnFailure(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := manager.ExecuteWrite(ctx, execSQL(
		`INSERT INTO saga_inventory (item, stock) VALUES ($1, $2)
		 ON CONFLICT (item) DO UPDATE SET stock = EXCLUDED.stock`, "widget-fail", 5))
	require.NoError(t, err)

	boom := errors.New("card declined")

	var (
		sagaRef     *transaction.SagaTxn
		compensated []string
	)

	err = coord.WithSaga(ctx, nil, func(saga *transaction.SagaTxn) error {
		sagaRef = saga

		saga.AddStep("reserve-stock", "decrement widget stock",
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`UPDATE saga_inventory SET stock = stock - 1 WHERE item = $1`, "widget-fail")
				return err
			},
			func(ctx context.Context, conn *pgxpool.Conn) error {
				compensated = append(compensated, "reserve-stock")

				_, err := conn.Exec(ctx,
					`UPDATE saga_inventory SET stock = stock + 1 WHERE item = $1`, "widget-fail")
				return err
			})

		saga.AddStep("record-order", "insert the order row",
			func(ctx context.Context, conn *pgxpool.Conn) error {
				_, err := conn.Exec(ctx,
					`INSERT INTO saga_orders (item, qty) VALUES ($1, $2)`, "widget-fail", 1)
				return err
			},
			func(ctx context.Context, conn *pgxpool.Conn) error {
				compensated = append(compensated, "record-order")

				_, err := conn.Exec(ctx,
					`DELETE FROM saga_orders WHERE item = $1`, "widget-fail")
				return err
			})

		saga.AddStep("charge-card", "authorize payment",
			func(ctx context.Context, conn *pgxpool.Conn) error {
				return boom
			}, nil)

		return nil
	})

	var stepFailure transaction.SagaStepFailure
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, "charge-card", stepFailure.StepID)
	require.ErrorIs(t, err, boom)

	// Compensation ran in reverse registration order.
	assert.Equal(t, []string{"record-order", "reserve-stock"}, compensated)

	// Both durable effects were undone.
	assert.Equal(t, 5, primaryInt(t, manager,
		`SELECT stock FROM saga_inventory WHERE item = $1`, "widget-fail"))
	assert.Zero(t, primaryInt(t, manager,
		`SELECT count(*) FROM saga_orders WHERE item = $1`, "widget-fail"))

	steps := sagaRef.Steps()
	require.Len(t, steps, 3)
	assert.True(t, steps[0].Executed())
	assert.True(t, steps[0].Compensated())
	assert.True(t, steps[1].Executed())
	assert.True(t, steps[1].Compensated())
	assert.False(t, steps[2].Executed())

	history := coord.History()
	require.NotEmpty(t, history)

	last := history[len(history)-1]
	assert.False(t, last.Success)
	assert.Equal(t, 2, last.StepsExecuted)
	assert.Equal(t, 2, last.StepsCompensated)
}

func TestIntegration_Distributed_CommitsAcrossNodes(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	replica := manager.Replicas()[0]

	// The replica is an independent server, which makes it a genuine second
	// resource manager for the two-phase commit.
	var dtRef *transaction.DistributedTxn

	err := coord.WithDistributed(ctx, nil, func(dt *transaction.DistributedTxn) error {
		dtRef = dt

		dt.AddNode(manager.Primary(), func(ctx context.Context, conn *pgxpool.Conn) error {
			_, err := conn.Exec(ctx,
				`INSERT INTO dist_ledger (id, node, amount) VALUES ($1, $2, $3)`,
				"dt-commit", "primary", 75)
			return err
		})

		dt.AddNode(replica, func(ctx context.Context, conn *pgxpool.Conn) error {
			_, err := conn.Exec(ctx,
				`INSERT INTO dist_ledger (id, node, amount) VALUES ($1, $2, $3)`,
				"dt-commit", "replica", 75)
			return err
		})

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, transaction.StateCommitted, dtRef.State())

	assert.Equal(t, 1, primaryInt(t, manager,
		`SELECT count(*) FROM dist_ledger WHERE id = $1 AND node = $2`, "dt-commit", "primary"))
	assert.Equal(t, 1, nodeInt(t, replica,
		`SELECT count(*) FROM dist_ledger WHERE id = $1 AND node = $2`, "dt-commit", "replica"))

	// Nothing was left hanging in the prepared state on either node.
	gidPattern := "dbc_" + dtRef.ID().String() + "_%"
	assert.Zero(t, primaryInt(t, manager,
		`SELECT count(*) FROM pg_prepared_xacts WHERE gid LIKE $1`, gidPattern))
	assert.Zero(t, nodeInt(t, replica,
		`SELECT count(*) FROM pg_prepared_xacts WHERE gid LIKE $1`, gidPattern))

	history := coord.History()
	require.NotEmpty(t, history)

	last := history[len(history)-1]
	assert.Equal(t, transaction.KindDistributed, last.Kind)
	assert.True(t, last.Success)
}

func TestIntegration_Distributed_PrepareFailureRollsBackAllNodes(t *testing.T) {
	t.Parallel()

	manager, coord := newTestCoordinator(t, nil)
	ctx := context.Background()

	replica := manager.Replicas()[0]
	boom := errors.New("ledger validation rejected")

	var dtRef *transaction.DistributedTxn

	err := coord.WithDistributed(ctx, nil, func(dt *transaction.DistributedTxn) error {
		dtRef = dt

		// The primary's work succeeds and gets prepared before the second
		// participant refuses, forcing a rollback of the prepared half.
		dt.AddNode(manager.Primary(), func(ctx context.Context, conn *pgxpool.Conn) error {
			_, err := conn.Exec(ctx,
				`INSERT INTO dist_ledger (id, node, amount) VALUES ($1, $2, $3)`,
				"dt-rollback", "primary", 40)
			return err
		})

		dt.AddParticipant(transaction.NewNodeParticipant(replica,
			func(ctx context.Context, conn *pgxpool.Conn) error {
				return boom
			}))

		return nil
	})

	var prep transaction.PrepareFailure
	require.ErrorAs(t, err, &prep)
	assert.Equal(t, "pg-replica", prep.Participant)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, transaction.StateAborted, dtRef.State())

	// The prepared insert on the primary was rolled back, and no prepared
	// transaction lingers on either node.
	assert.Zero(t, primaryInt(t, manager,
		`SELECT count(*) FROM dist_ledger WHERE id = $1`, "dt-rollback"))
	assert.Zero(t, nodeInt(t, replica,
		`SELECT count(*) FROM dist_ledger WHERE id = $1`, "dt-rollback"))

	gidPattern := "dbc_" + dtRef.ID().String() + "_%"
	assert.Zero(t, primaryInt(t, manager,
		`SELECT count(*) FROM pg_prepared_xacts WHERE gid LIKE $1`, gidPattern))
	assert.Zero(t, nodeInt(t, replica,
		`SELECT count(*) FROM pg_prepared_xacts WHERE gid LIKE $1`, gidPattern))
}

func TestIntegration_Restricted_AuditsAndStripsSensitiveFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Persistent trail on its own pool against the primary, the way a
	// compliance deployment would wire it.
	pool, err := pgxpool.New(ctx, primaryDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := audit.NewStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	manager, coord := newTestCoordinator(t, store)

	subjectID := "person-" + uuid.NewString()
	wantHash := transaction.HashSubject(subjectID)

	var txnRef *transaction.RestrictedTxn

	err = coord.WithRestricted(ctx, nil, subjectID, true, func(ctx context.Context, txn *transaction.RestrictedTxn) error {
		txnRef = txn

		assert.Equal(t, wantHash, txn.SubjectHash())
		assert.NotEqual(t, subjectID, txn.SubjectHash())
		assert.True(t, txn.Consent())

		payload := map[string]any{"name": "Ada", "tax_id": "123-45-6789"}

		_, err := txn.ExecuteRestricted(ctx, "insert", "restricted_people", payload,
			`INSERT INTO restricted_people (id, name, tax_id) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			subjectID, "Ada", "123-45-6789")

		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, primaryInt(t, manager,
		`SELECT count(*) FROM restricted_people WHERE id = $1`, subjectID))

	// The operation log kept the payload minus the sensitive field.
	ops := txnRef.Operations()
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Success)
	assert.Equal(t, "restricted_people", ops[0].Table)
	assert.Contains(t, ops[0].Payload, "name")
	assert.NotContains(t, ops[0].Payload, "tax_id")

	// Events persisted under the hashed subject: the access itself plus the
	// closing commit event.
	events, err := store.FindBySubject(ctx, wantHash, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	actions := make(map[string]bool, len(events))

	for _, event := range events {
		actions[event.Action] = true

		assert.Equal(t, wantHash, event.Subject)
		assert.Equal(t, "pg-primary", event.Node)

		if event.Action == audit.ActionRestrictedAccess {
			assert.Equal(t, true, event.Detail["consent"])
			assert.Equal(t, true, event.Detail["success"])
		}
	}

	assert.True(t, actions[audit.ActionRestrictedAccess])
	assert.True(t, actions[audit.ActionTxnCommit])

	// The raw identifier never reached the trail.
	raw, err := store.FindBySubject(ctx, subjectID, 10)
	require.NoError(t, err)
	assert.Empty(t, raw)
}
