// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

// Package transaction layers a transaction state machine on top of the
// cluster's primary node: plain local transactions with deadlock-aware
// retry, sagas with reverse-order compensation, two-phase distributed
// commits, and restricted-data transactions that hash subjects and strip
// sensitive fields before anything reaches a log or audit line.
package transaction

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// State is the lifecycle position of one transaction.
type State int32

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
	StateFailed
)

// String returns the canonical lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final. Failed is deliberately not
// terminal: a failed transaction may still be aborted to release resources.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Kind names the transaction variant.
type Kind string

const (
	KindLocal       Kind = "local"
	KindSaga        Kind = "saga"
	KindDistributed Kind = "distributed"
	KindRestricted  Kind = "restricted"
)

// Config is the per-transaction policy. Zero fields are filled from the
// package defaults before the transaction begins.
type Config struct {
	// Isolation is the PostgreSQL isolation level for the transaction.
	Isolation pgx.TxIsoLevel

	// Timeout bounds the whole transaction, begin to commit.
	Timeout time.Duration

	// RetryAttempts bounds execute retries on deadlock or serialization
	// conflicts. Other errors never retry.
	RetryAttempts int

	// RetryDelay is the fixed wait between conflict retries.
	RetryDelay time.Duration

	// DeadlockTimeout bounds how long any statement waits on a lock,
	// applied via SET LOCAL lock_timeout.
	DeadlockTimeout time.Duration

	// Restricted marks the transaction as touching regulated subject data.
	Restricted bool

	// Audit emits lifecycle events to the audit trail.
	Audit bool
}

// DefaultConfig returns the process-wide transaction policy.
func DefaultConfig() Config {
	return Config{
		Isolation:       pgx.ReadCommitted,
		Timeout:         constant.TransactionTimeout,
		RetryAttempts:   constant.TransactionRetryAttempts,
		RetryDelay:      constant.TransactionRetryDelay,
		DeadlockTimeout: constant.TransactionDeadlockWait,
	}
}

func (c Config) normalized() Config {
	if c.Isolation == "" {
		c.Isolation = pgx.ReadCommitted
	}

	if c.Timeout <= 0 {
		c.Timeout = constant.TransactionTimeout
	}

	if c.RetryAttempts < 1 {
		c.RetryAttempts = constant.TransactionRetryAttempts
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = constant.TransactionRetryDelay
	}

	if c.DeadlockTimeout <= 0 {
		c.DeadlockTimeout = constant.TransactionDeadlockWait
	}

	if c.Restricted {
		c.Audit = true
	}

	return c
}

// Txn is the base transaction: id, owning node, connection, database
// transaction, and outcome metrics. A Txn is owned by exactly one goroutine
// for its lifetime; only the state field is read concurrently, by the
// coordinator's active-transaction table.
type Txn struct {
	id      uuid.UUID
	kind    Kind
	config  Config
	node    *cluster.Node
	logger  log.Logger
	conn    *cluster.Conn
	tx      pgx.Tx
	state   atomic.Int32
	metrics Metrics
}

func newTxn(kind Kind, node *cluster.Node, config Config, logger log.Logger) *Txn {
	t := &Txn{
		id:     uuid.New(),
		kind:   kind,
		config: config,
		node:   node,
		logger: logger,
	}

	t.metrics = Metrics{
		ID:        t.id,
		Kind:      kind,
		StartedAt: time.Now(),
	}

	return t
}

// ID returns the transaction id.
func (t *Txn) ID() uuid.UUID {
	return t.id
}

// Kind returns the transaction variant.
func (t *Txn) Kind() Kind {
	return t.kind
}

// Node returns the node the transaction is bound to.
func (t *Txn) Node() *cluster.Node {
	return t.node
}

// State returns the current lifecycle state.
func (t *Txn) State() State {
	return State(t.state.Load())
}

// Metrics returns the transaction's outcome record so far.
func (t *Txn) Metrics() Metrics {
	return t.metrics
}

func (t *Txn) setState(next State) {
	prev := State(t.state.Swap(int32(next)))
	if prev == next {
		return
	}

	t.logger.Debugf("Transaction %s state changed: %s -> %s", t.id, prev, next)
}

// Begin acquires a connection from the node and opens a database
// transaction at the configured isolation level. The transaction starts
// Active; Begin fails if it already ran.
func (t *Txn) Begin(ctx context.Context) error {
	if t.State() != StateActive || t.conn != nil {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "begin",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	conn, err := t.node.Acquire(ctx)
	if err != nil {
		t.setState(StateFailed)
		return err
	}

	tx, err := conn.Raw().BeginTx(ctx, pgx.TxOptions{IsoLevel: t.config.Isolation})
	if err != nil {
		conn.Release()
		t.setState(StateFailed)

		return errors.Wrapf(err, "failed to begin transaction %s", t.id)
	}

	if t.config.DeadlockTimeout > 0 {
		lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", t.config.DeadlockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, lockTimeout); err != nil {
			_ = tx.Rollback(ctx)
			conn.Release()
			t.setState(StateFailed)

			return errors.Wrapf(err, "failed to set lock timeout for transaction %s", t.id)
		}
	}

	t.conn = conn
	t.tx = tx

	t.logger.Debugf("Transaction %s began on node %s (isolation=%s)", t.id, t.node.Name(), t.config.Isolation)

	return nil
}

// Commit is only legal while Active. It moves through Committing to
// Committed and records the success metric; any commit error moves the
// transaction to Failed and propagates.
func (t *Txn) Commit(ctx context.Context) error {
	if t.State() != StateActive || t.tx == nil {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "commit",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	t.setState(StateCommitting)

	if err := t.tx.Commit(ctx); err != nil {
		t.setState(StateFailed)
		return errors.Wrapf(err, "failed to commit transaction %s", t.id)
	}

	t.setState(StateCommitted)
	t.metrics.Success = true

	return nil
}

// Abort rolls the transaction back from any non-terminal state. Rollback
// errors move the transaction to Failed but are logged rather than
// returned: abort runs on failure paths and must not mask the error that
// got us here.
func (t *Txn) Abort(ctx context.Context) {
	state := t.State()
	if state.Terminal() {
		t.logger.Warnf("Ignoring abort of transaction %s in terminal state %s", t.id, state)
		return
	}

	t.setState(StateAborting)

	if t.tx != nil {
		if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			t.setState(StateFailed)
			t.logger.Errorf("Failed to roll back transaction %s: %v", t.id, err)

			return
		}
	}

	t.setState(StateAborted)
}

// finalize releases the connection and stamps the end time. It always runs,
// success or failure, and is safe to call more than once.
func (t *Txn) finalize() {
	if t.conn != nil {
		t.conn.Release()
		t.conn = nil
		t.tx = nil
	}

	if t.metrics.EndedAt.IsZero() {
		t.metrics.EndedAt = time.Now()
		t.metrics.Duration = t.metrics.EndedAt.Sub(t.metrics.StartedAt)
	}
}
