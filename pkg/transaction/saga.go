// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"context"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StepFunc is one saga action running on the transaction's connection.
// Arguments are bound by closure when the step is added.
type StepFunc func(ctx context.Context, conn *pgxpool.Conn) error

// Step is one unit of a saga: a forward action and the compensation that
// undoes it.
type Step struct {
	ID          string
	Description string
	forward     StepFunc
	compensate  StepFunc
	executed    bool
	compensated bool
}

// Executed reports whether the forward action completed.
func (s *Step) Executed() bool {
	return s.executed
}

// Compensated reports whether the compensation completed.
func (s *Step) Compensated() bool {
	return s.compensated
}

// SagaTxn runs a sequence of independently durable steps. Each step commits
// its own work; there is no wrapping database transaction. When a step
// fails, the compensations of every executed step run in reverse order and
// the original failure is re-raised.
type SagaTxn struct {
	*Txn
	steps []*Step
}

func newSagaTxn(node *cluster.Node, config Config, logger log.Logger) *SagaTxn {
	return &SagaTxn{Txn: newTxn(KindSaga, node, config, logger)}
}

// AddStep appends a step. Steps execute in addition order and compensate in
// reverse. A nil compensation marks the step as not undoable; it is skipped
// during compensation.
func (t *SagaTxn) AddStep(id, description string, forward, compensate StepFunc) {
	t.steps = append(t.steps, &Step{
		ID:          id,
		Description: description,
		forward:     forward,
		compensate:  compensate,
	})
}

// Steps returns the registered steps.
func (t *SagaTxn) Steps() []*Step {
	return t.steps
}

// Begin acquires a connection for the steps to share. Unlike the base
// transaction no database transaction is opened: each step is durable on
// its own, which is what makes compensation meaningful.
func (t *SagaTxn) Begin(ctx context.Context) error {
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

	t.conn = conn

	t.logger.Debugf("Saga %s began on node %s with %d steps", t.id, t.node.Name(), len(t.steps))

	return nil
}

// Execute runs every step's forward action in order. The first failure
// triggers reverse-order compensation of all executed steps, then the
// original failure is re-raised as a SagaStepFailure.
func (t *SagaTxn) Execute(ctx context.Context) error {
	if t.State() != StateActive || t.conn == nil {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "execute",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	for i, step := range t.steps {
		t.logger.Debugf("Saga %s executing step %s (%d/%d): %s", t.id, step.ID, i+1, len(t.steps), step.Description)

		if err := step.forward(ctx, t.conn.Raw()); err != nil {
			t.logger.Errorf("Saga %s step %s failed: %v - compensating %d executed steps", t.id, step.ID, err, i)
			t.compensateAll(ctx)

			return SagaStepFailure{
				TxnID:  t.id.String(),
				StepID: step.ID,
				Code:   constant.ErrSagaStepFailed.Error(),
				Err:    err,
			}
		}

		step.executed = true
		t.metrics.StepsExecuted++
	}

	return nil
}

// compensateAll undoes executed, not-yet-compensated steps in reverse
// order. Compensation errors are logged and the loop keeps going: every
// compensation gets attempted even when an earlier one fails. Runs on a
// cancellation-shielded context so compensations still fire when the
// original failure was a timeout.
func (t *SagaTxn) compensateAll(ctx context.Context) {
	compCtx := context.WithoutCancel(ctx)

	for i := len(t.steps) - 1; i >= 0; i-- {
		step := t.steps[i]
		if !step.executed || step.compensated {
			continue
		}

		if step.compensate == nil {
			t.logger.Warnf("Saga %s step %s has no compensation - skipping", t.id, step.ID)
			continue
		}

		t.logger.Debugf("Saga %s compensating step %s", t.id, step.ID)

		if err := step.compensate(compCtx, t.conn.Raw()); err != nil {
			t.logger.Errorf("Saga %s compensation for step %s failed: %v", t.id, step.ID, err)
			continue
		}

		step.compensated = true
		t.metrics.StepsCompensated++
	}
}

// Commit marks the saga committed. There is nothing to flush: every step
// already committed its own work.
func (t *SagaTxn) Commit(ctx context.Context) error {
	if t.State() != StateActive {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "commit",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	t.setState(StateCommitting)
	t.setState(StateCommitted)
	t.metrics.Success = true

	return nil
}
