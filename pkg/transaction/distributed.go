// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/pkg/errors"
)

// Participant is one member of a distributed commit. The node-backed
// implementation drives real PostgreSQL two-phase commit; custom
// implementations can bridge to other resource managers.
type Participant interface {
	ID() string
	Prepare(ctx context.Context, gid string) error
	CommitPrepared(ctx context.Context, gid string) error
	RollbackPrepared(ctx context.Context, gid string) error
}

// DistributedTxn coordinates a two-phase commit across participants.
// PreparePhase sends PREPARE in registration order; the first refusal rolls
// back every already-prepared participant and fails the phase. CommitPhase
// commits every prepared participant; a failure there is fatal and
// surfaced, never silently retried, because some participants may already
// have committed.
type DistributedTxn struct {
	*Txn
	participants    []Participant
	prepared        []Participant
	began           bool
	commitAttempted bool
}

func newDistributedTxn(node *cluster.Node, config Config, logger log.Logger) *DistributedTxn {
	return &DistributedTxn{Txn: newTxn(KindDistributed, node, config, logger)}
}

// AddParticipant registers a participant. Order matters: prepares and
// commits run in registration order.
func (t *DistributedTxn) AddParticipant(p Participant) {
	t.participants = append(t.participants, p)
}

// AddNode registers a cluster node as a participant. The work function runs
// inside the node's local transaction before it is prepared.
func (t *DistributedTxn) AddNode(node *cluster.Node, work StepFunc) {
	t.AddParticipant(&nodeParticipant{node: node, work: work})
}

// Participants returns the registered participants.
func (t *DistributedTxn) Participants() []Participant {
	return t.participants
}

// Begin validates the state. Participants acquire their own connections
// during the phases, so there is nothing to acquire here.
func (t *DistributedTxn) Begin(_ context.Context) error {
	if t.State() != StateActive || t.began {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "begin",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	t.began = true

	t.logger.Debugf("Distributed transaction %s began with %d participants", t.id, len(t.participants))

	return nil
}

// PreparePhase sends PREPARE to every participant in registration order.
// The first failure triggers a rollback broadcast to everyone already
// prepared, moves the transaction to Aborted, and returns a PrepareFailure.
func (t *DistributedTxn) PreparePhase(ctx context.Context) error {
	if t.State() != StateActive {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "prepare",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	if len(t.participants) == 0 {
		return constant.ErrNoParticipants
	}

	t.setState(StatePreparing)

	for _, p := range t.participants {
		prepCtx, cancel := context.WithTimeout(ctx, constant.PrepareTimeout)
		err := p.Prepare(prepCtx, t.gid(p))

		cancel()

		if err != nil {
			t.logger.Errorf("Transaction %s participant %s failed to prepare: %v - rolling back %d prepared participants",
				t.id, p.ID(), err, len(t.prepared))

			t.setState(StateAborting)
			t.rollbackPrepared(ctx)
			t.setState(StateAborted)

			return PrepareFailure{
				TxnID:       t.id.String(),
				Participant: p.ID(),
				Code:        constant.ErrPrepareFailed.Error(),
				Err:         err,
			}
		}

		t.prepared = append(t.prepared, p)
		t.logger.Debugf("Transaction %s participant %s prepared", t.id, p.ID())
	}

	t.setState(StatePrepared)

	return nil
}

// CommitPhase commits every prepared participant. Only legal after a
// successful PreparePhase. The broadcast is shielded from caller
// cancellation: once every participant voted yes, the decision is commit,
// and abandoning it halfway would strand prepared transactions.
func (t *DistributedTxn) CommitPhase(ctx context.Context) error {
	if t.State() != StatePrepared {
		return InvalidStateError{
			TxnID: t.id.String(),
			Op:    "commit",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	t.setState(StateCommitting)

	t.commitAttempted = true
	baseCtx := context.WithoutCancel(ctx)

	for i, p := range t.participants {
		commitCtx, cancel := context.WithTimeout(baseCtx, constant.CommitPreparedTimeout)
		err := p.CommitPrepared(commitCtx, t.gid(p))

		cancel()

		if err != nil {
			t.setState(StateFailed)
			t.logger.Errorf("Transaction %s commit phase failed at participant %s - prepared transactions need manual resolution: %s",
				t.id, p.ID(), strings.Join(t.gidsFrom(i), ", "))

			return CommitFailure{
				TxnID:       t.id.String(),
				Participant: p.ID(),
				Code:        constant.ErrCommitFailed.Error(),
				Err:         err,
			}
		}

		t.logger.Debugf("Transaction %s participant %s committed", t.id, p.ID())
	}

	t.setState(StateCommitted)
	t.metrics.Success = true

	return nil
}

// Abort rolls back every prepared participant and marks the transaction
// aborted. After a failed commit phase it refuses to touch participants:
// some have committed, and rolling back the rest automatically would turn a
// surfaced partial commit into silent data loss.
func (t *DistributedTxn) Abort(ctx context.Context) {
	if t.commitAttempted && t.State() == StateFailed {
		t.logger.Errorf("Transaction %s aborted after a commit-phase failure - leaving prepared transactions for manual resolution", t.id)
		return
	}

	if t.State().Terminal() {
		return
	}

	t.setState(StateAborting)
	t.rollbackPrepared(ctx)
	t.setState(StateAborted)
}

// rollbackPrepared broadcasts ROLLBACK PREPARED to every prepared
// participant. Errors are logged and the broadcast continues; the context
// is shielded from cancellation so cleanup still runs when the original
// failure was a timeout.
func (t *DistributedTxn) rollbackPrepared(ctx context.Context) {
	baseCtx := context.WithoutCancel(ctx)

	for _, p := range t.prepared {
		abortCtx, cancel := context.WithTimeout(baseCtx, constant.PrepareTimeout)
		err := p.RollbackPrepared(abortCtx, t.gid(p))

		cancel()

		if err != nil {
			t.logger.Errorf("Transaction %s failed to roll back prepared participant %s: %v", t.id, p.ID(), err)
		}
	}

	t.prepared = nil
}

// gid derives the global transaction identifier for one participant.
func (t *DistributedTxn) gid(p Participant) string {
	return fmt.Sprintf("dbc_%s_%s", t.id, p.ID())
}

func (t *DistributedTxn) gidsFrom(idx int) []string {
	gids := make([]string, 0, len(t.participants)-idx)
	for _, p := range t.participants[idx:] {
		gids = append(gids, t.gid(p))
	}

	return gids
}

// nodeParticipant drives PostgreSQL two-phase commit on one cluster node.
type nodeParticipant struct {
	node *cluster.Node
	work StepFunc
}

// NewNodeParticipant wraps a cluster node as a distributed-commit
// participant.
func NewNodeParticipant(node *cluster.Node, work StepFunc) Participant {
	return &nodeParticipant{node: node, work: work}
}

// ID returns the node name.
func (p *nodeParticipant) ID() string {
	return p.node.Name()
}

// Prepare opens a transaction, runs the participant's work, and prepares
// it under the given gid. After PREPARE TRANSACTION succeeds the work is
// durable but invisible until CommitPrepared.
func (p *nodeParticipant) Prepare(ctx context.Context, gid string) error {
	conn, err := p.node.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	raw := conn.Raw()

	if _, err := raw.Exec(ctx, "BEGIN"); err != nil {
		return errors.Wrapf(err, "failed to open transaction on node %s", p.node.Name())
	}

	if p.work != nil {
		if err := p.work(ctx, raw); err != nil {
			_, _ = raw.Exec(ctx, "ROLLBACK")
			return err
		}
	}

	if _, err := raw.Exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(gid)); err != nil {
		_, _ = raw.Exec(ctx, "ROLLBACK")
		return errors.Wrapf(err, "failed to prepare transaction on node %s", p.node.Name())
	}

	return nil
}

// CommitPrepared commits the prepared transaction. It may run on a
// different session than Prepare; surviving the original session is the
// point of two-phase commit.
func (p *nodeParticipant) CommitPrepared(ctx context.Context, gid string) error {
	conn, err := p.node.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Raw().Exec(ctx, "COMMIT PREPARED "+quoteLiteral(gid)); err != nil {
		return errors.Wrapf(err, "failed to commit prepared transaction on node %s", p.node.Name())
	}

	return nil
}

// RollbackPrepared discards the prepared transaction.
func (p *nodeParticipant) RollbackPrepared(ctx context.Context, gid string) error {
	conn, err := p.node.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Raw().Exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(gid)); err != nil {
		return errors.Wrapf(err, "failed to roll back prepared transaction on node %s", p.node.Name())
	}

	return nil
}

// quoteLiteral single-quotes a string for interpolation into statements
// that cannot take bind parameters, like PREPARE TRANSACTION.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
