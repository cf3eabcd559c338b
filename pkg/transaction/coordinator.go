// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/google/uuid"
)

// txn is what the coordinator needs from every transaction variant. All
// variants satisfy it through the base Txn plus their overrides.
type txn interface {
	ID() uuid.UUID
	Kind() Kind
	State() State
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context)
	Metrics() Metrics
	finalize()
}

// ActiveInfo describes one in-flight transaction.
type ActiveInfo struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// Coordinator owns transaction lifecycles: it builds the right variant,
// registers it in the active table, begins it, hands it to the caller's
// function, then commits on success or aborts on error or panic. Outcomes
// land in a bounded rolling metrics history. A background loop watches the
// primary for blocking-lock chains, strictly as an observer.
type Coordinator struct {
	manager  *cluster.Manager
	logger   log.Logger
	trail    audit.Trail
	defaults Config

	mu     sync.RWMutex
	active map[uuid.UUID]txn

	history *history

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewCoordinator builds a coordinator bound to the cluster manager. A nil
// trail falls back to logging audit records.
func NewCoordinator(manager *cluster.Manager, logger log.Logger, trail audit.Trail, defaults Config) *Coordinator {
	if trail == nil {
		trail = audit.NewLogTrail(logger)
	}

	return &Coordinator{
		manager:  manager,
		logger:   logger,
		trail:    trail,
		defaults: defaults.normalized(),
		active:   make(map[uuid.UUID]txn),
		history:  newHistory(constant.TransactionHistoryLimit),
		stopChan: make(chan struct{}),
	}
}

// Start spawns the deadlock detector loop. Safe to call once.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go c.deadlockLoop()

	c.logger.Infof("Transaction coordinator started - checking for blocking locks every %v", constant.DeadlockDetectorInterval)
}

// Stop halts the deadlock detector and waits for it.
func (c *Coordinator) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}

	close(c.stopChan)
	c.wg.Wait()

	c.logger.Info("Transaction coordinator stopped")
}

// WithTransaction runs fn inside a local transaction on the primary:
// commit when fn returns nil and the transaction is still active, abort
// when fn returns an error or panics.
func (c *Coordinator) WithTransaction(ctx context.Context, cfg *Config, fn func(ctx context.Context, t *LocalTxn) error) error {
	config := c.resolveConfig(cfg)
	t := newLocalTxn(c.manager.Primary(), config, c.logger)

	return c.run(ctx, t, config, func(runCtx context.Context) error {
		return fn(runCtx, t)
	})
}

// WithRestricted runs fn inside a restricted-data transaction. The subject
// identifier is hashed before the transaction exists anywhere it could be
// logged; restricted transactions always audit.
func (c *Coordinator) WithRestricted(ctx context.Context, cfg *Config, subjectID string, consent bool, fn func(ctx context.Context, t *RestrictedTxn) error) error {
	config := c.resolveConfig(cfg)
	config.Restricted = true
	config.Audit = true

	t := newRestrictedTxn(c.manager.Primary(), config, c.logger, c.trail, subjectID, consent)

	return c.run(ctx, t, config, func(runCtx context.Context) error {
		return fn(runCtx, t)
	})
}

// WithSaga lets build register steps, then executes the saga. A step
// failure compensates in reverse order and surfaces as a SagaStepFailure.
func (c *Coordinator) WithSaga(ctx context.Context, cfg *Config, build func(saga *SagaTxn) error) error {
	config := c.resolveConfig(cfg)
	t := newSagaTxn(c.manager.Primary(), config, c.logger)

	return c.run(ctx, t, config, func(runCtx context.Context) error {
		if err := build(t); err != nil {
			return err
		}

		return t.Execute(runCtx)
	})
}

// WithDistributed lets build register participants, then drives the
// two-phase commit: prepare everyone, then commit everyone.
func (c *Coordinator) WithDistributed(ctx context.Context, cfg *Config, build func(dt *DistributedTxn) error) error {
	config := c.resolveConfig(cfg)
	t := newDistributedTxn(c.manager.Primary(), config, c.logger)

	return c.run(ctx, t, config, func(runCtx context.Context) error {
		if err := build(t); err != nil {
			return err
		}

		if err := t.PreparePhase(runCtx); err != nil {
			return err
		}

		return t.CommitPhase(runCtx)
	})
}

// run is the shared lifecycle: register, begin, invoke, settle. The
// transaction always leaves the active table with its metrics recorded,
// whatever path it took out.
func (c *Coordinator) run(ctx context.Context, t txn, config Config, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	c.register(t)
	defer c.settle(t)

	if err := t.Begin(runCtx); err != nil {
		return err
	}

	if config.Audit {
		c.recordLifecycleAudit(runCtx, t, audit.ActionTxnBegin, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Transaction %s panicked: %v - aborting", t.ID(), r)
			t.Abort(context.WithoutCancel(runCtx))
			panic(r)
		}
	}()

	if err := fn(runCtx); err != nil {
		if !t.State().Terminal() {
			t.Abort(context.WithoutCancel(runCtx))
		}

		if config.Audit {
			c.recordLifecycleAudit(runCtx, t, audit.ActionTxnAbort, err)
		}

		return err
	}

	if t.State() == StateActive {
		if err := t.Commit(runCtx); err != nil {
			return err
		}
	}

	if config.Audit && t.Kind() != KindRestricted {
		c.recordLifecycleAudit(runCtx, t, audit.ActionTxnCommit, nil)
	}

	return nil
}

func (c *Coordinator) register(t txn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active[t.ID()] = t
}

// settle removes the transaction from the active table, releases its
// resources, and records its outcome in the history.
func (c *Coordinator) settle(t txn) {
	t.finalize()

	c.mu.Lock()
	delete(c.active, t.ID())
	c.mu.Unlock()

	c.history.add(t.Metrics())
}

func (c *Coordinator) resolveConfig(override *Config) Config {
	if override == nil {
		return c.defaults
	}

	return override.normalized()
}

// recordLifecycleAudit emits a begin/commit/abort event. Failures are
// logged only.
func (c *Coordinator) recordLifecycleAudit(ctx context.Context, t txn, action string, cause error) {
	event := audit.NewEvent(action, "transaction")
	event.Detail = map[string]any{
		"txnId": t.ID().String(),
		"kind":  string(t.Kind()),
		"state": t.State().String(),
	}

	if cause != nil {
		event.Detail["error"] = cause.Error()
	}

	if err := c.trail.Record(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Errorf("Failed to record %s audit event for transaction %s: %v", action, t.ID(), err)
	}
}

// Active lists the in-flight transactions.
func (c *Coordinator) Active() []ActiveInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ActiveInfo, 0, len(c.active))
	for _, t := range c.active {
		out = append(out, ActiveInfo{
			ID:        t.ID(),
			Kind:      t.Kind(),
			State:     t.State().String(),
			StartedAt: t.Metrics().StartedAt,
		})
	}

	return out
}

// ActiveCount returns how many transactions are in flight.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.active)
}

// Stats aggregates the transaction history plus the current active count.
func (c *Coordinator) Stats() Stats {
	stats := c.history.aggregate()
	stats.Active = c.ActiveCount()

	return stats
}

// History returns a copy of the rolling outcome history, oldest first.
func (c *Coordinator) History() []Metrics {
	return c.history.snapshot()
}

// blockedLocksQuery pairs every waiting lock with the session holding it,
// via pg_locks joined against itself and pg_stat_activity.
const blockedLocksQuery = `
SELECT
  blocked_locks.pid AS blocked_pid,
  blocked_activity.query AS blocked_query,
  blocking_locks.pid AS blocking_pid,
  blocking_activity.query AS blocking_query
FROM pg_catalog.pg_locks blocked_locks
JOIN pg_catalog.pg_stat_activity blocked_activity
  ON blocked_activity.pid = blocked_locks.pid
JOIN pg_catalog.pg_locks blocking_locks
  ON blocking_locks.locktype = blocked_locks.locktype
  AND blocking_locks.database IS NOT DISTINCT FROM blocked_locks.database
  AND blocking_locks.relation IS NOT DISTINCT FROM blocked_locks.relation
  AND blocking_locks.page IS NOT DISTINCT FROM blocked_locks.page
  AND blocking_locks.tuple IS NOT DISTINCT FROM blocked_locks.tuple
  AND blocking_locks.virtualxid IS NOT DISTINCT FROM blocked_locks.virtualxid
  AND blocking_locks.transactionid IS NOT DISTINCT FROM blocked_locks.transactionid
  AND blocking_locks.classid IS NOT DISTINCT FROM blocked_locks.classid
  AND blocking_locks.objid IS NOT DISTINCT FROM blocked_locks.objid
  AND blocking_locks.objsubid IS NOT DISTINCT FROM blocked_locks.objsubid
  AND blocking_locks.pid != blocked_locks.pid
JOIN pg_catalog.pg_stat_activity blocking_activity
  ON blocking_activity.pid = blocking_locks.pid
WHERE NOT blocked_locks.granted`

// deadlockLoop periodically checks the primary for blocking-lock chains.
// Findings are logged and audited only; sessions are never killed, the
// database's own deadlock resolution stays in charge.
func (c *Coordinator) deadlockLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(constant.DeadlockDetectorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.detectBlockedLocks()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Coordinator) detectBlockedLocks() {
	ctx, cancel := context.WithTimeout(context.Background(), constant.DeadlockDetectorQueryTimeout)
	defer cancel()

	conn, err := c.manager.Primary().Acquire(ctx)
	if err != nil {
		c.logger.Debugf("Deadlock detector skipped: %v", err)
		return
	}
	defer conn.Release()

	rows, err := conn.Raw().Query(ctx, blockedLocksQuery)
	if err != nil {
		c.logger.Warnf("Deadlock detector query failed: %v", err)
		return
	}
	defer rows.Close()

	found := 0

	for rows.Next() {
		var (
			blockedPID, blockingPID     int
			blockedQuery, blockingQuery string
		)

		if err := rows.Scan(&blockedPID, &blockedQuery, &blockingPID, &blockingQuery); err != nil {
			c.logger.Warnf("Deadlock detector scan failed: %v", err)
			return
		}

		found++

		c.logger.Warnf("🔒 Blocking lock detected: pid %d blocks pid %d (blocked query: %s)",
			blockingPID, blockedPID, truncateQuery(blockedQuery))

		event := audit.NewEvent(audit.ActionDeadlockDetected, "cluster")
		event.Node = c.manager.Primary().Name()
		event.Detail = map[string]any{
			"blockedPid":    blockedPID,
			"blockingPid":   blockingPID,
			"blockedQuery":  truncateQuery(blockedQuery),
			"blockingQuery": truncateQuery(blockingQuery),
		}

		if err := c.trail.Record(ctx, event); err != nil {
			c.logger.Errorf("Failed to record blocking-lock audit event: %v", err)
		}
	}

	if err := rows.Err(); err != nil {
		c.logger.Warnf("Deadlock detector read failed: %v", err)
		return
	}

	if found > 0 {
		c.logger.Warnf("Deadlock detector found %d blocking-lock pairs", found)
	}
}

func truncateQuery(q string) string {
	const limit = 120
	if len(q) <= limit {
		return q
	}

	return q[:limit] + "..."
}
