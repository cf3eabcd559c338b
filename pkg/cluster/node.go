// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OperationFunc is the caller-supplied unit of work executed against one
// checked-out connection. The context carries the node's query timeout.
type OperationFunc func(ctx context.Context, conn *pgxpool.Conn) (any, error)

// Node owns one PostgreSQL endpoint: its pool, its circuit breaker, its
// retry policy, and its metrics. All methods are safe for concurrent use.
type Node struct {
	config  NodeConfig
	retry   backoff.Policy
	breaker *circuit.Breaker
	logger  log.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool

	state   atomic.Int32
	metrics ConnectionMetrics
}

// NewNode builds a node from its configuration. The pool is not created
// until Init so that construction never touches the network.
func NewNode(config NodeConfig, retry backoff.Policy, breakerConfig circuit.Config, logger log.Logger) *Node {
	config = config.normalized()

	return &Node{
		config:  config,
		retry:   retry,
		breaker: circuit.New(config.Name, breakerConfig, logger),
		logger:  logger,
	}
}

// Name returns the configured node name.
func (n *Node) Name() string {
	return n.config.Name
}

// Role returns the configured node role.
func (n *Node) Role() Role {
	return n.config.Role
}

// Config returns the node's (normalized) configuration.
func (n *Node) Config() NodeConfig {
	return n.config
}

// Breaker exposes the node's circuit breaker for status reporting.
func (n *Node) Breaker() *circuit.Breaker {
	return n.breaker
}

// State returns the current health state of the node.
func (n *Node) State() NodeState {
	return NodeState(n.state.Load())
}

// setState transitions the node state, logging the change.
func (n *Node) setState(next NodeState) {
	prev := NodeState(n.state.Swap(int32(next)))
	if prev == next {
		return
	}

	if next == NodeFailed {
		n.logger.Warnf("Node [%s] state changed: %s -> %s", n.config.Name, prev, next)
		return
	}

	n.logger.Infof("Node [%s] state changed: %s -> %s", n.config.Name, prev, next)
}

// Init builds the connection pool and verifies the node answers a ping,
// retrying with the node's backoff policy. A node that exhausts its attempts
// is marked FAILED and left poolless; the cluster health loop keeps trying to
// reconnect it in the background.
func (n *Node) Init(ctx context.Context) error {
	poolCfg, err := n.config.poolConfig()
	if err != nil {
		n.setState(NodeFailed)
		return err
	}

	var lastErr error

	for attempt := 0; attempt < n.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := n.retry.Delay(attempt - 1)
			n.logger.Warnf("Retry attempt %d/%d for node %s after %v", attempt, n.retry.MaxAttempts-1, n.config.Name, delay)

			if err := backoff.Sleep(ctx, delay); err != nil {
				n.setState(NodeFailed)
				return err
			}
		}

		lastErr = n.connect(ctx, poolCfg)
		if lastErr == nil {
			n.setState(NodeHealthy)
			n.logger.Infof("Successfully connected to %s node %s (%s) on attempt %d",
				n.config.Role, n.config.Name, RedactDSN(n.config.DSN), attempt+1)

			return nil
		}

		n.logger.Errorf("Failed to connect to node %s (attempt %d/%d): %v",
			n.config.Name, attempt+1, n.retry.MaxAttempts, lastErr)

		if isFatalConnectError(lastErr) {
			n.logger.Warnf("⚠️  Fatal error detected for node %s - skipping remaining retries", n.config.Name)
			break
		}
	}

	n.setState(NodeFailed)

	return fmt.Errorf("failed to connect to node %s: %w", n.config.Name, lastErr)
}

// connect builds a pool and pings it once, installing it on success.
func (n *Node) connect(ctx context.Context, poolCfg *pgxpool.Config) error {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, constant.HealthCheckTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return err
	}

	n.mu.Lock()
	if n.pool != nil {
		n.pool.Close()
	}

	n.pool = pool
	n.mu.Unlock()

	return nil
}

// Reconnect makes a single attempt to rebuild the pool. The health loop calls
// this for nodes that lost their pool; it does not change the node state,
// which stays under the health loop's control.
func (n *Node) Reconnect(ctx context.Context) error {
	poolCfg, err := n.config.poolConfig()
	if err != nil {
		return err
	}

	return n.connect(ctx, poolCfg)
}

// Acquire checks out one scoped connection. It fails fast with
// CircuitOpenError when the breaker rejects traffic and with
// PoolUninitializedError when the node has no pool. Acquisition is bounded by
// the node's acquire timeout; hitting it counts against the breaker, while a
// caller cancellation does not.
func (n *Node) Acquire(ctx context.Context) (*Conn, error) {
	if !n.breaker.Allow() {
		return nil, CircuitOpenError{Node: n.config.Name, Code: constant.ErrCircuitOpen.Error()}
	}

	n.mu.RLock()
	pool := n.pool
	n.mu.RUnlock()

	if pool == nil {
		return nil, PoolUninitializedError{Node: n.config.Name, Code: constant.ErrPoolUninitialized.Error()}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, n.config.AcquireTimeout)
	defer cancel()

	pgxConn, err := pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		n.breaker.RecordFailure()
		n.metrics.queryFailed()

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, AcquireTimeoutError{
				Node:    n.config.Name,
				Timeout: n.config.AcquireTimeout,
				Code:    constant.ErrAcquireTimeout.Error(),
				Err:     err,
			}
		}

		return nil, WrapPGError(n.config.Name, err)
	}

	n.metrics.connectionAcquired()

	return &Conn{conn: pgxConn, node: n}, nil
}

// ExecuteWithRetry runs op through the node's full resilience envelope:
// breaker-gated acquisition, query timeout, typed-error classification, and
// backoff between retryable attempts. Non-retryable or exhausted failures
// mark the node FAILED and surface the last error wrapped with the node
// identity and attempt count.
func (n *Node) ExecuteWithRetry(ctx context.Context, op OperationFunc) (any, error) {
	var lastErr error

	attempts := 0

	for attempt := 0; attempt < n.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := n.retry.Delay(attempt - 1)
			n.logger.Warnf("Retry attempt %d/%d on node %s after %v", attempt, n.retry.MaxAttempts-1, n.config.Name, delay)

			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		attempts++

		result, err := n.executeOnce(ctx, op)
		if err == nil {
			return result, nil
		}

		lastErr = err

		kind := Classify(err)
		if kind == KindCanceled {
			return nil, err
		}

		if kind == KindCircuitOpen {
			// The breaker already reflects the node's condition; a fast-fail
			// is not new evidence against it.
			return nil, ExecutionError{Node: n.config.Name, Role: n.config.Role, Attempts: attempts, Err: lastErr}
		}

		if !kind.Retryable() {
			break
		}
	}

	n.setState(NodeFailed)

	return nil, ExecutionError{Node: n.config.Name, Role: n.config.Role, Attempts: attempts, Err: lastErr}
}

// executeOnce performs one acquisition plus one operation run, feeding the
// breaker and metrics with the outcome.
func (n *Node) executeOnce(ctx context.Context, op OperationFunc) (any, error) {
	conn, err := n.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	queryCtx, cancel := context.WithTimeout(ctx, n.config.QueryTimeout)
	defer cancel()

	start := time.Now()

	result, err := op(queryCtx, conn.Raw())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = QueryTimeoutError{
				Node:    n.config.Name,
				Timeout: n.config.QueryTimeout,
				Code:    constant.ErrQueryTimeout.Error(),
				Err:     err,
			}
		} else {
			err = WrapPGError(n.config.Name, err)
		}

		if Classify(err) != KindCanceled {
			n.breaker.RecordFailure()
			n.metrics.queryFailed()
		}

		return nil, err
	}

	n.breaker.RecordSuccess()
	n.metrics.querySucceeded(time.Since(start))

	if n.State() == NodeRecovering {
		n.setState(NodeHealthy)
	}

	return result, nil
}

// HealthCheck probes the node with SELECT 1 through the normal acquire path.
// It never returns an error; the boolean verdict feeds the cluster health
// ladder. Probe outcomes feed the breaker but not the query counters, so
// success-rate metrics reflect real traffic only.
func (n *Node) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, constant.HealthCheckTimeout)
	defer cancel()

	conn, err := n.Acquire(probeCtx)
	if err != nil {
		return false
	}
	defer conn.Release()

	var one int
	if err := conn.Raw().QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		n.breaker.RecordFailure()
		return false
	}

	n.breaker.RecordSuccess()
	n.metrics.healthCheckPassed(time.Now())

	return true
}

// Metrics returns a point-in-time snapshot of the node's counters.
func (n *Node) Metrics() MetricsSnapshot {
	snap := n.metrics.snapshot()
	snap.Node = n.config.Name
	snap.Role = n.config.Role
	snap.State = n.State().String()
	snap.BreakerState = n.breaker.State().String()

	return snap
}

// Close releases the pool. Safe to call more than once.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pool != nil {
		n.pool.Close()
		n.pool = nil
	}
}

// Conn is a scoped connection checked out from one node's pool. Release
// returns it exactly once; further calls are no-ops.
type Conn struct {
	conn     *pgxpool.Conn
	node     *Node
	released atomic.Bool
}

// Raw exposes the underlying pgxpool connection.
func (c *Conn) Raw() *pgxpool.Conn {
	return c.conn
}

// Node returns the node this connection belongs to.
func (c *Conn) Node() *Node {
	return c.node
}

// Release returns the connection to its pool and updates the active counter.
func (c *Conn) Release() {
	if c.released.Swap(true) {
		return
	}

	c.conn.Release()
	c.node.metrics.connectionReleased()
}

// isFatalConnectError checks if a connection error is fatal (no point in retrying)
func isFatalConnectError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// DNS and credential errors that won't be fixed by retrying
	fatalPatterns := []string{
		"no such host",
		"lookup",
		"server misbehaving",
		"invalid connection string",
		"authentication failed",
		"password authentication",
		"authorization failed",
		"access denied",
	}

	for _, pattern := range fatalPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}
