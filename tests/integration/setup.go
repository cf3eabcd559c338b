//go:build integration

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/transaction"

	"github.com/LerianStudio/lib-commons/v2/commons/zap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestManager builds and starts a primary+replica cluster against the
// containers directly. Each test owns its manager so routing and metrics
// assertions cannot bleed between parallel tests. Shutdown is registered as
// cleanup.
func newTestManager(t *testing.T) *cluster.Manager {
	t.Helper()

	cfg := cluster.Config{
		Primary: cluster.NodeConfig{
			Name:           "pg-primary",
			DSN:            primaryDSN,
			Role:           cluster.RolePrimary,
			MaxConns:       4,
			AcquireTimeout: 5 * time.Second,
			QueryTimeout:   10 * time.Second,
		},
		Replicas: []cluster.NodeConfig{
			{
				Name:           "pg-replica",
				DSN:            replicaDSN,
				Role:           cluster.RoleReplica,
				MaxConns:       4,
				AcquireTimeout: 5 * time.Second,
				QueryTimeout:   10 * time.Second,
			},
		},
		Selection:           cluster.SelectRoundRobin,
		HealthCheckInterval: 500 * time.Millisecond,
		MetricsInterval:     time.Minute,
		Retry: backoff.Policy{
			MaxAttempts: 3,
			Strategy:    backoff.StrategyExponential,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
			Multiplier:  2,
			Jitter:      true,
		},
		Breaker: circuit.Config{
			FailureThreshold:  5,
			SuccessThreshold:  1,
			OpenTimeout:       2 * time.Second,
			HalfOpenMaxProbes: 1,
		},
	}

	logger := zap.InitializeLogger()

	manager, err := cluster.NewManager(cfg, logger, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, manager.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = manager.Shutdown(shutdownCtx)
	})

	waitClusterHealthy(t, manager)

	return manager
}

// waitClusterHealthy blocks until every node reports healthy.
func waitClusterHealthy(t *testing.T, manager *cluster.Manager) {
	t.Helper()

	require.Eventually(t, func() bool {
		health := manager.HealthStatus()

		return health.Status == "healthy" && health.PrimaryAvailable && health.ReplicasAvailable == 1
	}, 15*time.Second, 100*time.Millisecond, "cluster did not become healthy")
}

// newTestCoordinator builds a coordinator over a fresh manager, with retry
// and lock-wait settings sized for tests that provoke real conflicts.
func newTestCoordinator(t *testing.T, trail audit.Trail) (*cluster.Manager, *transaction.Coordinator) {
	t.Helper()

	manager := newTestManager(t)
	logger := zap.InitializeLogger()

	coord := transaction.NewCoordinator(manager, logger, trail, transaction.Config{
		Timeout:       60 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
		// Generous lock wait: deadlock tests rely on the server's deadlock
		// detector picking a victim, not on lock_timeout firing first.
		DeadlockTimeout: 30 * time.Second,
	})

	return manager, coord
}

// execSQL wraps a statement as a cluster operation.
func execSQL(sql string, args ...any) cluster.OperationFunc {
	return func(ctx context.Context, conn *pgxpool.Conn) (any, error) {
		return conn.Exec(ctx, sql, args...)
	}
}

// queryInt wraps a single-value query as a cluster operation.
func queryInt(sql string, args ...any) cluster.OperationFunc {
	return func(ctx context.Context, conn *pgxpool.Conn) (any, error) {
		var v int
		if err := conn.QueryRow(ctx, sql, args...).Scan(&v); err != nil {
			return nil, err
		}

		return v, nil
	}
}

// primaryInt runs a single-value query routed to the primary.
func primaryInt(t *testing.T, manager *cluster.Manager, sql string, args ...any) int {
	t.Helper()

	got, err := manager.ExecuteWrite(context.Background(), queryInt(sql, args...))
	require.NoError(t, err)

	return got.(int)
}

// nodeInt runs a single-value query directly on one node, bypassing routing.
func nodeInt(t *testing.T, node *cluster.Node, sql string, args ...any) int {
	t.Helper()

	got, err := node.ExecuteWithRetry(context.Background(), queryInt(sql, args...))
	require.NoError(t, err)

	return got.(int)
}
