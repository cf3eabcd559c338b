//go:build chaos

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package chaos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"

	"github.com/LerianStudio/lib-commons/v2/commons/zap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// chaosTuning shortens every resilience interval so fault injection and
// recovery play out within seconds instead of production minutes.
type chaosTuning struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	RetryAttempts    int
	HealthInterval   time.Duration
	AcquireTimeout   time.Duration
	QueryTimeout     time.Duration
}

func defaultTuning() chaosTuning {
	return chaosTuning{
		FailureThreshold: 3,
		OpenTimeout:      2 * time.Second,
		RetryAttempts:    2,
		HealthInterval:   500 * time.Millisecond,
		AcquireTimeout:   2 * time.Second,
		QueryTimeout:     2 * time.Second,
	}
}

// newChaosManager builds and starts a primary+replica cluster routed through
// Toxiproxy, with the given tuning. Shutdown is registered as cleanup.
func newChaosManager(t *testing.T, tuning chaosTuning) *cluster.Manager {
	t.Helper()

	return startManager(t, chaosConfig(tuning), nil)
}

// newChaosManagerWithBackup adds a backup node that reaches the primary
// server directly, bypassing Toxiproxy. Cutting the primary proxy then takes
// down the primary's path while the backup path stays reachable, which is
// exactly the shape of a front-door failure with a surviving standby.
func newChaosManagerWithBackup(t *testing.T, tuning chaosTuning, trail audit.Trail) *cluster.Manager {
	t.Helper()

	cfg := chaosConfig(tuning)
	cfg.Backups = []cluster.NodeConfig{
		{
			Name:           "pg-backup",
			DSN:            testInfra.Primary.DSN,
			Role:           cluster.RoleBackup,
			MaxConns:       4,
			AcquireTimeout: tuning.AcquireTimeout,
			QueryTimeout:   tuning.QueryTimeout,
		},
	}

	return startManager(t, cfg, trail)
}

func chaosConfig(tuning chaosTuning) cluster.Config {
	return cluster.Config{
		Primary: cluster.NodeConfig{
			Name:           "pg-primary",
			DSN:            primaryDSN,
			Role:           cluster.RolePrimary,
			MaxConns:       4,
			AcquireTimeout: tuning.AcquireTimeout,
			QueryTimeout:   tuning.QueryTimeout,
		},
		Replicas: []cluster.NodeConfig{
			{
				Name:           "pg-replica",
				DSN:            replicaDSN,
				Role:           cluster.RoleReplica,
				MaxConns:       4,
				AcquireTimeout: tuning.AcquireTimeout,
				QueryTimeout:   tuning.QueryTimeout,
			},
		},
		Selection:           cluster.SelectRoundRobin,
		HealthCheckInterval: tuning.HealthInterval,
		MetricsInterval:     time.Minute,
		Retry: backoff.Policy{
			MaxAttempts: tuning.RetryAttempts,
			Strategy:    backoff.StrategyFixed,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			Multiplier:  1,
		},
		Breaker: circuit.Config{
			FailureThreshold:  tuning.FailureThreshold,
			SuccessThreshold:  1,
			OpenTimeout:       tuning.OpenTimeout,
			HalfOpenMaxProbes: 1,
		},
	}
}

func startManager(t *testing.T, cfg cluster.Config, trail audit.Trail) *cluster.Manager {
	t.Helper()

	logger := zap.InitializeLogger()

	manager, err := cluster.NewManager(cfg, logger, nil, trail)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, manager.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = manager.Shutdown(shutdownCtx)
	})

	return manager
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

// captureTrail collects audit events for assertion.
type captureTrail struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureTrail) Record(_ context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)

	return nil
}

// byNode returns the recorded events attributed to the named node.
func (c *captureTrail) byNode(node string) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]audit.Event, 0, len(c.events))

	for _, event := range c.events {
		if event.Node == node {
			out = append(out, event)
		}
	}

	return out
}
