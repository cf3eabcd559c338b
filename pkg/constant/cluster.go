// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package constant

import "time"

// Database Query Timeouts
const (
	QueryTimeoutDefault = 10 * time.Second
	CommandTimeoutSlow  = 15 * time.Second
	ConnectionTimeout   = 5 * time.Second
)

// Circuit Breaker Configuration
const (
	BreakerFailureThreshold  = 5
	BreakerSuccessThreshold  = 2
	BreakerOpenTimeout       = 30 * time.Second
	BreakerHalfOpenMaxProbes = 3
)

// PostgreSQL Pool Configuration
const (
	PoolMinConns        = 2
	PoolMaxConns        = 25
	PoolMaxConnLifetime = 5 * time.Minute
	PoolMaxConnIdleTime = 1 * time.Minute
	PoolAcquireTimeout  = 5 * time.Second
)

// Circuit Breaker State Names
const (
	BreakerStateClosed   = "closed"
	BreakerStateOpen     = "open"
	BreakerStateHalfOpen = "half-open"
)

// Health Check Configuration
const (
	HealthCheckInterval     = 30 * time.Second
	HealthCheckTimeout      = 5 * time.Second
	HealthCheckInitialDelay = 5 * time.Second
)

// Aggregate Cluster Status Values
const (
	ClusterStatusHealthy     = "healthy"
	ClusterStatusDegraded    = "degraded"
	ClusterStatusFailed      = "failed"
	ClusterStatusNoDatabases = "no_databases"
)

// Metrics Export Configuration
const (
	MetricsExportInterval = 1 * time.Minute
)

// RedactPlaceholder is the replacement value for masked credentials in connection strings.
const RedactPlaceholder = "REDACTED"
