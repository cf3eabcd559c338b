// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/transaction"

	libCommons "github.com/LerianStudio/lib-commons/v2/commons"
	"github.com/LerianStudio/lib-commons/v2/commons/log"
	libOtel "github.com/LerianStudio/lib-commons/v2/commons/opentelemetry"
	libZap "github.com/LerianStudio/lib-commons/v2/commons/zap"
	"github.com/jackc/pgx/v5/pgxpool"
)

// auditSchemaTimeout bounds the audit table creation at startup.
const auditSchemaTimeout = 10 * time.Second

// Config holds the application's configurable parameters read from environment variables.
type Config struct {
	EnvName    string `env:"ENV_NAME"`
	LogLevel   string `env:"LOG_LEVEL"`
	ServerPort string `env:"SERVER_PORT" default:"3005"`
	// Cluster topology. Replica and backup DSNs are comma-separated lists;
	// node names are derived from the position in the list.
	DBPrimaryName string `env:"DB_PRIMARY_NAME" default:"primary"`
	DBPrimaryDSN  string `env:"DB_PRIMARY_DSN"`
	DBReplicaDSNs string `env:"DB_REPLICA_DSNS"`
	DBBackupDSNs  string `env:"DB_BACKUP_DSNS"`
	// Pool sizing, applied to every node. Zero values fall back to the
	// cluster package defaults.
	DBMinConns              int `env:"DB_MIN_CONNS"`
	DBMaxConns              int `env:"DB_MAX_CONNS"`
	DBAcquireTimeoutSeconds int `env:"DB_ACQUIRE_TIMEOUT_SECONDS"`
	DBQueryTimeoutSeconds   int `env:"DB_QUERY_TIMEOUT_SECONDS"`
	// Routing and health
	DBReadSelection            string `env:"DB_READ_SELECTION" default:"round_robin"`
	HealthCheckIntervalSeconds int    `env:"DB_HEALTH_CHECK_INTERVAL_SECONDS"`
	MetricsIntervalSeconds     int    `env:"DB_METRICS_INTERVAL_SECONDS"`
	// Retry policy. Takes effect only when RETRY_MAX_ATTEMPTS is set;
	// otherwise the package default policy applies.
	RetryMaxAttempts     int    `env:"RETRY_MAX_ATTEMPTS"`
	RetryStrategy        string `env:"RETRY_STRATEGY" default:"exponential"`
	RetryBaseDelayMillis int    `env:"RETRY_BASE_DELAY_MILLIS" default:"100"`
	RetryMaxDelayMillis  int    `env:"RETRY_MAX_DELAY_MILLIS" default:"5000"`
	RetryJitter          bool   `env:"RETRY_JITTER"`
	// Circuit breaker. Takes effect only when CIRCUIT_FAILURE_THRESHOLD is set.
	CircuitFailureThreshold   int `env:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitSuccessThreshold   int `env:"CIRCUIT_SUCCESS_THRESHOLD" default:"2"`
	CircuitOpenTimeoutSeconds int `env:"CIRCUIT_OPEN_TIMEOUT_SECONDS" default:"30"`
	CircuitHalfOpenMaxProbes  int `env:"CIRCUIT_HALF_OPEN_MAX_PROBES" default:"1"`
	// Transaction defaults for the coordinator
	TransactionTimeoutSeconds   int `env:"TRANSACTION_TIMEOUT_SECONDS"`
	TransactionRetryAttempts    int `env:"TRANSACTION_RETRY_ATTEMPTS"`
	TransactionRetryDelayMillis int `env:"TRANSACTION_RETRY_DELAY_MILLIS"`
	// Audit trail persistence. When empty, audit events go to the
	// structured log instead of a database table.
	AuditDSN string `env:"AUDIT_DB_DSN"`
	// Telemetry configuration envs
	OtelServiceName         string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	OtelLibraryName         string `env:"OTEL_LIBRARY_NAME"`
	OtelServiceVersion      string `env:"OTEL_RESOURCE_SERVICE_VERSION"`
	OtelDeploymentEnv       string `env:"OTEL_RESOURCE_DEPLOYMENT_ENVIRONMENT"`
	OtelColExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry         bool   `env:"ENABLE_TELEMETRY"`
}

// InitApp initializes and configures the application's dependencies and returns the Service instance.
func InitApp() *Service {
	cfg := &Config{}
	if err := libCommons.SetConfigFromEnvVars(cfg); err != nil {
		panic(err)
	}

	logger := libZap.InitializeLogger()

	telemetry := libOtel.InitializeTelemetry(&libOtel.TelemetryConfig{
		LibraryName:               cfg.OtelLibraryName,
		ServiceName:               cfg.OtelServiceName,
		ServiceVersion:            cfg.OtelServiceVersion,
		DeploymentEnv:             cfg.OtelDeploymentEnv,
		CollectorExporterEndpoint: cfg.OtelColExporterEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})

	metrics := initClusterMetrics(cfg, telemetry, logger)
	trail, closeTrail := initAuditTrail(cfg, logger)

	manager, err := cluster.NewManager(cfg.clusterConfig(), logger, metrics, trail)
	if err != nil {
		panic(err)
	}

	coordinator := transaction.NewCoordinator(manager, logger, trail, cfg.transactionConfig())

	supervisor := &Supervisor{
		manager:      manager,
		coordinator:  coordinator,
		healthServer: NewHealthServer(cfg.ServerPort, manager, logger),
		logger:       logger,
	}

	return &Service{
		Supervisor: supervisor,
		Logger:     logger,
		telemetry:  telemetry,
		closeTrail: closeTrail,
	}
}

// clusterConfig assembles the typed cluster configuration from the raw envs.
// Validation happens inside cluster.NewManager, so this only translates.
func (cfg *Config) clusterConfig() cluster.Config {
	out := cluster.Config{
		Primary:             cfg.nodeConfig(cfg.DBPrimaryName, cfg.DBPrimaryDSN, cluster.RolePrimary),
		Selection:           cluster.SelectionStrategy(cfg.DBReadSelection),
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		MetricsInterval:     time.Duration(cfg.MetricsIntervalSeconds) * time.Second,
	}

	for i, dsn := range splitDSNs(cfg.DBReplicaDSNs) {
		out.Replicas = append(out.Replicas, cfg.nodeConfig(fmt.Sprintf("replica-%d", i+1), dsn, cluster.RoleReplica))
	}

	for i, dsn := range splitDSNs(cfg.DBBackupDSNs) {
		out.Backups = append(out.Backups, cfg.nodeConfig(fmt.Sprintf("backup-%d", i+1), dsn, cluster.RoleBackup))
	}

	if cfg.RetryMaxAttempts > 0 {
		out.Retry = backoff.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Strategy:    backoff.ParseStrategy(cfg.RetryStrategy),
			BaseDelay:   time.Duration(cfg.RetryBaseDelayMillis) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.RetryMaxDelayMillis) * time.Millisecond,
			Multiplier:  2,
			Jitter:      cfg.RetryJitter,
		}
	}

	if cfg.CircuitFailureThreshold > 0 {
		out.Breaker = circuit.Config{
			FailureThreshold:  cfg.CircuitFailureThreshold,
			SuccessThreshold:  cfg.CircuitSuccessThreshold,
			OpenTimeout:       time.Duration(cfg.CircuitOpenTimeoutSeconds) * time.Second,
			HalfOpenMaxProbes: cfg.CircuitHalfOpenMaxProbes,
		}
	}

	return out
}

// nodeConfig builds one node's connection parameters with the shared pool sizing.
func (cfg *Config) nodeConfig(name, dsn string, role cluster.Role) cluster.NodeConfig {
	return cluster.NodeConfig{
		Name:           name,
		DSN:            dsn,
		Role:           role,
		MinConns:       int32(cfg.DBMinConns),
		MaxConns:       int32(cfg.DBMaxConns),
		AcquireTimeout: time.Duration(cfg.DBAcquireTimeoutSeconds) * time.Second,
		QueryTimeout:   time.Duration(cfg.DBQueryTimeoutSeconds) * time.Second,
	}
}

// transactionConfig builds the coordinator's default transaction policy,
// overriding the package defaults only where an env was set.
func (cfg *Config) transactionConfig() transaction.Config {
	out := transaction.DefaultConfig()

	if cfg.TransactionTimeoutSeconds > 0 {
		out.Timeout = time.Duration(cfg.TransactionTimeoutSeconds) * time.Second
	}

	if cfg.TransactionRetryAttempts > 0 {
		out.RetryAttempts = cfg.TransactionRetryAttempts
	}

	if cfg.TransactionRetryDelayMillis > 0 {
		out.RetryDelay = time.Duration(cfg.TransactionRetryDelayMillis) * time.Millisecond
	}

	return out
}

// initClusterMetrics creates the cluster OTel metrics instruments.
// When telemetry is enabled, real instruments are registered on the telemetry
// MeterProvider so node snapshots are exported to the configured collector.
// When disabled, no-op instruments are returned with zero runtime overhead.
func initClusterMetrics(cfg *Config, telemetry *libOtel.Telemetry, logger log.Logger) *cluster.Metrics {
	if !cfg.EnableTelemetry {
		logger.Info("Cluster metrics: using noop instruments (telemetry disabled)")
		return cluster.NoopMetrics()
	}

	meter := telemetry.MetricProvider.Meter(cfg.OtelLibraryName)

	m, err := cluster.NewMetrics(meter)
	if err != nil {
		logger.Errorf("Failed to create cluster metrics, falling back to noop: %v", err)
		return cluster.NoopMetrics()
	}

	return m
}

// initAuditTrail selects the audit backend. With AUDIT_DB_DSN set, events
// persist to Postgres through a dedicated pool; otherwise they go to the
// structured log. The returned func releases the backing pool, if any.
func initAuditTrail(cfg *Config, logger log.Logger) (audit.Trail, func()) {
	if cfg.AuditDSN == "" {
		return audit.NewLogTrail(logger), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditSchemaTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.AuditDSN)
	if err != nil {
		logger.Errorf("Failed to open audit database, falling back to log trail: %v", err)
		return audit.NewLogTrail(logger), func() {}
	}

	store := audit.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Errorf("Failed to ensure audit schema, falling back to log trail: %v", err)
		pool.Close()

		return audit.NewLogTrail(logger), func() {}
	}

	logger.Info("Audit trail persisting to Postgres")

	return store, pool.Close
}

// splitDSNs parses a comma-separated DSN list, skipping empty entries.
func splitDSNs(raw string) []string {
	var out []string

	for _, dsn := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(dsn); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
