// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role identifies what traffic a node is eligible for.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleBackup  Role = "backup"
)

// NodeState is the health lifecycle position of one node.
type NodeState int32

const (
	NodeHealthy NodeState = iota
	NodeDegraded
	NodeFailed
	NodeRecovering
	NodeMaintenance
)

// String returns the canonical lowercase name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeHealthy:
		return "healthy"
	case NodeDegraded:
		return "degraded"
	case NodeFailed:
		return "failed"
	case NodeRecovering:
		return "recovering"
	case NodeMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// SelectionStrategy picks which healthy replica serves a read.
type SelectionStrategy string

const (
	SelectRoundRobin       SelectionStrategy = "round_robin"
	SelectLeastConnections SelectionStrategy = "least_connections"
	SelectFastestResponse  SelectionStrategy = "fastest_response"
	SelectFirstAvailable   SelectionStrategy = "first_available"
)

// NodeConfig carries the static connection parameters for one node.
// Values are plain data supplied at startup; zero fields are filled from the
// package defaults before validation.
type NodeConfig struct {
	Name            string        `validate:"required"`
	DSN             string        `validate:"required"`
	Role            Role          `validate:"required,oneof=primary replica backup"`
	MinConns        int32         `validate:"gte=0"`
	MaxConns        int32         `validate:"gte=1,gtefield=MinConns"`
	MaxConnLifetime time.Duration `validate:"gte=0"`
	MaxConnIdleTime time.Duration `validate:"gte=0"`
	AcquireTimeout  time.Duration `validate:"gt=0"`
	QueryTimeout    time.Duration `validate:"gt=0"`
	CommandTimeout  time.Duration `validate:"gt=0"`
}

// normalized returns a copy with zero-valued knobs replaced by defaults.
func (c NodeConfig) normalized() NodeConfig {
	if c.MinConns == 0 {
		c.MinConns = constant.PoolMinConns
	}

	if c.MaxConns == 0 {
		c.MaxConns = constant.PoolMaxConns
	}

	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = constant.PoolMaxConnLifetime
	}

	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = constant.PoolMaxConnIdleTime
	}

	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = constant.PoolAcquireTimeout
	}

	if c.QueryTimeout == 0 {
		c.QueryTimeout = constant.QueryTimeoutDefault
	}

	if c.CommandTimeout == 0 {
		c.CommandTimeout = constant.CommandTimeoutSlow
	}

	return c
}

// poolConfig translates the node parameters into a pgxpool configuration.
func (c NodeConfig) poolConfig() (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN for node %s: %w", c.Name, err)
	}

	poolCfg.MinConns = c.MinConns
	poolCfg.MaxConns = c.MaxConns
	poolCfg.MaxConnLifetime = c.MaxConnLifetime
	poolCfg.MaxConnIdleTime = c.MaxConnIdleTime

	return poolCfg, nil
}

// Config is the whole-cluster configuration, supplied once at startup by an
// external configuration layer. This package performs no env or file parsing.
type Config struct {
	Primary             NodeConfig        `validate:"required"`
	Replicas            []NodeConfig      `validate:"dive"`
	Backups             []NodeConfig      `validate:"dive"`
	Selection           SelectionStrategy `validate:"oneof=round_robin least_connections fastest_response first_available"`
	HealthCheckInterval time.Duration     `validate:"gt=0"`
	MetricsInterval     time.Duration     `validate:"gt=0"`
	Retry               backoff.Policy    `validate:"required"`
	Breaker             circuit.Config    `validate:"required"`
}

// normalized returns a copy with zero-valued knobs replaced by defaults,
// applied recursively to every node.
func (c Config) normalized() Config {
	c.Primary = c.Primary.normalized()

	replicas := make([]NodeConfig, len(c.Replicas))
	for i, r := range c.Replicas {
		replicas[i] = r.normalized()
	}

	c.Replicas = replicas

	backups := make([]NodeConfig, len(c.Backups))
	for i, b := range c.Backups {
		backups[i] = b.normalized()
	}

	c.Backups = backups

	if c.Selection == "" {
		c.Selection = SelectRoundRobin
	}

	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = constant.HealthCheckInterval
	}

	if c.MetricsInterval == 0 {
		c.MetricsInterval = constant.MetricsExportInterval
	}

	if c.Retry == (backoff.Policy{}) {
		c.Retry = backoff.DefaultPolicy()
	}

	if c.Breaker == (circuit.Config{}) {
		c.Breaker = circuit.DefaultConfig()
	}

	return c
}

var validate = validator.New()

// Validate checks the whole configuration in one pass and reports every
// problem found, aggregated into a single InvalidConfigError.
func (c Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}

		for _, fe := range fieldErrs {
			problems = append(problems, fmt.Sprintf("%s failed '%s' validation", fe.Namespace(), fe.Tag()))
		}
	}

	problems = append(problems, c.roleProblems()...)
	problems = append(problems, c.nameProblems()...)

	if len(problems) > 0 {
		return InvalidConfigError{
			Code:    constant.ErrInvalidClusterConfig.Error(),
			Message: strings.Join(problems, "; "),
		}
	}

	return nil
}

// roleProblems checks that every node sits in the slice matching its role.
func (c Config) roleProblems() []string {
	var problems []string

	if c.Primary.Role != RolePrimary {
		problems = append(problems, fmt.Sprintf("primary node %s declares role %q", c.Primary.Name, c.Primary.Role))
	}

	for _, r := range c.Replicas {
		if r.Role != RoleReplica {
			problems = append(problems, fmt.Sprintf("replica node %s declares role %q", r.Name, r.Role))
		}
	}

	for _, b := range c.Backups {
		if b.Role != RoleBackup {
			problems = append(problems, fmt.Sprintf("backup node %s declares role %q", b.Name, b.Role))
		}
	}

	return problems
}

// nameProblems checks that node names are unique across the cluster.
func (c Config) nameProblems() []string {
	seen := make(map[string]bool, 1+len(c.Replicas)+len(c.Backups))

	var problems []string

	for _, n := range c.allNodeConfigs() {
		if seen[n.Name] {
			problems = append(problems, fmt.Sprintf("duplicate node name %q", n.Name))
		}

		seen[n.Name] = true
	}

	return problems
}

func (c Config) allNodeConfigs() []NodeConfig {
	all := make([]NodeConfig, 0, 1+len(c.Replicas)+len(c.Backups))
	all = append(all, c.Primary)
	all = append(all, c.Replicas...)
	all = append(all, c.Backups...)

	return all
}
