// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package containers

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	PostgresUser     = "dbcluster"
	PostgresPassword = "dbcluster"
	PostgresDatabase = "dbcluster"

	// DefaultPostgresImage pins the server version shared by all suites.
	DefaultPostgresImage = "postgres:16-alpine"
)

// PostgresContainer wraps a PostgreSQL testcontainer with connection info.
type PostgresContainer struct {
	*postgres.PostgresContainer
	DSN   string
	Host  string
	Port  string
	Alias string
}

// StartPostgres creates and starts a PostgreSQL container joined to the given
// network under the given alias. Prepared transactions are enabled so
// two-phase commit can be exercised against the instance.
func StartPostgres(ctx context.Context, networkName, image, alias string) (*PostgresContainer, error) {
	if image == "" {
		image = DefaultPostgresImage
	}

	ctr, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase(PostgresDatabase),
		postgres.WithUsername(PostgresUser),
		postgres.WithPassword(PostgresPassword),
		postgres.BasicWaitStrategies(),
		testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Networks: []string{networkName},
				NetworkAliases: map[string][]string{
					networkName: {alias},
				},
				Cmd: []string{"-c", "max_prepared_transactions=50"},
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container %s: %w", alias, err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("get postgres host for %s: %w", alias, err)
	}

	mapped, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("get postgres mapped port for %s: %w", alias, err)
	}

	return &PostgresContainer{
		PostgresContainer: ctr,
		DSN:               BuildDSN(host, mapped.Port()),
		Host:              host,
		Port:              mapped.Port(),
		Alias:             alias,
	}, nil
}

// BuildDSN assembles a connection string for the shared test credentials
// against an arbitrary host and port, such as a Toxiproxy listener.
func BuildDSN(host, port string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		PostgresUser, PostgresPassword, host, port, PostgresDatabase)
}

// Restart stops and starts the PostgreSQL container. The host-mapped port may
// change across a restart, but the network alias stays stable, so connections
// routed through Toxiproxy keep working once the server is back.
func (p *PostgresContainer) Restart(ctx context.Context, delay time.Duration) error {
	if err := p.Stop(ctx, nil); err != nil {
		return fmt.Errorf("stop postgres %s: %w", p.Alias, err)
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start postgres %s: %w", p.Alias, err)
	}

	return nil
}
