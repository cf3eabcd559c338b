// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package containers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-dbcluster/tests/utils/chaos"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

// Listener ports the Toxiproxy container uses for each database proxy.
const (
	proxyListenPrimary = "15432"
	proxyListenReplica = "25432"
)

// TestInfrastructure holds the database containers and provides connection
// information. The replica is an independent instance rather than a streaming
// standby: routing, failover and two-phase commit do not depend on WAL
// shipping, and an independent instance doubles as a second 2PC participant.
type TestInfrastructure struct {
	Primary   *PostgresContainer
	Replica   *PostgresContainer
	Toxiproxy *chaos.ToxiproxyInfrastructure

	network     *testcontainers.DockerNetwork
	networkName string
	mu          sync.Mutex
}

const defaultStartTimeoutSeconds = 120

// InfrastructureConfig holds configuration for container startup.
type InfrastructureConfig struct {
	PostgresImage string
	StartTimeout  time.Duration
}

// DefaultConfig returns default configuration for test infrastructure.
func DefaultConfig() *InfrastructureConfig {
	return &InfrastructureConfig{
		PostgresImage: DefaultPostgresImage,
		StartTimeout:  defaultStartTimeoutSeconds * time.Second,
	}
}

// StartInfrastructure starts the primary and replica containers for testing.
// Containers are started in parallel for faster startup.
func StartInfrastructure(ctx context.Context) (*TestInfrastructure, error) {
	return StartInfrastructureWithConfig(ctx, DefaultConfig())
}

// StartInfrastructureWithConfig starts all containers with custom configuration.
func StartInfrastructureWithConfig(ctx context.Context, cfg *InfrastructureConfig) (*TestInfrastructure, error) {
	// Create network for container communication
	net, err := network.New(ctx,
		network.WithDriver("bridge"),
	)
	if err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}

	infra := &TestInfrastructure{
		network:     net,
		networkName: net.Name,
	}

	var wg sync.WaitGroup

	errCh := make(chan error, 2)

	wg.Add(1)

	go func() {
		defer wg.Done()

		primary, err := StartPostgres(ctx, infra.networkName, cfg.PostgresImage, chaos.ProxyNamePrimary)
		if err != nil {
			errCh <- fmt.Errorf("primary: %w", err)
			return
		}

		infra.mu.Lock()
		infra.Primary = primary
		infra.mu.Unlock()
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		replica, err := StartPostgres(ctx, infra.networkName, cfg.PostgresImage, chaos.ProxyNameReplica)
		if err != nil {
			errCh <- fmt.Errorf("replica: %w", err)
			return
		}

		infra.mu.Lock()
		infra.Replica = replica
		infra.mu.Unlock()
	}()

	wg.Wait()
	close(errCh)

	errs := make([]error, 0, 2)
	for err := range errCh {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		_ = infra.Stop(ctx)
		return nil, fmt.Errorf("failed to start containers: %v", errs)
	}

	return infra, nil
}

// Stop terminates all containers and cleans up resources.
func (i *TestInfrastructure) Stop(ctx context.Context) error {
	var errs []error

	// Terminate Toxiproxy first (it depends on the database containers)
	if i.Toxiproxy != nil {
		if err := i.Toxiproxy.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("toxiproxy terminate: %w", err))
		}
	}

	if i.Primary != nil {
		if err := i.Primary.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("primary terminate: %w", err))
		}
	}

	if i.Replica != nil {
		if err := i.Replica.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("replica terminate: %w", err))
		}
	}

	if i.network != nil {
		if err := i.network.Remove(ctx); err != nil {
			errs = append(errs, fmt.Errorf("network remove: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}

	return nil
}

// StartToxiproxy starts a Toxiproxy container on the test network and creates
// one proxy per database node. Tests connect through the proxy endpoints
// instead of directly to the containers when injecting faults.
func (i *TestInfrastructure) StartToxiproxy(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	toxi, err := chaos.StartToxiproxy(ctx, i.networkName,
		proxyListenPrimary+"/tcp",
		proxyListenReplica+"/tcp",
	)
	if err != nil {
		return fmt.Errorf("start toxiproxy: %w", err)
	}

	i.Toxiproxy = toxi

	if i.Primary != nil {
		_, err := toxi.CreateProxy(chaos.ProxyConfig{
			Name:     chaos.ProxyNamePrimary,
			Listen:   "0.0.0.0:" + proxyListenPrimary,
			Upstream: chaos.ProxyNamePrimary + ":5432",
		})
		if err != nil {
			return fmt.Errorf("create primary proxy: %w", err)
		}
	}

	if i.Replica != nil {
		_, err := toxi.CreateProxy(chaos.ProxyConfig{
			Name:     chaos.ProxyNameReplica,
			Listen:   "0.0.0.0:" + proxyListenReplica,
			Upstream: chaos.ProxyNameReplica + ":5432",
		})
		if err != nil {
			return fmt.Errorf("create replica proxy: %w", err)
		}
	}

	return nil
}

// ProxiedDSN returns a connection string that reaches the named node through
// Toxiproxy, so toxics applied to the proxy affect the connection.
func (i *TestInfrastructure) ProxiedDSN(ctx context.Context, proxyName string) (string, error) {
	if i.Toxiproxy == nil {
		return "", fmt.Errorf("toxiproxy not started")
	}

	if _, ok := i.Toxiproxy.Proxies[proxyName]; !ok {
		return "", fmt.Errorf("no proxy named %s", proxyName)
	}

	var listenPort string

	switch proxyName {
	case chaos.ProxyNamePrimary:
		listenPort = proxyListenPrimary
	case chaos.ProxyNameReplica:
		listenPort = proxyListenReplica
	default:
		return "", fmt.Errorf("no listener port mapped for proxy %s", proxyName)
	}

	mapped, err := i.Toxiproxy.Container.MappedPort(ctx, nat.Port(listenPort+"/tcp"))
	if err != nil {
		return "", fmt.Errorf("get mapped port for %s: %w", proxyName, err)
	}

	return BuildDSN(i.Toxiproxy.Host, mapped.Port()), nil
}
