//go:build chaos

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package chaos

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	h "github.com/LerianStudio/lib-dbcluster/tests/utils"
	chaosutil "github.com/LerianStudio/lib-dbcluster/tests/utils/chaos"
	"github.com/LerianStudio/lib-dbcluster/tests/utils/containers"

	toxiproxy "github.com/Shopify/toxiproxy/v2/client"
	"github.com/stretchr/testify/require"
)

var (
	testInfra *containers.TestInfrastructure

	// DSNs routed through Toxiproxy so tests can inject faults per node.
	primaryDSN string
	replicaDSN string
)

func TestMain(m *testing.M) {
	env := h.LoadEnvironment()
	if !env.RunChaos {
		// Tests skip themselves individually; no point paying for containers.
		log.Println("RUN_CHAOS not set, skipping chaos infrastructure startup")
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Starting PostgreSQL cluster with testcontainers for chaos tests...")

	var err error

	testInfra, err = containers.StartInfrastructureWithConfig(ctx, &containers.InfrastructureConfig{
		PostgresImage: env.PostgresImage,
		StartTimeout:  env.StartTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to start infrastructure: %v", err)
	}

	log.Println("Starting Toxiproxy in front of both nodes...")

	if err := testInfra.StartToxiproxy(ctx); err != nil {
		_ = testInfra.Stop(ctx)
		log.Fatalf("Failed to start toxiproxy: %v", err)
	}

	primaryDSN, err = testInfra.ProxiedDSN(ctx, chaosutil.ProxyNamePrimary)
	if err != nil {
		_ = testInfra.Stop(ctx)
		log.Fatalf("Failed to resolve proxied primary DSN: %v", err)
	}

	replicaDSN, err = testInfra.ProxiedDSN(ctx, chaosutil.ProxyNameReplica)
	if err != nil {
		_ = testInfra.Stop(ctx)
		log.Fatalf("Failed to resolve proxied replica DSN: %v", err)
	}

	log.Println("Infrastructure started successfully")
	log.Println("Running chaos tests...")

	code := m.Run()

	log.Println("Cleaning up...")

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cleanupCancel()

	if testInfra != nil {
		_ = testInfra.Stop(cleanupCtx)
	}

	log.Println("Cleanup complete")
	os.Exit(code)
}

// requireChaos gates every chaos test behind the RUN_CHAOS opt-in.
func requireChaos(t *testing.T) {
	t.Helper()

	if !h.LoadEnvironment().RunChaos {
		t.Skip("Set RUN_CHAOS=true to run chaos tests")
	}

	if testing.Short() {
		t.Skip("Skipping chaos test in short mode")
	}
}

// proxyFor returns the Toxiproxy handle for the named node.
func proxyFor(t *testing.T, name string) *toxiproxy.Proxy {
	t.Helper()

	p, ok := testInfra.Toxiproxy.GetProxy(name)
	require.True(t, ok, "proxy %s not registered", name)

	return p
}

// restoreProxy re-enables the proxy and strips all toxics, so a failed test
// cannot leak faults into the next one.
func restoreProxy(t *testing.T, name string) {
	t.Helper()

	p, ok := testInfra.Toxiproxy.GetProxy(name)
	if !ok {
		return
	}

	if err := chaosutil.EnableProxy(p); err != nil {
		t.Logf("re-enable proxy %s: %v", name, err)
	}

	if err := chaosutil.RemoveAllToxics(p); err != nil {
		t.Logf("remove toxics from %s: %v", name, err)
	}
}
