//go:build integration

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package integration

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	h "github.com/LerianStudio/lib-dbcluster/tests/utils"
	"github.com/LerianStudio/lib-dbcluster/tests/utils/containers"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	testInfra *containers.TestInfrastructure

	// Direct DSNs to the containers. Integration tests exercise the library
	// against real servers without fault injection; the chaos suite owns the
	// Toxiproxy-routed variants.
	primaryDSN string
	replicaDSN string
)

// schemaStatements is applied to both nodes before any test runs. The replica
// is an independent server, so tables must exist on both sides for read
// routing and for its role as a second two-phase commit participant.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id integer PRIMARY KEY,
		balance bigint NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS saga_inventory (
		item text PRIMARY KEY,
		stock integer NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS saga_orders (
		id serial PRIMARY KEY,
		item text NOT NULL,
		qty integer NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dist_ledger (
		id text NOT NULL,
		node text NOT NULL,
		amount bigint NOT NULL,
		PRIMARY KEY (id, node)
	)`,
	`CREATE TABLE IF NOT EXISTS restricted_people (
		id text PRIMARY KEY,
		name text NOT NULL,
		tax_id text NOT NULL DEFAULT ''
	)`,
}

func TestMain(m *testing.M) {
	env := h.LoadEnvironment()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Starting PostgreSQL cluster with testcontainers for integration tests...")

	var err error

	testInfra, err = containers.StartInfrastructureWithConfig(ctx, &containers.InfrastructureConfig{
		PostgresImage: env.PostgresImage,
		StartTimeout:  env.StartTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to start infrastructure: %v", err)
	}

	primaryDSN = testInfra.Primary.DSN
	replicaDSN = testInfra.Replica.DSN

	log.Println("Applying test schema to both nodes...")

	for _, dsn := range []string{primaryDSN, replicaDSN} {
		if err := bootstrapSchema(ctx, dsn); err != nil {
			_ = testInfra.Stop(ctx)
			log.Fatalf("Failed to bootstrap schema: %v", err)
		}
	}

	log.Println("Infrastructure started successfully")
	log.Println("Running integration tests...")

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

// bootstrapSchema applies the shared test tables over a short-lived pool.
func bootstrapSchema(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
