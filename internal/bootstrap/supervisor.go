// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/transaction"

	"github.com/LerianStudio/lib-commons/v2/commons"
	"github.com/LerianStudio/lib-commons/v2/commons/log"
)

const (
	// startupTimeout bounds the initial pool connections at boot.
	startupTimeout = 30 * time.Second

	// shutdownTimeout bounds how long draining the cluster pools may take.
	shutdownTimeout = 10 * time.Second
)

// Supervisor runs the database cluster as a long-lived process: it starts the
// manager's health and metrics loops, the coordinator's deadlock detector and
// the health HTTP server, then blocks until an interrupt arrives.
type Supervisor struct {
	manager      *cluster.Manager
	coordinator  *transaction.Coordinator
	healthServer *HealthServer
	logger       log.Logger
}

// Run starts all components and blocks until SIGINT or SIGTERM.
func (s *Supervisor) Run(_ *commons.Launcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := s.manager.Start(ctx); err != nil {
		return err
	}

	s.coordinator.Start()
	s.healthServer.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	s.logger.Info("Interrupt received, stopping cluster supervisor")

	return nil
}

// shutdown stops the components in reverse start order: probes first so
// orchestrators stop routing, then the deadlock detector, then the pools.
func (s *Supervisor) shutdown() {
	s.healthServer.Shutdown()
	s.coordinator.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Errorf("Cluster shutdown error: %v", err)
	}
}
