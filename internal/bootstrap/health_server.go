// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package bootstrap

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
)

const (
	// healthServerReadTimeout is the maximum duration for reading the entire request.
	healthServerReadTimeout = 5 * time.Second

	// healthServerWriteTimeout is the maximum duration before timing out writes of the response.
	healthServerWriteTimeout = 5 * time.Second

	// healthServerIdleTimeout is the maximum duration an idle connection will remain open.
	healthServerIdleTimeout = 30 * time.Second

	// healthServerShutdownTimeout is the maximum duration to wait for the server to shutdown gracefully.
	healthServerShutdownTimeout = 5 * time.Second
)

// HealthServer provides HTTP liveness and readiness endpoints for the cluster.
// It runs as a lightweight goroutine alongside the manager's health loops.
type HealthServer struct {
	server  *http.Server
	manager *cluster.Manager
	logger  log.Logger
}

// NewHealthServer creates a new HealthServer bound to the given port.
// The manager is used by the /ready endpoint to report cluster availability.
func NewHealthServer(port string, manager *cluster.Manager, logger log.Logger) *HealthServer {
	hs := &HealthServer{
		manager: manager,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/ready", hs.handleReady)

	hs.server = &http.Server{
		Addr:         net.JoinHostPort("", port),
		Handler:      mux,
		ReadTimeout:  healthServerReadTimeout,
		WriteTimeout: healthServerWriteTimeout,
		IdleTimeout:  healthServerIdleTimeout,
	}

	return hs
}

// Start begins listening for health check requests in a background goroutine.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Infof("Health server listening on %s", hs.server.Addr)

		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Errorf("Health server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), healthServerShutdownTimeout)
	defer cancel()

	if err := hs.server.Shutdown(ctx); err != nil {
		hs.logger.Errorf("Health server shutdown error: %v", err)
	}
}

// handleHealth is the liveness probe handler.
// Returns 200 OK if the process is alive. No dependency checks.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := map[string]string{"status": "alive"}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hs.logger.Errorf("Failed to encode health response: %v", err)
	}
}

// handleReady is the readiness probe handler.
// Returns 200 OK while the primary can serve writes, even when replicas are
// degraded, since reads fall back to the primary. Returns 503 otherwise.
func (hs *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	clusterStatus := hs.manager.HealthStatus()

	status := "ready"
	code := http.StatusOK

	if !clusterStatus.PrimaryAvailable {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)

	resp := map[string]any{
		"status": status,
		"dependencies": map[string]any{
			"cluster": clusterStatus,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hs.logger.Errorf("Failed to encode readiness response: %v", err)
	}
}
