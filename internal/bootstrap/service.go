// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package bootstrap

import (
	"github.com/LerianStudio/lib-commons/v2/commons"
	"github.com/LerianStudio/lib-commons/v2/commons/log"
	libOtel "github.com/LerianStudio/lib-commons/v2/commons/opentelemetry"
)

// Service is the application glue where we put all top level components to be used.
type Service struct {
	*Supervisor
	log.Logger
	telemetry  *libOtel.Telemetry
	closeTrail func()
}

// Run starts the application.
// This is the only necessary code to run an app in main.go
func (app *Service) Run() {
	commons.NewLauncher(
		commons.WithLogger(app.Logger),
		commons.RunApp("Database cluster supervisor", app.Supervisor),
	).Run()

	// Graceful shutdown
	app.Logger.Info("Starting graceful shutdown...")

	app.Supervisor.shutdown()

	if app.closeTrail != nil {
		app.closeTrail()
	}

	if app.telemetry != nil {
		app.telemetry.ShutdownTelemetry()
	}

	app.Logger.Info("Graceful shutdown complete")
}
