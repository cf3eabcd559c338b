// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package utils

import (
	"os"
	"strconv"
	"time"
)

// Environment carries the knobs the container-backed suites read from the
// process environment.
type Environment struct {
	// PostgresImage overrides the server image. Empty means the suite default.
	PostgresImage string

	// StartTimeout bounds container startup, including image pulls.
	StartTimeout time.Duration

	// RunChaos gates the fault-injection suite. Chaos runs are opt-in because
	// they take minutes and assault the local Docker daemon.
	RunChaos bool
}

// LoadEnvironment reads suite configuration from environment variables.
func LoadEnvironment() Environment {
	timeoutStr := getenvDefault("CONTAINER_START_TIMEOUT_SECS", "120")

	secs, _ := strconv.Atoi(timeoutStr)
	if secs <= 0 {
		secs = 120
	}

	return Environment{
		PostgresImage: getenvDefault("POSTGRES_IMAGE", ""),
		StartTimeout:  time.Duration(secs) * time.Second,
		RunChaos:      getenvDefault("RUN_CHAOS", "false") == "true",
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
