// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"sync"
	"time"
)

// ConnectionMetrics tracks the operational counters of one node. Every
// mutation goes through the single mutex, so concurrent executions never
// produce torn or lost counter updates.
type ConnectionMetrics struct {
	mu sync.Mutex

	totalConnections    int64
	activeConnections   int64
	peakConnections     int64
	totalQueries        int64
	failedQueries       int64
	consecutiveFailures int64
	latencySamples      int64
	avgLatency          time.Duration
	lastHealthCheck     time.Time
}

// MetricsSnapshot is a point-in-time copy of one node's counters, safe to
// hand to exporters and health endpoints without further locking.
type MetricsSnapshot struct {
	Node                string        `json:"node"`
	Role                Role          `json:"role"`
	State               string        `json:"state"`
	BreakerState        string        `json:"breakerState"`
	TotalConnections    int64         `json:"totalConnections"`
	ActiveConnections   int64         `json:"activeConnections"`
	PeakConnections     int64         `json:"peakConnections"`
	TotalQueries        int64         `json:"totalQueries"`
	FailedQueries       int64         `json:"failedQueries"`
	ConsecutiveFailures int64         `json:"consecutiveFailures"`
	AvgLatency          time.Duration `json:"avgLatency"`
	SuccessRate         float64       `json:"successRate"`
	LastHealthCheck     time.Time     `json:"lastHealthCheck"`
}

// connectionAcquired records a successful pool acquisition.
func (m *ConnectionMetrics) connectionAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalConnections++
	m.activeConnections++

	if m.activeConnections > m.peakConnections {
		m.peakConnections = m.activeConnections
	}
}

// connectionReleased records a connection going back to the pool.
func (m *ConnectionMetrics) connectionReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeConnections > 0 {
		m.activeConnections--
	}
}

// querySucceeded records one successful query and folds its latency into the
// cumulative moving average.
func (m *ConnectionMetrics) querySucceeded(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.consecutiveFailures = 0

	m.latencySamples++
	m.avgLatency += (latency - m.avgLatency) / time.Duration(m.latencySamples)
}

// queryFailed records one failed query.
func (m *ConnectionMetrics) queryFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.failedQueries++
	m.consecutiveFailures++
}

// healthCheckPassed stamps the time of the last successful probe.
func (m *ConnectionMetrics) healthCheckPassed(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHealthCheck = at
}

// activeCount returns the current number of checked-out connections.
func (m *ConnectionMetrics) activeCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeConnections
}

// averageLatency returns the rolling average query latency.
func (m *ConnectionMetrics) averageLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.avgLatency
}

// snapshot copies the counters. Identity fields (node, role, states) are
// filled in by the owning node.
func (m *ConnectionMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	successRate := 1.0
	if m.totalQueries > 0 {
		successRate = float64(m.totalQueries-m.failedQueries) / float64(m.totalQueries)
	}

	return MetricsSnapshot{
		TotalConnections:    m.totalConnections,
		ActiveConnections:   m.activeConnections,
		PeakConnections:     m.peakConnections,
		TotalQueries:        m.totalQueries,
		FailedQueries:       m.failedQueries,
		ConsecutiveFailures: m.consecutiveFailures,
		AvgLatency:          m.avgLatency,
		SuccessRate:         successRate,
		LastHealthCheck:     m.lastHealthCheck,
	}
}
