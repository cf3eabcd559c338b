// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the OTel instruments the metrics loop exports node snapshots
// through. All fields are guaranteed non-nil after construction via
// NewMetrics or NoopMetrics, so the export path never nil-checks.
type Metrics struct {
	// ActiveConnections tracks currently checked-out connections per node.
	ActiveConnections metric.Int64Gauge

	// PeakConnections tracks the high-water mark of checked-out connections.
	PeakConnections metric.Int64Gauge

	// TotalConnections tracks cumulative pool acquisitions per node.
	TotalConnections metric.Int64Gauge

	// TotalQueries tracks cumulative operations executed per node.
	TotalQueries metric.Int64Gauge

	// FailedQueries tracks cumulative failed operations per node.
	FailedQueries metric.Int64Gauge

	// AvgLatencyMs tracks the rolling average operation latency per node.
	AvgLatencyMs metric.Float64Gauge

	// SuccessRate tracks the lifetime operation success ratio per node.
	SuccessRate metric.Float64Gauge

	// NodeUp reports 1 for a healthy node and 0 otherwise.
	NodeUp metric.Int64Gauge
}

// NewMetrics creates a Metrics instance with real OTel instruments registered
// on the provided meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	activeConnections, err := meter.Int64Gauge(
		"db_cluster_active_connections",
		metric.WithDescription("Connections currently checked out per node"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_active_connections gauge: %w", err)
	}

	peakConnections, err := meter.Int64Gauge(
		"db_cluster_peak_connections",
		metric.WithDescription("High-water mark of checked-out connections per node"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_peak_connections gauge: %w", err)
	}

	totalConnections, err := meter.Int64Gauge(
		"db_cluster_connections_total",
		metric.WithDescription("Cumulative pool acquisitions per node"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_connections_total gauge: %w", err)
	}

	totalQueries, err := meter.Int64Gauge(
		"db_cluster_queries_total",
		metric.WithDescription("Cumulative operations executed per node"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_queries_total gauge: %w", err)
	}

	failedQueries, err := meter.Int64Gauge(
		"db_cluster_queries_failed_total",
		metric.WithDescription("Cumulative failed operations per node"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_queries_failed_total gauge: %w", err)
	}

	avgLatencyMs, err := meter.Float64Gauge(
		"db_cluster_avg_latency",
		metric.WithDescription("Rolling average operation latency per node"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_avg_latency gauge: %w", err)
	}

	successRate, err := meter.Float64Gauge(
		"db_cluster_success_rate",
		metric.WithDescription("Lifetime operation success ratio per node"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_success_rate gauge: %w", err)
	}

	nodeUp, err := meter.Int64Gauge(
		"db_cluster_node_up",
		metric.WithDescription("1 when the node is healthy, 0 otherwise"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_cluster_node_up gauge: %w", err)
	}

	return &Metrics{
		ActiveConnections: activeConnections,
		PeakConnections:   peakConnections,
		TotalConnections:  totalConnections,
		TotalQueries:      totalQueries,
		FailedQueries:     failedQueries,
		AvgLatencyMs:      avgLatencyMs,
		SuccessRate:       successRate,
		NodeUp:            nodeUp,
	}, nil
}

// NoopMetrics returns a Metrics instance backed by no-op OTel instruments.
// Use this when no metrics collector is wired up. All returned instruments
// are safe to call without nil checks and incur zero overhead.
func NoopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter("noop")

	// noop meter never returns errors, so we can safely ignore them.
	activeConnections, _ := meter.Int64Gauge("db_cluster_active_connections")
	peakConnections, _ := meter.Int64Gauge("db_cluster_peak_connections")
	totalConnections, _ := meter.Int64Gauge("db_cluster_connections_total")
	totalQueries, _ := meter.Int64Gauge("db_cluster_queries_total")
	failedQueries, _ := meter.Int64Gauge("db_cluster_queries_failed_total")
	avgLatencyMs, _ := meter.Float64Gauge("db_cluster_avg_latency")
	successRate, _ := meter.Float64Gauge("db_cluster_success_rate")
	nodeUp, _ := meter.Int64Gauge("db_cluster_node_up")

	return &Metrics{
		ActiveConnections: activeConnections,
		PeakConnections:   peakConnections,
		TotalConnections:  totalConnections,
		TotalQueries:      totalQueries,
		FailedQueries:     failedQueries,
		AvgLatencyMs:      avgLatencyMs,
		SuccessRate:       successRate,
		NodeUp:            nodeUp,
	}
}

// Export records one snapshot per node on every instrument.
func (m *Metrics) Export(ctx context.Context, snapshots []MetricsSnapshot) {
	for _, snap := range snapshots {
		attrs := metric.WithAttributes(
			attribute.String("node", snap.Node),
			attribute.String("role", string(snap.Role)),
			attribute.String("state", snap.State),
		)

		m.ActiveConnections.Record(ctx, snap.ActiveConnections, attrs)
		m.PeakConnections.Record(ctx, snap.PeakConnections, attrs)
		m.TotalConnections.Record(ctx, snap.TotalConnections, attrs)
		m.TotalQueries.Record(ctx, snap.TotalQueries, attrs)
		m.FailedQueries.Record(ctx, snap.FailedQueries, attrs)
		m.AvgLatencyMs.Record(ctx, float64(snap.AvgLatency.Microseconds())/1000.0, attrs)
		m.SuccessRate.Record(ctx, snap.SuccessRate, attrs)

		up := int64(0)
		if snap.State == NodeHealthy.String() {
			up = 1
		}

		m.NodeUp.Record(ctx, up, attrs)
	}
}
