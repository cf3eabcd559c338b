// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
)

// Manager owns one primary node plus optional replica and backup nodes,
// routes writes and reads across them, and supervises node health in the
// background. Writes go to the primary and fall back to healthy backups;
// reads go to a selected healthy replica and fall back to the primary.
type Manager struct {
	config   Config
	logger   log.Logger
	metrics  *Metrics
	trail    audit.Trail
	primary  *Node
	replicas []*Node
	backups  []*Node
	selector *selector

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewManager validates the configuration, builds every node, and returns a
// manager ready to Start. No connections are opened here. A nil metrics
// parameter falls back to no-op instruments; a nil trail falls back to
// logging audit records through the supplied logger.
func NewManager(config Config, logger log.Logger, metrics *Metrics, trail audit.Trail) (*Manager, error) {
	config = config.normalized()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = NoopMetrics()
	}

	if trail == nil {
		trail = audit.NewLogTrail(logger)
	}

	replicas := make([]*Node, len(config.Replicas))
	for i, rc := range config.Replicas {
		replicas[i] = NewNode(rc, config.Retry, config.Breaker, logger)
	}

	backups := make([]*Node, len(config.Backups))
	for i, bc := range config.Backups {
		backups[i] = NewNode(bc, config.Retry, config.Breaker, logger)
	}

	return &Manager{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		trail:    trail,
		primary:  NewNode(config.Primary, config.Retry, config.Breaker, logger),
		replicas: replicas,
		backups:  backups,
		selector: newSelector(config.Selection),
		stopChan: make(chan struct{}),
	}, nil
}

// Start connects every node and spawns the health and metrics loops. The
// primary must come up or Start fails; replicas and backups are allowed to
// fail here and are left to the health loop to bring back.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return constant.ErrManagerAlreadyStarted
	}

	if err := m.primary.Init(ctx); err != nil {
		m.started.Store(false)
		return err
	}

	for _, node := range append(append([]*Node{}, m.replicas...), m.backups...) {
		if err := node.Init(ctx); err != nil {
			m.logger.Warnf("⚠️  %s node %s unavailable at startup: %v - the health loop will keep trying", node.Role(), node.Name(), err)
		}
	}

	m.wg.Add(2)
	go m.healthLoop()
	go m.metricsLoop()

	m.logger.Infof("🚀 Database cluster started: primary=%s replicas=%d backups=%d selection=%s",
		m.primary.Name(), len(m.replicas), len(m.backups), m.config.Selection)

	return nil
}

// ExecuteWrite routes the operation to the primary. When the primary fails
// after exhausting its retries, healthy backups are tried in configured
// order; the first success wins. When everything fails the primary's error
// is returned, since the primary is the authoritative write target.
// Every successful write emits an audit record naming the serving node.
func (m *Manager) ExecuteWrite(ctx context.Context, op OperationFunc) (any, error) {
	result, primaryErr := m.primary.ExecuteWithRetry(ctx, op)
	if primaryErr == nil {
		m.recordWriteAudit(ctx, m.primary, false)
		return result, nil
	}

	if Classify(primaryErr) == KindCanceled {
		return nil, primaryErr
	}

	m.logger.Warnf("Primary node %s failed a write after retries: %v - trying backup nodes", m.primary.Name(), primaryErr)

	for _, backup := range m.backups {
		if backup.State() != NodeHealthy {
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := backup.ExecuteWithRetry(ctx, op)
		if err == nil {
			m.logger.Warnf("Write served by backup node %s after primary failure", backup.Name())
			m.recordWriteAudit(ctx, backup, true)

			return result, nil
		}

		m.logger.Warnf("Backup node %s failed the write: %v", backup.Name(), err)
	}

	return nil, primaryErr
}

// ExecuteRead routes the operation to a healthy replica chosen by the
// configured selection strategy. When no replica is healthy, or the chosen
// replica fails, the read falls back to the primary. Replica reads may be
// stale; callers needing read-your-writes should use ExecuteWrite's node.
func (m *Manager) ExecuteRead(ctx context.Context, op OperationFunc) (any, error) {
	replica, err := m.selector.pick(m.healthyReplicas())
	if err == nil {
		result, readErr := replica.ExecuteWithRetry(ctx, op)
		if readErr == nil {
			return result, nil
		}

		if Classify(readErr) == KindCanceled {
			return nil, readErr
		}

		m.logger.Warnf("Replica node %s failed a read after retries: %v - falling back to primary", replica.Name(), readErr)
	} else {
		m.logger.Debugf("No healthy replica available - routing read to primary %s", m.primary.Name())
	}

	return m.primary.ExecuteWithRetry(ctx, op)
}

// Primary returns the primary node. Transaction coordinators bind their
// sessions to it directly since transactions must not hop nodes.
func (m *Manager) Primary() *Node {
	return m.primary
}

// Replicas returns the replica nodes in configured order.
func (m *Manager) Replicas() []*Node {
	return m.replicas
}

// Backups returns the backup nodes in configured order.
func (m *Manager) Backups() []*Node {
	return m.backups
}

// SetMaintenance parks the named node in maintenance (or releases it).
// A node in maintenance is skipped by probes and by read/write routing.
// Releasing puts the node into Recovering; the next successful probe
// promotes it back to Healthy.
func (m *Manager) SetMaintenance(nodeName string, enabled bool) error {
	node := m.findNode(nodeName)
	if node == nil {
		return UnknownNodeError{Node: nodeName}
	}

	if enabled {
		node.setState(NodeMaintenance)
	} else if node.State() == NodeMaintenance {
		node.setState(NodeRecovering)
	}

	return nil
}

// HealthStatus aggregates node states into a single cluster verdict:
// healthy when no node has failed, degraded while at least one healthy node
// remains, failed when none are healthy, and no_databases when the manager
// has no nodes at all.
func (m *Manager) HealthStatus() HealthStatus {
	nodes := m.allNodes()
	if len(nodes) == 0 {
		return HealthStatus{Status: constant.ClusterStatusNoDatabases}
	}

	status := HealthStatus{
		PrimaryAvailable: m.primary.State() == NodeHealthy,
	}

	healthy := 0
	failed := 0

	for _, node := range nodes {
		switch node.State() {
		case NodeHealthy:
			healthy++
		case NodeFailed:
			failed++
		}
	}

	for _, replica := range m.replicas {
		if replica.State() == NodeHealthy {
			status.ReplicasAvailable++
		}
	}

	for _, backup := range m.backups {
		if backup.State() == NodeHealthy {
			status.BackupsAvailable++
		}
	}

	switch {
	case failed == 0:
		status.Status = constant.ClusterStatusHealthy
	case healthy > 0:
		status.Status = constant.ClusterStatusDegraded
	default:
		status.Status = constant.ClusterStatusFailed
	}

	return status
}

// HealthStatus is the aggregate cluster health surface consumed by
// monitoring endpoints.
type HealthStatus struct {
	Status            string `json:"status"`
	PrimaryAvailable  bool   `json:"primaryAvailable"`
	ReplicasAvailable int    `json:"replicasAvailable"`
	BackupsAvailable  int    `json:"backupsAvailable"`
}

// ClusterMetrics bundles per-node snapshots with cluster-wide totals.
type ClusterMetrics struct {
	Nodes  []MetricsSnapshot `json:"nodes"`
	Totals AggregateMetrics  `json:"totals"`
}

// AggregateMetrics sums the counters of every node.
type AggregateMetrics struct {
	TotalConnections  int64   `json:"totalConnections"`
	ActiveConnections int64   `json:"activeConnections"`
	TotalQueries      int64   `json:"totalQueries"`
	FailedQueries     int64   `json:"failedQueries"`
	SuccessRate       float64 `json:"successRate"`
}

// AllMetrics snapshots every node and derives the aggregate totals.
func (m *Manager) AllMetrics() ClusterMetrics {
	nodes := m.allNodes()
	out := ClusterMetrics{Nodes: make([]MetricsSnapshot, 0, len(nodes))}

	for _, node := range nodes {
		snap := node.Metrics()
		out.Nodes = append(out.Nodes, snap)

		out.Totals.TotalConnections += snap.TotalConnections
		out.Totals.ActiveConnections += snap.ActiveConnections
		out.Totals.TotalQueries += snap.TotalQueries
		out.Totals.FailedQueries += snap.FailedQueries
	}

	out.Totals.SuccessRate = 1.0
	if out.Totals.TotalQueries > 0 {
		out.Totals.SuccessRate = 1.0 - float64(out.Totals.FailedQueries)/float64(out.Totals.TotalQueries)
	}

	return out
}

// Shutdown stops both background loops, waits for them, then closes every
// pool. When the context expires before the loops drain, pools are closed
// anyway and the context error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}

	close(m.stopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error

	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		m.logger.Warnf("⚠️  Timed out waiting for background loops to stop: %v", waitErr)
	}

	for _, node := range m.allNodes() {
		node.Close()
	}

	m.logger.Info("Database cluster shut down")

	return waitErr
}

// healthLoop probes every node on a fixed interval. The first pass runs
// after a short settle delay so freshly started nodes are not demoted
// while their pools warm up.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	m.logger.Infof("🏥 Health loop started - probing nodes every %v", m.config.HealthCheckInterval)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	select {
	case <-time.After(constant.HealthCheckInitialDelay):
		m.runHealthChecks()
	case <-m.stopChan:
		return
	}

	for {
		select {
		case <-ticker.C:
			m.runHealthChecks()
		case <-m.stopChan:
			m.logger.Info("🏥 Health loop stopped")
			return
		}
	}
}

// runHealthChecks probes each node once and walks its state along the
// ladder: Healthy drops to Degraded on a failed probe and Degraded to
// Failed on the next one; Failed rises to Recovering on a good probe and
// Recovering to Healthy on the one after. Nodes in maintenance are skipped.
func (m *Manager) runHealthChecks() {
	m.logger.Debug("🔍 Probing all cluster nodes...")

	ctx := context.Background()
	unhealthy := 0
	recovered := 0

	for _, node := range m.allNodes() {
		if node.State() == NodeMaintenance {
			continue
		}

		before := node.State()
		healthy := m.probeNode(ctx, node)
		m.advanceState(node, healthy)

		if !healthy {
			unhealthy++
		} else if before != NodeHealthy && node.State() == NodeHealthy {
			recovered++
		}
	}

	if unhealthy > 0 {
		m.logger.Infof("🏥 Health check complete: %d nodes unhealthy, %d recovered", unhealthy, recovered)
	} else {
		m.logger.Debug("✅ All cluster nodes healthy")
	}
}

// probeNode health-checks one node through its normal acquire path. A
// failed node gets one pool rebuild attempt per pass, since a node whose
// pool never opened cannot heal through probes alone.
func (m *Manager) probeNode(ctx context.Context, node *Node) bool {
	if node.HealthCheck(ctx) {
		return true
	}

	if node.State() != NodeFailed {
		return false
	}

	if err := node.Reconnect(ctx); err != nil {
		m.logger.Warnf("⚠️  Reconnect of node %s failed: %v - will retry in %v", node.Name(), err, m.config.HealthCheckInterval)
		return false
	}

	m.logger.Infof("🔌 Rebuilt connection pool for node %s", node.Name())

	return node.HealthCheck(ctx)
}

// advanceState moves a node one rung along the probe ladder. Only this
// loop moves nodes out of Failed or Degraded.
func (m *Manager) advanceState(node *Node, healthy bool) {
	state := node.State()

	if healthy {
		switch state {
		case NodeFailed:
			node.setState(NodeRecovering)
		case NodeRecovering, NodeDegraded:
			node.setState(NodeHealthy)
		}

		return
	}

	switch state {
	case NodeHealthy:
		node.setState(NodeDegraded)
	case NodeDegraded, NodeRecovering:
		node.setState(NodeFailed)
	}
}

// metricsLoop exports node snapshots to the OTel instruments on a fixed
// interval.
func (m *Manager) metricsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.exportMetrics()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) exportMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), constant.HealthCheckTimeout)
	defer cancel()

	snapshots := m.AllMetrics().Nodes
	m.metrics.Export(ctx, snapshots)

	m.logger.Debugf("📊 Exported metrics for %d nodes", len(snapshots))
}

// recordWriteAudit emits the audit record for a successful write. Audit
// failures are logged, never surfaced; the write already happened.
func (m *Manager) recordWriteAudit(ctx context.Context, node *Node, fallback bool) {
	event := audit.NewEvent(audit.ActionClusterWrite, "cluster")
	event.Node = node.Name()

	if fallback {
		event.Detail = map[string]any{"fallback": true, "role": string(node.Role())}
	}

	if err := m.trail.Record(ctx, event); err != nil {
		m.logger.Errorf("Failed to record write audit event for node %s: %v", node.Name(), err)
	}
}

func (m *Manager) healthyReplicas() []*Node {
	healthy := make([]*Node, 0, len(m.replicas))

	for _, replica := range m.replicas {
		if replica.State() == NodeHealthy {
			healthy = append(healthy, replica)
		}
	}

	return healthy
}

func (m *Manager) allNodes() []*Node {
	all := make([]*Node, 0, 1+len(m.replicas)+len(m.backups))
	if m.primary != nil {
		all = append(all, m.primary)
	}

	all = append(all, m.replicas...)
	all = append(all, m.backups...)

	return all
}

func (m *Manager) findNode(name string) *Node {
	for _, node := range m.allNodes() {
		if node.Name() == name {
			return node
		}
	}

	return nil
}
