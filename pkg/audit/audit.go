// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

// Package audit records who touched what through the cluster: failover
// writes, transaction lifecycle events, and restricted-data access. Records
// flow through a Trail, which may log them, persist them, or drop them.
package audit

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/google/uuid"
)

// Actions recorded by the library itself. Callers may record their own.
const (
	ActionClusterWrite     = "cluster.write"
	ActionTxnBegin         = "transaction.begin"
	ActionTxnCommit        = "transaction.commit"
	ActionTxnAbort         = "transaction.abort"
	ActionRestrictedAccess = "restricted.access"
	ActionDeadlockDetected = "deadlock.detected"
)

// Event is one audit record. Subject carries an opaque identifier of whose
// data was touched; for restricted-data transactions it is already hashed
// before it reaches the trail.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Node      string         `json:"node,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(action, resource string) Event {
	return Event{
		ID:        uuid.New(),
		Action:    action,
		Resource:  resource,
		CreatedAt: time.Now().UTC(),
	}
}

// Trail receives audit events. Implementations must be safe for concurrent
// use; Record is called from request paths and must not block on slow sinks
// longer than the caller's context allows.
type Trail interface {
	Record(ctx context.Context, event Event) error
}

// LogTrail writes audit events to the application logger. It is the default
// trail when no persistent store is wired up.
type LogTrail struct {
	logger log.Logger
}

// NewLogTrail creates a trail that logs every event.
func NewLogTrail(logger log.Logger) *LogTrail {
	return &LogTrail{logger: logger}
}

// Record logs the event. It never fails.
func (t *LogTrail) Record(_ context.Context, event Event) error {
	t.logger.Infof("Audit event %s: action=%s resource=%s node=%s subject=%s",
		event.ID, event.Action, event.Resource, event.Node, event.Subject)

	return nil
}

// NopTrail drops every event.
type NopTrail struct{}

// Record discards the event.
func (NopTrail) Record(_ context.Context, _ Event) error {
	return nil
}
