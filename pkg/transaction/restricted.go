// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/audit"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
)

// RestrictedOperation is one entry of a restricted transaction's internal
// operation log. The payload copy has already had sensitive fields
// stripped.
type RestrictedOperation struct {
	Kind    string         `json:"kind"`
	Table   string         `json:"table"`
	Payload map[string]any `json:"payload,omitempty"`
	Success bool           `json:"success"`
	At      time.Time      `json:"at"`
}

// RestrictedTxn is a local transaction over regulated subject data. The
// subject identifier is one-way hashed at construction and the raw value is
// never retained, so no log line or audit record can leak it. Payloads are
// stripped of the fixed sensitive-field set before the operation log
// records them, and every operation plus the final commit emits an audit
// event carrying the consent flag.
type RestrictedTxn struct {
	*LocalTxn
	subjectHash string
	consent     bool
	trail       audit.Trail
	operations  []RestrictedOperation
}

func newRestrictedTxn(node *cluster.Node, config Config, logger log.Logger, trail audit.Trail, subjectID string, consent bool) *RestrictedTxn {
	t := &RestrictedTxn{
		LocalTxn:    newLocalTxn(node, config, logger),
		subjectHash: HashSubject(subjectID),
		consent:     consent,
		trail:       trail,
	}
	t.kind = KindRestricted
	t.metrics.Kind = KindRestricted

	return t
}

// HashSubject one-way hashes a subject identifier for logging and audit.
// The truncated hex form is stable for correlation but not reversible.
func HashSubject(subjectID string) string {
	sum := sha256.Sum256([]byte(subjectID))

	return hex.EncodeToString(sum[:])[:constant.SubjectHashLength]
}

// SubjectHash returns the hashed subject identifier.
func (t *RestrictedTxn) SubjectHash() string {
	return t.subjectHash
}

// Consent reports whether explicit consent was recorded for the subject.
func (t *RestrictedTxn) Consent() bool {
	return t.consent
}

// Operations returns a copy of the internal operation log.
func (t *RestrictedTxn) Operations() []RestrictedOperation {
	out := make([]RestrictedOperation, len(t.operations))
	copy(out, t.operations)

	return out
}

// ExecuteRestricted runs one statement with the local retry machinery,
// records a sanitized entry in the operation log, and emits an audit event
// for the access. The statement runs whether or not consent was recorded;
// the consent flag travels with the audit record for the compliance layer
// to act on.
func (t *RestrictedTxn) ExecuteRestricted(ctx context.Context, kind, table string, payload map[string]any, query string, args ...any) (any, error) {
	result, err := t.Execute(ctx, query, args...)

	t.operations = append(t.operations, RestrictedOperation{
		Kind:    kind,
		Table:   table,
		Payload: sanitizePayload(payload),
		Success: err == nil,
		At:      time.Now(),
	})

	t.recordAudit(ctx, audit.ActionRestrictedAccess, table, map[string]any{
		"kind":    kind,
		"txnId":   t.id.String(),
		"consent": t.consent,
		"success": err == nil,
	})

	return result, err
}

// Commit commits the underlying transaction and emits the closing audit
// event with the operation count and consent flag.
func (t *RestrictedTxn) Commit(ctx context.Context) error {
	err := t.Txn.Commit(ctx)

	t.recordAudit(ctx, audit.ActionTxnCommit, "transaction", map[string]any{
		"txnId":      t.id.String(),
		"operations": len(t.operations),
		"consent":    t.consent,
		"success":    err == nil,
	})

	return err
}

// recordAudit emits one event to the trail. Failures are logged, never
// propagated: audit emission must not block or fail the data path.
func (t *RestrictedTxn) recordAudit(ctx context.Context, action, resource string, detail map[string]any) {
	event := audit.NewEvent(action, resource)
	event.Node = t.node.Name()
	event.Subject = t.subjectHash
	event.Detail = detail

	if err := t.trail.Record(context.WithoutCancel(ctx), event); err != nil {
		t.logger.Errorf("Failed to record audit event for transaction %s: %v", t.id, err)
	}
}

// sanitizePayload returns a copy of the payload with the fixed set of
// sensitive field names removed. Matching is case-insensitive; nested
// structures are kept as-is since the restricted field set names top-level
// columns.
func sanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}

	out := make(map[string]any, len(payload))

	for key, value := range payload {
		if isRestrictedField(key) {
			continue
		}

		out[key] = value
	}

	return out
}

func isRestrictedField(name string) bool {
	for _, field := range constant.RestrictedFields {
		if strings.EqualFold(name, field) {
			return true
		}
	}

	return false
}
