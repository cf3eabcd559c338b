// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-dbcluster/pkg/backoff"
	"github.com/LerianStudio/lib-dbcluster/pkg/cluster"
	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
	"github.com/jackc/pgx/v5"
)

// LocalTxn is a single-node transaction with conflict-aware retry: deadlock
// and serialization failures retry up to the configured attempt count,
// every other error propagates immediately.
type LocalTxn struct {
	*Txn
}

func newLocalTxn(node *cluster.Node, config Config, logger log.Logger) *LocalTxn {
	return &LocalTxn{Txn: newTxn(KindLocal, node, config, logger)}
}

// Execute runs one statement inside the transaction. SELECT and WITH
// statements return []map[string]any rows; everything else returns the
// command tag. Deadlock and serialization conflicts retry with the
// configured delay, bumping the retry and deadlock counters; other errors
// propagate immediately without retry.
func (t *LocalTxn) Execute(ctx context.Context, query string, args ...any) (any, error) {
	if t.State() != StateActive || t.tx == nil {
		return nil, InvalidStateError{
			TxnID: t.id.String(),
			Op:    "execute",
			State: t.State(),
			Code:  constant.ErrInvalidTransactionState.Error(),
		}
	}

	for attempt := 0; ; attempt++ {
		result, err := t.executeOnce(ctx, query, args...)
		if err == nil {
			return result, nil
		}

		kind := cluster.Classify(err)
		if kind == cluster.KindDeadlock {
			t.metrics.DeadlockCount++
		}

		if !kind.RetryableInTransaction() || attempt >= t.config.RetryAttempts-1 {
			return nil, err
		}

		t.metrics.RetryCount++
		t.logger.Warnf("Transaction %s retrying after %s conflict (attempt %d/%d)",
			t.id, kind, attempt+2, t.config.RetryAttempts)

		if serr := backoff.Sleep(ctx, t.config.RetryDelay); serr != nil {
			return nil, serr
		}
	}
}

// executeOnce runs the statement under a savepoint so a conflict rolls back
// the statement alone, not the whole transaction. Without it the first
// deadlock would poison the transaction and every retry would fail with
// in_failed_sql_transaction.
func (t *LocalTxn) executeOnce(ctx context.Context, query string, args ...any) (any, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, cluster.WrapPGError(t.node.Name(), err)
	}

	result, err := runStatement(ctx, nested, query, args...)
	if err != nil {
		_ = nested.Rollback(ctx)
		return nil, cluster.WrapPGError(t.node.Name(), err)
	}

	if err := nested.Commit(ctx); err != nil {
		return nil, cluster.WrapPGError(t.node.Name(), err)
	}

	return result, nil
}

func runStatement(ctx context.Context, tx pgx.Tx, query string, args ...any) (any, error) {
	if isReadStatement(query) {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		return scanRows(rows)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return tag, nil
}

// isReadStatement classifies SELECT and WITH statements as reads.
func isReadStatement(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))

	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

// scanRows drains the result set into one map per row, keyed by column name.
func scanRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()

	var out []map[string]any

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
