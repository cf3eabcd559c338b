// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package audit

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store persists audit events in PostgreSQL. It holds its own pool rather
// than routing through the cluster so audit writes survive failover
// decisions being made about the very node they describe.
type Store struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewStore creates a store writing to the audit_event table.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:      pool,
		tableName: "audit_event",
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS audit_event (
		id uuid PRIMARY KEY,
		action text NOT NULL,
		resource text NOT NULL,
		node text NOT NULL DEFAULT '',
		subject text NOT NULL DEFAULT '',
		detail jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_event_subject ON audit_event (subject, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_event_action ON audit_event (action, created_at DESC)`,
}

// EnsureSchema creates the audit table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to ensure audit schema")
		}
	}

	return nil
}

// Record inserts the event. Implements Trail.
func (s *Store) Record(ctx context.Context, event Event) error {
	insert := squirrel.Insert(s.tableName).
		Columns("id", "action", "resource", "node", "subject", "detail", "created_at").
		Values(event.ID, event.Action, event.Resource, event.Node, event.Subject, event.Detail, event.CreatedAt).
		PlaceholderFormat(squirrel.Dollar)

	query, args, err := insert.ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build audit insert")
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to insert audit event")
	}

	return nil
}

// FindBySubject returns the newest events recorded for one subject.
func (s *Store) FindBySubject(ctx context.Context, subject string, limit uint64) ([]Event, error) {
	find := squirrel.Select("id", "action", "resource", "node", "subject", "detail", "created_at").
		From(s.tableName).
		Where(squirrel.Eq{"subject": subject}).
		OrderBy("created_at DESC").
		Limit(limit).
		PlaceholderFormat(squirrel.Dollar)

	return s.queryEvents(ctx, find)
}

// FindByAction returns the newest events recorded for one action.
func (s *Store) FindByAction(ctx context.Context, action string, limit uint64) ([]Event, error) {
	find := squirrel.Select("id", "action", "resource", "node", "subject", "detail", "created_at").
		From(s.tableName).
		Where(squirrel.Eq{"action": action}).
		OrderBy("created_at DESC").
		Limit(limit).
		PlaceholderFormat(squirrel.Dollar)

	return s.queryEvents(ctx, find)
}

func (s *Store) queryEvents(ctx context.Context, builder squirrel.SelectBuilder) ([]Event, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build audit query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit events")
	}
	defer rows.Close()

	var events []Event

	for rows.Next() {
		var event Event

		if err := rows.Scan(&event.ID, &event.Action, &event.Resource, &event.Node,
			&event.Subject, &event.Detail, &event.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit event")
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read audit events")
	}

	return events, nil
}
